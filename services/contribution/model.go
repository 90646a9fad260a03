package contribution

import (
	"time"

	"mythra-settlement/pkg/safemath"
)

// Contribution is a backer's recorded stake in a campaign, keyed
// (campaign_id, contributor). Repeat contributions accumulate into the same
// record. Refunded and ProfitClaimed are monotonic and mutually exclusive.
type Contribution struct {
	ID            string    `gorm:"column:id;primaryKey"`
	CampaignID    string    `gorm:"column:campaign_id;uniqueIndex:idx_campaign_contributor"`
	Contributor   string    `gorm:"column:contributor;uniqueIndex:idx_campaign_contributor"`
	Amount        int64     `gorm:"column:amount"`
	Refunded      bool      `gorm:"column:refunded"`
	ProfitShare   int64     `gorm:"column:profit_share"`
	ProfitClaimed bool      `gorm:"column:profit_claimed"`
	ContributedAt time.Time `gorm:"column:contributed_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (Contribution) TableName() string { return "contributions" }

// VotingPower is the backer's weight in budget votes: the unrefunded
// contribution amount.
func (c *Contribution) VotingPower() int64 {
	if c.Refunded {
		return 0
	}
	return c.Amount
}

// Share computes this backer's proportional cut of a pool, rounded down.
// The multiply runs in 128 bits so amount*pool cannot overflow.
func (c *Contribution) Share(pool, totalRaised int64) (int64, error) {
	if totalRaised == 0 || pool == 0 {
		return 0, nil
	}
	return safemath.MulDiv(c.Amount, pool, totalRaised)
}

func (c *Contribution) CanRefund() bool {
	return !c.Refunded
}
