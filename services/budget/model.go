package budget

import (
	"time"

	"gorm.io/datatypes"
)

// Status lifecycle: Pending -> Approved | Rejected. Rejected budgets may be
// revised into a fresh Pending version. Approved becomes Executed once every
// milestone has released.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExecuted Status = "EXECUTED"
)

// Bounds validated at submission time.
const (
	MaxDescriptionLen   = 200
	MaxMilestoneDescLen = 100
	MaxMilestones       = 10
	MaxRevisions        = 2
	TotalBps            = 10_000
)

// Milestone is a percentage-and-time-gated tranche of a budget.
type Milestone struct {
	Description    string    `json:"description"`
	ReleaseBps     uint16    `json:"release_bps"`
	UnlockAt       time.Time `json:"unlock_at"`
	Released       bool      `json:"released"`
	ReleasedAmount int64     `json:"released_amount"`
}

// Budget is an organizer's proposed spending plan for a funded campaign,
// subject to a contribution-weighted vote. At most one budget per campaign
// is active at a time; rejected versions stay on record.
type Budget struct {
	ID            string                          `gorm:"column:id;primaryKey"`
	CampaignID    string                          `gorm:"column:campaign_id;index;uniqueIndex:idx_campaign_revision,priority:1"`
	Organizer     string                          `gorm:"column:organizer"`
	TotalAmount   int64                           `gorm:"column:total_amount"`
	Description   string                          `gorm:"column:description"`
	Milestones    datatypes.JSONSlice[Milestone]  `gorm:"column:milestones"`
	Status        Status                          `gorm:"column:status"`
	VotingEnd     time.Time                       `gorm:"column:voting_end"`
	VotesFor      int64                           `gorm:"column:votes_for"`
	VotesAgainst  int64                           `gorm:"column:votes_against"`
	RevisionCount uint8                           `gorm:"column:revision_count;uniqueIndex:idx_campaign_revision,priority:2"`
	CreatedAt     time.Time                       `gorm:"column:created_at"`
	UpdatedAt     time.Time                       `gorm:"column:updated_at"`
}

func (Budget) TableName() string { return "budgets" }

func (b *Budget) VotingEnded(now time.Time) bool {
	return !now.Before(b.VotingEnd)
}

// IsApproved requires a strict majority; a tie or an empty ballot rejects.
func (b *Budget) IsApproved() bool {
	return b.VotesFor > b.VotesAgainst && b.VotesFor > 0
}

func (b *Budget) CanRevise() bool {
	return b.Status == StatusRejected && b.RevisionCount < MaxRevisions
}

func (b *Budget) AllReleased() bool {
	for _, m := range b.Milestones {
		if !m.Released {
			return false
		}
	}
	return len(b.Milestones) > 0
}

// Vote is a backer's write-once ballot on one budget version, weighted by
// their unrefunded contribution at vote time.
type Vote struct {
	ID       string    `gorm:"column:id;primaryKey"`
	BudgetID string    `gorm:"column:budget_id;uniqueIndex:idx_budget_voter"`
	Voter    string    `gorm:"column:voter;uniqueIndex:idx_budget_voter"`
	Approve  bool      `gorm:"column:approve"`
	Weight   int64     `gorm:"column:weight"`
	VotedAt  time.Time `gorm:"column:voted_at"`
}

func (Vote) TableName() string { return "budget_votes" }
