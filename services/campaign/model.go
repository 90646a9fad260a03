package campaign

import "time"

// Status lifecycle: Active -> Funded | Failed, Funded -> Completed. No other
// edge is valid. Failed permits refunds only.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusFunded    Status = "FUNDED"
	StatusFailed    Status = "FAILED"
	StatusCompleted Status = "COMPLETED"
)

// Campaign is one funding round tied to one event. Retained for audit after
// completion, never deleted.
type Campaign struct {
	ID                   string    `gorm:"column:id;primaryKey"`
	EventID              string    `gorm:"column:event_id;uniqueIndex"`
	Organizer            string    `gorm:"column:organizer"`
	Authority            string    `gorm:"column:authority"`
	FundingGoal          int64     `gorm:"column:funding_goal"`
	Deadline             time.Time `gorm:"column:deadline"`
	TotalRaised          int64     `gorm:"column:total_raised"`
	TotalContributors    int32     `gorm:"column:total_contributors"`
	Status               Status    `gorm:"column:status"`
	TotalRevenue         int64     `gorm:"column:total_revenue"`
	TotalExpenses        int64     `gorm:"column:total_expenses"`
	BackerPool           int64     `gorm:"column:backer_pool"`
	OrganizerPool        int64     `gorm:"column:organizer_pool"`
	PlatformPool         int64     `gorm:"column:platform_pool"`
	DistributionComplete bool      `gorm:"column:distribution_complete"`
	OrganizerClaimed     bool      `gorm:"column:organizer_claimed"`
	CreatedAt            time.Time `gorm:"column:created_at"`
	UpdatedAt            time.Time `gorm:"column:updated_at"`
}

func (Campaign) TableName() string { return "campaigns" }

func (c *Campaign) IsActive() bool {
	return c.Status == StatusActive
}

func (c *Campaign) GoalReached() bool {
	return c.TotalRaised >= c.FundingGoal
}

// DeadlinePassed is inclusive: the deadline instant itself already closes
// the funding window and opens finalization.
func (c *Campaign) DeadlinePassed(now time.Time) bool {
	return !now.Before(c.Deadline)
}

// CanFinalize: active and either funded early or past deadline.
func (c *Campaign) CanFinalize(now time.Time) bool {
	return c.Status == StatusActive && (c.GoalReached() || c.DeadlinePassed(now))
}

func (c *Campaign) RefundsAvailable() bool {
	return c.Status == StatusFailed
}

func (c *Campaign) CanDistribute(eventEnded bool) bool {
	return c.Status == StatusFunded && eventEnded && !c.DistributionComplete
}
