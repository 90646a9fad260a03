package event

import "time"

// Event is the engine's view of the external event collaborator: an opaque
// identity plus the ticket-revenue accumulator and end time that the
// distribution calculator reads. Ticketing itself lives outside the engine.
type Event struct {
	ID            string    `gorm:"column:id;primaryKey"`
	Authority     string    `gorm:"column:authority"`
	MetadataURI   string    `gorm:"column:metadata_uri"`
	StartsAt      time.Time `gorm:"column:starts_at"`
	EndsAt        time.Time `gorm:"column:ends_at"`
	TicketRevenue int64     `gorm:"column:ticket_revenue"`
	Canceled      bool      `gorm:"column:canceled"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (Event) TableName() string { return "events" }

// MaxMetadataURILength bounds the stored metadata reference.
const MaxMetadataURILength = 200
