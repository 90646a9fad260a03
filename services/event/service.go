package event

import (
	"context"
	"errors"
	"time"

	"mythra-settlement/pkg/errutil"
	"mythra-settlement/pkg/safemath"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Domain failure kinds surfaced by the event registry.
const (
	ReasonEventNotFound           = "EventNotFound"
	ReasonEventAlreadyCanceled    = "EventAlreadyCanceled"
	ReasonUnauthorizedEventAction = "UnauthorizedEventAction"
	ReasonInvalidTimestamps       = "InvalidTimestamps"
	ReasonMetadataURITooLong      = "MetadataURITooLong"
	ReasonInvalidRevenueAmount    = "InvalidRevenueAmount"
	ReasonArithmeticOverflow      = "ArithmeticOverflow"
)

// Snapshot is the single synchronous read the distribution calculator takes
// of the event collaborator.
type Snapshot struct {
	EventID       string
	EndsAt        time.Time
	TicketRevenue int64
	Canceled      bool
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB, node: p.Node}
}

type RegisterInput struct {
	Authority   string
	MetadataURI string
	StartsAt    time.Time
	EndsAt      time.Time
}

// Register records an event so campaigns can reference it.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Event, error) {
	if !in.EndsAt.After(in.StartsAt) {
		return nil, errutil.ValidationFailed("event end must be after start",
			errutil.WithReason(ReasonInvalidTimestamps))
	}
	if len(in.MetadataURI) > MaxMetadataURILength {
		return nil, errutil.ValidationFailed("metadata uri exceeds maximum length",
			errutil.WithReason(ReasonMetadataURITooLong))
	}

	now := time.Now()
	ev := &Event{
		ID:          s.node.Generate().String(),
		Authority:   in.Authority,
		MetadataURI: in.MetadataURI,
		StartsAt:    in.StartsAt,
		EndsAt:      in.EndsAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		zap.L().Error("failed to create event", zap.Error(err))
		return nil, err
	}

	return ev, nil
}

// RecordTicketRevenue accumulates revenue reported by the external ticketing
// system.
func (s *Service) RecordTicketRevenue(ctx context.Context, eventID string, amount int64) (*Event, error) {
	if amount <= 0 {
		return nil, errutil.ValidationFailed("revenue amount must be positive",
			errutil.WithReason(ReasonInvalidRevenueAmount))
	}

	var ev *Event
	err := s.db.Transaction(func(tx *gorm.DB) error {
		found, err := s.get(ctx, tx, eventID)
		if err != nil {
			return err
		}

		total, err := safemath.CheckedAdd(found.TicketRevenue, amount)
		if err != nil {
			return errutil.UnprocessableEntity("ticket revenue overflow",
				errutil.WithReason(ReasonArithmeticOverflow), errutil.WithErr(err))
		}

		if err := tx.WithContext(ctx).
			Model(&Event{}).
			Where("id = ?", eventID).
			Updates(map[string]any{
				"ticket_revenue": total,
				"updated_at":     time.Now(),
			}).Error; err != nil {
			return err
		}

		found.TicketRevenue = total
		ev = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ev, nil
}

// Cancel marks the event as canceled. A canceled event no longer gates
// distribution on its end time.
func (s *Service) Cancel(ctx context.Context, eventID, actor string) (*Event, error) {
	var ev *Event
	err := s.db.Transaction(func(tx *gorm.DB) error {
		found, err := s.get(ctx, tx, eventID)
		if err != nil {
			return err
		}

		if found.Authority != actor {
			return errutil.Forbidden("only the event authority can cancel it",
				errutil.WithReason(ReasonUnauthorizedEventAction))
		}
		if found.Canceled {
			return errutil.Conflict("event is already canceled",
				errutil.WithReason(ReasonEventAlreadyCanceled))
		}

		if err := tx.WithContext(ctx).
			Model(&Event{}).
			Where("id = ?", eventID).
			Updates(map[string]any{
				"canceled":   true,
				"updated_at": time.Now(),
			}).Error; err != nil {
			return err
		}

		found.Canceled = true
		ev = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ev, nil
}

// Get returns the event record. Snapshot read, no lock.
func (s *Service) Get(ctx context.Context, eventID string) (*Event, error) {
	return s.get(ctx, s.db, eventID)
}

// Snapshot implements the read-only collaborator interface consumed by the
// distribution calculator.
func (s *Service) Snapshot(ctx context.Context, eventID string) (Snapshot, error) {
	ev, err := s.get(ctx, s.db, eventID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		EventID:       ev.ID,
		EndsAt:        ev.EndsAt,
		TicketRevenue: ev.TicketRevenue,
		Canceled:      ev.Canceled,
	}, nil
}

func (s *Service) get(ctx context.Context, db *gorm.DB, eventID string) (*Event, error) {
	var ev Event
	if err := db.WithContext(ctx).
		Where("id = ?", eventID).
		First(&ev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("event not found",
				errutil.WithReason(ReasonEventNotFound))
		}
		return nil, err
	}
	return &ev, nil
}
