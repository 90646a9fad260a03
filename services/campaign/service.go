package campaign

import (
	"context"
	"errors"
	"time"

	"mythra-settlement/pkg/audit"
	"mythra-settlement/pkg/db/option"
	"mythra-settlement/pkg/errutil"
	"mythra-settlement/pkg/safemath"
	"mythra-settlement/pkg/taskname"
	"mythra-settlement/services/contribution"
	"mythra-settlement/services/escrow"
	"mythra-settlement/services/event"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Domain failure kinds surfaced by the campaign manager.
const (
	ReasonInvalidGoal                 = "InvalidGoal"
	ReasonInvalidDeadline             = "InvalidDeadline"
	ReasonDeadlineAfterEventStart     = "DeadlineAfterEventStart"
	ReasonCampaignAlreadyExists       = "CampaignAlreadyExists"
	ReasonCampaignNotFound            = "CampaignNotFound"
	ReasonCampaignNotActive           = "CampaignNotActive"
	ReasonCampaignDeadlinePassed      = "CampaignDeadlinePassed"
	ReasonInvalidContributionAmount   = "InvalidContributionAmount"
	ReasonAlreadyFinalized            = "AlreadyFinalized"
	ReasonGoalNotReached              = "GoalNotReached"
	ReasonCannotRefundFundedCampaign  = "CannotRefundFundedCampaign"
	ReasonRefundNotAvailable          = "RefundNotAvailable"
	ReasonContributionAlreadyRefunded = "ContributionAlreadyRefunded"
	ReasonUnauthorizedCampaignAction  = "UnauthorizedCampaignAction"
	ReasonArithmeticOverflow          = "ArithmeticOverflow"
)

// EventDirectory is the slice of the event collaborator the campaign manager
// needs at creation time.
type EventDirectory interface {
	Get(ctx context.Context, eventID string) (*event.Event, error)
}

type Service struct {
	db            *gorm.DB
	node          *snowflake.Node
	ledger        *escrow.Ledger
	contributions *contribution.Repository
	publisher     audit.Publisher
	events        EventDirectory

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Ledger    *escrow.Ledger
	Publisher audit.Publisher
	Events    EventDirectory
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:            p.DB,
		node:          p.Node,
		ledger:        p.Ledger,
		contributions: contribution.NewRepository(p.DB),
		publisher:     p.Publisher,
		events:        p.Events,
		now:           time.Now,
	}
}

type CreateInput struct {
	EventID     string
	Actor       string
	FundingGoal int64
	Deadline    time.Time
}

// Create opens a campaign for an event. Only the event authority may create
// one, and each event carries at most one campaign.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Campaign, error) {
	now := s.now()

	if in.FundingGoal <= 0 {
		return nil, errutil.ValidationFailed("funding goal must be positive",
			errutil.WithReason(ReasonInvalidGoal))
	}
	if !in.Deadline.After(now) {
		return nil, errutil.ValidationFailed("deadline must be in the future",
			errutil.WithReason(ReasonInvalidDeadline))
	}

	ev, err := s.events.Get(ctx, in.EventID)
	if err != nil {
		return nil, err
	}
	if ev.Authority != in.Actor {
		return nil, errutil.Forbidden("only the event authority can create a campaign",
			errutil.WithReason(ReasonUnauthorizedCampaignAction))
	}
	if !in.Deadline.Before(ev.StartsAt) {
		return nil, errutil.ValidationFailed("deadline must be before the event starts",
			errutil.WithReason(ReasonDeadlineAfterEventStart))
	}

	c := &Campaign{
		ID:          s.node.Generate().String(),
		EventID:     in.EventID,
		Organizer:   in.Actor,
		Authority:   ev.Authority,
		FundingGoal: in.FundingGoal,
		Deadline:    in.Deadline,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var existing Campaign
		err := tx.WithContext(ctx).Where("event_id = ?", in.EventID).First(&existing).Error
		switch {
		case err == nil:
			return errutil.Conflict("event already has a campaign",
				errutil.WithReason(ReasonCampaignAlreadyExists))
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if err := tx.WithContext(ctx).Create(c).Error; err != nil {
			return err
		}

		return s.ledger.Open(tx, c.ID)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("campaign created",
		zap.String("campaign_id", c.ID),
		zap.String("event_id", c.EventID),
		zap.Int64("funding_goal", c.FundingGoal),
	)

	return c, nil
}

// Contribute records a backer's stake and deposits the amount into escrow.
// Repeat contributions by the same backer accumulate into one record.
func (s *Service) Contribute(ctx context.Context, campaignID, backer string, amount int64) (*Campaign, *contribution.Contribution, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	if amount <= 0 {
		return nil, nil, errutil.ValidationFailed("contribution amount must be positive",
			errutil.WithReason(ReasonInvalidContributionAmount))
	}

	now := s.now()

	var c *Campaign
	var record *contribution.Contribution
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, campaignID)
		if err != nil {
			return err
		}

		if !locked.IsActive() {
			return errutil.UnprocessableEntity("campaign is not accepting contributions",
				errutil.WithReason(ReasonCampaignNotActive))
		}
		if locked.DeadlinePassed(now) {
			return errutil.UnprocessableEntity("campaign deadline has passed",
				errutil.WithReason(ReasonCampaignDeadlinePassed))
		}

		contributions := s.contributions.WithTrx(tx)

		existing, err := contributions.GetForUpdate(ctx, campaignID, backer)
		switch {
		case err == nil:
			total, aerr := safemath.CheckedAdd(existing.Amount, amount)
			if aerr != nil {
				return errutil.UnprocessableEntity("contribution amount overflow",
					errutil.WithReason(ReasonArithmeticOverflow), errutil.WithErr(aerr))
			}
			existing.Amount = total
			existing.UpdatedAt = now
			if err := contributions.Save(ctx, existing); err != nil {
				return err
			}
			record = existing
		case errutil.ReasonIs(err, contribution.ReasonContributionNotFound):
			record = &contribution.Contribution{
				ID:            s.node.Generate().String(),
				CampaignID:    campaignID,
				Contributor:   backer,
				Amount:        amount,
				ContributedAt: now,
				UpdatedAt:     now,
			}
			if err := contributions.Create(ctx, record); err != nil {
				return err
			}
			locked.TotalContributors++
		default:
			return err
		}

		raised, err := safemath.CheckedAdd(locked.TotalRaised, amount)
		if err != nil {
			return errutil.UnprocessableEntity("total raised overflow",
				errutil.WithReason(ReasonArithmeticOverflow), errutil.WithErr(err))
		}
		locked.TotalRaised = raised
		locked.UpdatedAt = now

		if err := s.ledger.Deposit(ctx, tx, campaignID, backer, "contribute", amount); err != nil {
			return err
		}

		if err := s.save(ctx, tx, locked); err != nil {
			return err
		}

		c = locked
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	zap.L().Info("contribution received",
		zap.String("campaign_id", campaignID),
		zap.String("contributor", backer),
		zap.Int64("amount", amount),
		zap.Int64("total_raised", c.TotalRaised),
		zap.Int64("funding_goal", c.FundingGoal),
	)

	return c, record, nil
}

// Finalize settles an active campaign: Funded when the goal is reached
// (allowed before the deadline), Failed when the deadline passed short of
// the goal. Callable by anyone once either condition holds.
func (s *Service) Finalize(ctx context.Context, campaignID string) (*Campaign, error) {
	now := s.now()

	var c *Campaign
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, campaignID)
		if err != nil {
			return err
		}

		if !locked.CanFinalize(now) {
			if locked.Status != StatusActive {
				return errutil.Conflict("campaign has already been finalized",
					errutil.WithReason(ReasonAlreadyFinalized))
			}
			return errutil.UnprocessableEntity("funding goal not reached and deadline not passed",
				errutil.WithReason(ReasonGoalNotReached))
		}

		if locked.GoalReached() {
			locked.Status = StatusFunded
		} else {
			locked.Status = StatusFailed
		}
		locked.UpdatedAt = now

		if err := s.save(ctx, tx, locked); err != nil {
			return err
		}

		c = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Emit(ctx, audit.Event{
		Type:       taskname.AuditCampaignFinalized,
		CampaignID: c.ID,
		EntityID:   c.ID,
		Amount:     c.TotalRaised,
		Fields: map[string]any{
			"status":             c.Status,
			"total_contributors": c.TotalContributors,
		},
		Timestamp: now,
	})

	return c, nil
}

// ClaimRefund returns a backer's full contribution after a failed campaign.
func (s *Service) ClaimRefund(ctx context.Context, campaignID, contributor string) (*contribution.Contribution, error) {
	now := s.now()

	var record *contribution.Contribution
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, campaignID)
		if err != nil {
			return err
		}

		if locked.Status == StatusFunded || locked.Status == StatusCompleted {
			return errutil.UnprocessableEntity("cannot refund a funded campaign",
				errutil.WithReason(ReasonCannotRefundFundedCampaign))
		}
		if !locked.RefundsAvailable() {
			return errutil.UnprocessableEntity("refunds are not available for this campaign",
				errutil.WithReason(ReasonRefundNotAvailable))
		}

		contributions := s.contributions.WithTrx(tx)
		found, err := contributions.GetForUpdate(ctx, campaignID, contributor)
		if err != nil {
			return err
		}
		if !found.CanRefund() {
			return errutil.Conflict("contribution already refunded",
				errutil.WithReason(ReasonContributionAlreadyRefunded))
		}

		if err := s.ledger.Withdraw(ctx, tx, campaignID, contributor, "refund", found.Amount); err != nil {
			return err
		}

		found.Refunded = true
		found.UpdatedAt = now
		if err := contributions.Save(ctx, found); err != nil {
			return err
		}

		raised, err := safemath.CheckedSub(locked.TotalRaised, found.Amount)
		if err != nil {
			return errutil.UnprocessableEntity("total raised underflow",
				errutil.WithReason(ReasonArithmeticOverflow), errutil.WithErr(err))
		}
		locked.TotalRaised = raised
		locked.UpdatedAt = now
		if err := s.save(ctx, tx, locked); err != nil {
			return err
		}

		record = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Emit(ctx, audit.Event{
		Type:       taskname.AuditRefundClaimed,
		CampaignID: campaignID,
		EntityID:   record.ID,
		Actor:      contributor,
		Amount:     record.Amount,
		Timestamp:  now,
	})

	return record, nil
}

// Get returns the campaign. Snapshot read, no lock.
func (s *Service) Get(ctx context.Context, campaignID string) (*Campaign, error) {
	var c Campaign
	if err := s.db.WithContext(ctx).
		Where("id = ?", campaignID).
		First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("campaign not found",
				errutil.WithReason(ReasonCampaignNotFound))
		}
		return nil, err
	}
	return &c, nil
}

// ListContributions returns all contribution records for a campaign.
func (s *Service) ListContributions(ctx context.Context, campaignID string) ([]contribution.Contribution, error) {
	return s.contributions.ListByCampaign(ctx, campaignID)
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, campaignID string) (*Campaign, error) {
	var c Campaign
	if err := tx.WithContext(ctx).
		Scopes(option.LockingUpdate).
		Where("id = ?", campaignID).
		First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("campaign not found",
				errutil.WithReason(ReasonCampaignNotFound))
		}
		return nil, err
	}
	return &c, nil
}

func (s *Service) save(ctx context.Context, tx *gorm.DB, c *Campaign) error {
	return tx.WithContext(ctx).Save(c).Error
}
