package distribution

import (
	"context"
	"errors"
	"time"

	"mythra-settlement/pkg/audit"
	"mythra-settlement/pkg/db/option"
	"mythra-settlement/pkg/errutil"
	"mythra-settlement/pkg/safemath"
	"mythra-settlement/pkg/taskname"
	"mythra-settlement/services/campaign"
	"mythra-settlement/services/contribution"
	"mythra-settlement/services/escrow"
	"mythra-settlement/services/event"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Profit split in whole percent. The platform pool is computed as the
// remainder so the three pools always sum exactly to profit.
const (
	BackerSharePct    = 60
	OrganizerSharePct = 35
)

const (
	ReasonEventNotEnded               = "EventNotEnded"
	ReasonCampaignNotFunded           = "CampaignNotFunded"
	ReasonDistributionAlreadyComplete = "DistributionAlreadyComplete"
	ReasonDistributionNotReady        = "DistributionNotReady"
	ReasonProfitAlreadyClaimed        = "ProfitAlreadyClaimed"
	ReasonOrganizerAlreadyClaimed     = "OrganizerAlreadyClaimed"
	ReasonContributionRefunded        = "ContributionAlreadyRefunded"
	ReasonArithmeticOverflow          = "ArithmeticOverflow"
)

// EventGateway is the single read the calculator takes of the event
// collaborator. It must not mutate anything.
type EventGateway interface {
	Snapshot(ctx context.Context, eventID string) (event.Snapshot, error)
}

type Service struct {
	db            *gorm.DB
	ledger        *escrow.Ledger
	contributions *contribution.Repository
	events        EventGateway
	publisher     audit.Publisher

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Ledger    *escrow.Ledger
	Events    EventGateway
	Publisher audit.Publisher
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:            p.DB,
		ledger:        p.Ledger,
		contributions: contribution.NewRepository(p.DB),
		events:        p.Events,
		publisher:     p.Publisher,
		now:           time.Now,
	}
}

// Calculate nets ticket revenue against released expenses into profit and
// splits it 60/35/5. Runs once per campaign, after the event has ended.
// A loss leaves every pool at zero; the campaign still completes.
func (s *Service) Calculate(ctx context.Context, campaignID string) (*campaign.Campaign, error) {
	now := s.now()

	var c *campaign.Campaign
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockCampaign(ctx, tx, campaignID)
		if err != nil {
			return err
		}

		if locked.DistributionComplete {
			return errutil.Conflict("distribution has already been calculated",
				errutil.WithReason(ReasonDistributionAlreadyComplete))
		}
		if locked.Status != campaign.StatusFunded {
			return errutil.UnprocessableEntity("campaign is not funded",
				errutil.WithReason(ReasonCampaignNotFunded))
		}

		snap, err := s.events.Snapshot(ctx, locked.EventID)
		if err != nil {
			return err
		}
		if !snap.Canceled && now.Before(snap.EndsAt) {
			return errutil.UnprocessableEntity("event has not ended yet",
				errutil.WithReason(ReasonEventNotEnded))
		}

		// Ticket revenue settles into the campaign escrow so every pool
		// is backed by a ledger entry before anyone claims.
		if snap.TicketRevenue > 0 {
			if err := s.ledger.Deposit(ctx, tx, locked.ID, locked.EventID, "revenue", snap.TicketRevenue); err != nil {
				return err
			}
		}

		// A loss (expenses >= revenue) still completes the distribution,
		// just with empty pools.
		var backerPool, organizerPool, platformPool int64
		if snap.TicketRevenue > locked.TotalExpenses {
			profit := snap.TicketRevenue - locked.TotalExpenses
			backerPool, err = safemath.MulDiv(profit, BackerSharePct, 100)
			if err == nil {
				organizerPool, err = safemath.MulDiv(profit, OrganizerSharePct, 100)
			}
			if err != nil {
				return errutil.UnprocessableEntity("pool computation overflow",
					errutil.WithReason(ReasonArithmeticOverflow), errutil.WithErr(err))
			}
			platformPool = profit - backerPool - organizerPool
		}

		locked.TotalRevenue = snap.TicketRevenue
		locked.BackerPool = backerPool
		locked.OrganizerPool = organizerPool
		locked.PlatformPool = platformPool
		locked.DistributionComplete = true
		locked.Status = campaign.StatusCompleted
		locked.UpdatedAt = now

		if err := tx.WithContext(ctx).Save(locked).Error; err != nil {
			return err
		}

		c = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("distribution calculated",
		zap.String("campaign_id", c.ID),
		zap.Int64("revenue", c.TotalRevenue),
		zap.Int64("expenses", c.TotalExpenses),
		zap.Int64("backer_pool", c.BackerPool),
		zap.Int64("organizer_pool", c.OrganizerPool),
		zap.Int64("platform_pool", c.PlatformPool),
	)

	s.publisher.Emit(ctx, audit.Event{
		Type:       taskname.AuditDistributionCalculated,
		CampaignID: c.ID,
		EntityID:   c.ID,
		Fields: map[string]any{
			"revenue":        c.TotalRevenue,
			"expenses":       c.TotalExpenses,
			"backer_pool":    c.BackerPool,
			"organizer_pool": c.OrganizerPool,
			"platform_pool":  c.PlatformPool,
		},
		Timestamp: now,
	})

	return c, nil
}

// ClaimBackerProfit pays a backer's proportional slice of the backer pool,
// rounded down. A zero share after a loss still marks the contribution
// claimed. Each backer claims at most once.
func (s *Service) ClaimBackerProfit(ctx context.Context, campaignID, backer string) (*contribution.Contribution, error) {
	now := s.now()

	var record *contribution.Contribution
	err := s.db.Transaction(func(tx *gorm.DB) error {
		c, err := s.lockCampaign(ctx, tx, campaignID)
		if err != nil {
			return err
		}

		if !c.DistributionComplete {
			return errutil.UnprocessableEntity("distribution has not been calculated",
				errutil.WithReason(ReasonDistributionNotReady))
		}

		contrib, err := s.contributions.WithTrx(tx).GetForUpdate(ctx, campaignID, backer)
		if err != nil {
			return err
		}
		if contrib.ProfitClaimed {
			return errutil.Conflict("profit has already been claimed",
				errutil.WithReason(ReasonProfitAlreadyClaimed))
		}
		if contrib.Refunded {
			return errutil.UnprocessableEntity("refunded contribution cannot claim profit",
				errutil.WithReason(ReasonContributionRefunded))
		}

		share, err := contrib.Share(c.BackerPool, c.TotalRaised)
		if err != nil {
			return errutil.UnprocessableEntity("profit share overflow",
				errutil.WithReason(ReasonArithmeticOverflow), errutil.WithErr(err))
		}

		if share > 0 {
			if err := s.ledger.Withdraw(ctx, tx, campaignID, backer, "profit", share); err != nil {
				return err
			}
		}

		contrib.ProfitClaimed = true
		contrib.ProfitShare = share
		contrib.UpdatedAt = now
		if err := s.contributions.WithTrx(tx).Save(ctx, contrib); err != nil {
			return err
		}

		record = contrib
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Emit(ctx, audit.Event{
		Type:       taskname.AuditProfitClaimed,
		CampaignID: campaignID,
		EntityID:   record.ID,
		Actor:      backer,
		Amount:     record.ProfitShare,
		Timestamp:  now,
	})

	return record, nil
}

// ClaimOrganizerProfit pays out the organizer pool, once.
func (s *Service) ClaimOrganizerProfit(ctx context.Context, campaignID, actor string) (*campaign.Campaign, error) {
	now := s.now()

	var c *campaign.Campaign
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockCampaign(ctx, tx, campaignID)
		if err != nil {
			return err
		}

		if !locked.DistributionComplete {
			return errutil.UnprocessableEntity("distribution has not been calculated",
				errutil.WithReason(ReasonDistributionNotReady))
		}
		if locked.Organizer != actor {
			return errutil.Forbidden("only the organizer can claim the organizer pool",
				errutil.WithReason(campaign.ReasonUnauthorizedCampaignAction))
		}
		if locked.OrganizerClaimed {
			return errutil.Conflict("organizer pool has already been claimed",
				errutil.WithReason(ReasonOrganizerAlreadyClaimed))
		}

		if locked.OrganizerPool > 0 {
			if err := s.ledger.Withdraw(ctx, tx, campaignID, locked.Organizer, "profit", locked.OrganizerPool); err != nil {
				return err
			}
		}

		locked.OrganizerClaimed = true
		locked.UpdatedAt = now
		if err := tx.WithContext(ctx).Save(locked).Error; err != nil {
			return err
		}

		c = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Emit(ctx, audit.Event{
		Type:       taskname.AuditProfitClaimed,
		CampaignID: campaignID,
		EntityID:   c.ID,
		Actor:      actor,
		Amount:     c.OrganizerPool,
		Timestamp:  now,
	})

	return c, nil
}

func (s *Service) lockCampaign(ctx context.Context, tx *gorm.DB, campaignID string) (*campaign.Campaign, error) {
	var c campaign.Campaign
	if err := tx.WithContext(ctx).
		Scopes(option.LockingUpdate).
		Where("id = ?", campaignID).
		First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("campaign not found",
				errutil.WithReason(campaign.ReasonCampaignNotFound))
		}
		return nil, err
	}
	return &c, nil
}
