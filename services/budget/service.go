package budget

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

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Domain failure kinds surfaced by budget governance and milestone release.
const (
	ReasonCampaignNotFunded            = "CampaignNotFunded"
	ReasonBudgetNotFound               = "BudgetNotFound"
	ReasonBudgetAlreadyExists          = "BudgetAlreadyExists"
	ReasonBudgetExceedsFunds           = "BudgetExceedsFunds"
	ReasonBudgetDescriptionTooLong     = "BudgetDescriptionTooLong"
	ReasonInvalidMilestoneCount        = "InvalidMilestoneCount"
	ReasonInvalidMilestonePercentages  = "InvalidMilestonePercentages"
	ReasonMilestoneDescriptionRequired = "MilestoneDescriptionRequired"
	ReasonMilestoneDescriptionTooLong  = "MilestoneDescriptionTooLong"
	ReasonInvalidVotingPeriod          = "InvalidVotingPeriod"
	ReasonBudgetNotPending             = "BudgetNotPending"
	ReasonVotingClosed                 = "VotingClosed"
	ReasonVotingStillOpen              = "VotingStillOpen"
	ReasonAlreadyVoted                 = "AlreadyVoted"
	ReasonNotAContributor              = "NotAContributor"
	ReasonCannotReviseBudget           = "CannotReviseBudget"
	ReasonRevisionLimitExceeded        = "RevisionLimitExceeded"
	ReasonBudgetNotApproved            = "BudgetNotApproved"
	ReasonMilestoneNotFound            = "MilestoneNotFound"
	ReasonMilestoneAlreadyReleased     = "MilestoneAlreadyReleased"
	ReasonMilestoneNotUnlocked         = "MilestoneNotUnlocked"
	ReasonUnauthorizedBudgetAction     = "UnauthorizedBudgetAction"
	ReasonArithmeticOverflow           = "ArithmeticOverflow"
)

type Service struct {
	db            *gorm.DB
	node          *snowflake.Node
	ledger        *escrow.Ledger
	contributions *contribution.Repository
	publisher     audit.Publisher

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Ledger    *escrow.Ledger
	Publisher audit.Publisher
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:            p.DB,
		node:          p.Node,
		ledger:        p.Ledger,
		contributions: contribution.NewRepository(p.DB),
		publisher:     p.Publisher,
		now:           time.Now,
	}
}

// MilestoneInput is one proposed tranche in a submitted or revised budget.
type MilestoneInput struct {
	Description string    `json:"description"`
	ReleaseBps  uint16    `json:"release_bps"`
	UnlockAt    time.Time `json:"unlock_at"`
}

type SubmitInput struct {
	CampaignID   string
	Actor        string
	TotalAmount  int64
	Description  string
	Milestones   []MilestoneInput
	VotingPeriod time.Duration
}

// Submit proposes a spending plan for a funded campaign and opens the
// voting window. Organizer only; one active budget per campaign.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Budget, error) {
	now := s.now()

	var b *Budget
	err := s.db.Transaction(func(tx *gorm.DB) error {
		c, err := s.lockCampaign(ctx, tx, in.CampaignID)
		if err != nil {
			return err
		}

		if c.Status != campaign.StatusFunded {
			return errutil.UnprocessableEntity("campaign is not funded",
				errutil.WithReason(ReasonCampaignNotFunded))
		}
		if c.Organizer != in.Actor {
			return errutil.Forbidden("only the organizer can submit a budget",
				errutil.WithReason(ReasonUnauthorizedBudgetAction))
		}

		if err := ensureNoActiveBudget(ctx, tx, in.CampaignID); err != nil {
			return err
		}

		if err := validateProposal(c, in.TotalAmount, in.Description, in.Milestones, in.VotingPeriod); err != nil {
			return err
		}

		b = s.newBudget(c, in, 0, now)
		return tx.WithContext(ctx).Create(b).Error
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Emit(ctx, audit.Event{
		Type:       taskname.AuditBudgetSubmitted,
		CampaignID: b.CampaignID,
		EntityID:   b.ID,
		Actor:      b.Organizer,
		Amount:     b.TotalAmount,
		Fields: map[string]any{
			"voting_end":     b.VotingEnd,
			"revision_count": b.RevisionCount,
		},
		Timestamp: now,
	})

	return b, nil
}

// Vote records a backer's ballot. Weight is the voter's unrefunded
// contribution amount at vote time; one ballot per budget version.
func (s *Service) Vote(ctx context.Context, budgetID, voter string, approve bool) (*Vote, error) {
	now := s.now()

	var v *Vote
	err := s.db.Transaction(func(tx *gorm.DB) error {
		b, err := s.lockBudget(ctx, tx, budgetID)
		if err != nil {
			return err
		}

		if b.Status != StatusPending {
			return errutil.UnprocessableEntity("budget is not open for voting",
				errutil.WithReason(ReasonBudgetNotPending))
		}
		if b.VotingEnded(now) {
			return errutil.UnprocessableEntity("voting period has ended",
				errutil.WithReason(ReasonVotingClosed))
		}

		record, err := s.contributions.WithTrx(tx).Get(ctx, b.CampaignID, voter)
		if err != nil {
			if errutil.ReasonIs(err, contribution.ReasonContributionNotFound) {
				return errutil.Forbidden("voter is not a contributor to this campaign",
					errutil.WithReason(ReasonNotAContributor))
			}
			return err
		}
		weight := record.VotingPower()
		if weight == 0 {
			return errutil.Forbidden("voter has no unrefunded contribution",
				errutil.WithReason(ReasonNotAContributor))
		}

		var existing Vote
		err = tx.WithContext(ctx).
			Where("budget_id = ? AND voter = ?", budgetID, voter).
			First(&existing).Error
		switch {
		case err == nil:
			return errutil.Conflict("voter has already voted on this budget",
				errutil.WithReason(ReasonAlreadyVoted))
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		v = &Vote{
			ID:       s.node.Generate().String(),
			BudgetID: budgetID,
			Voter:    voter,
			Approve:  approve,
			Weight:   weight,
			VotedAt:  now,
		}
		if err := tx.WithContext(ctx).Create(v).Error; err != nil {
			return err
		}

		if approve {
			b.VotesFor, err = safemath.CheckedAdd(b.VotesFor, weight)
		} else {
			b.VotesAgainst, err = safemath.CheckedAdd(b.VotesAgainst, weight)
		}
		if err != nil {
			return errutil.UnprocessableEntity("vote tally overflow",
				errutil.WithReason(ReasonArithmeticOverflow), errutil.WithErr(err))
		}
		b.UpdatedAt = now

		return tx.WithContext(ctx).Save(b).Error
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("vote recorded",
		zap.String("budget_id", budgetID),
		zap.String("voter", voter),
		zap.Bool("approve", approve),
		zap.Int64("weight", v.Weight),
	)

	return v, nil
}

// FinalizeVote settles the ballot once the window closes. A strict majority
// of weighted votes approves; a tie rejects. Callable by anyone.
func (s *Service) FinalizeVote(ctx context.Context, budgetID string) (*Budget, error) {
	now := s.now()

	var b *Budget
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockBudget(ctx, tx, budgetID)
		if err != nil {
			return err
		}

		if locked.Status != StatusPending {
			return errutil.UnprocessableEntity("budget voting has already been finalized",
				errutil.WithReason(ReasonBudgetNotPending))
		}
		if !locked.VotingEnded(now) {
			return errutil.UnprocessableEntity("voting period is still open",
				errutil.WithReason(ReasonVotingStillOpen))
		}

		if locked.IsApproved() {
			locked.Status = StatusApproved
		} else {
			locked.Status = StatusRejected
		}
		locked.UpdatedAt = now

		if err := tx.WithContext(ctx).Save(locked).Error; err != nil {
			return err
		}

		b = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Emit(ctx, audit.Event{
		Type:       taskname.AuditBudgetFinalized,
		CampaignID: b.CampaignID,
		EntityID:   b.ID,
		Fields: map[string]any{
			"status":        b.Status,
			"votes_for":     b.VotesFor,
			"votes_against": b.VotesAgainst,
		},
		Timestamp: now,
	})

	return b, nil
}

type ReviseInput struct {
	BudgetID     string
	Actor        string
	TotalAmount  int64
	Description  string
	Milestones   []MilestoneInput
	VotingPeriod time.Duration
}

// Revise resubmits a rejected budget as a fresh Pending version with a new
// voting window and zeroed tallies. At most MaxRevisions revisions.
func (s *Service) Revise(ctx context.Context, in ReviseInput) (*Budget, error) {
	now := s.now()

	var b *Budget
	err := s.db.Transaction(func(tx *gorm.DB) error {
		old, err := s.lockBudget(ctx, tx, in.BudgetID)
		if err != nil {
			return err
		}

		if old.Status != StatusRejected {
			return errutil.UnprocessableEntity("only a rejected budget can be revised",
				errutil.WithReason(ReasonCannotReviseBudget))
		}
		if old.RevisionCount >= MaxRevisions {
			return errutil.UnprocessableEntity("budget revision limit exceeded",
				errutil.WithReason(ReasonRevisionLimitExceeded))
		}

		if err := ensureNoActiveBudget(ctx, tx, old.CampaignID); err != nil {
			return err
		}

		// Only the newest version may be revised; a stale rejected version
		// would otherwise mint a duplicate revision number.
		var later int64
		if err := tx.WithContext(ctx).Model(&Budget{}).
			Where("campaign_id = ? AND revision_count > ?", old.CampaignID, old.RevisionCount).
			Count(&later).Error; err != nil {
			return err
		}
		if later > 0 {
			return errutil.Conflict("budget has already been revised",
				errutil.WithReason(ReasonCannotReviseBudget))
		}

		c, err := s.lockCampaign(ctx, tx, old.CampaignID)
		if err != nil {
			return err
		}
		if c.Organizer != in.Actor {
			return errutil.Forbidden("only the organizer can revise a budget",
				errutil.WithReason(ReasonUnauthorizedBudgetAction))
		}

		if err := validateProposal(c, in.TotalAmount, in.Description, in.Milestones, in.VotingPeriod); err != nil {
			return err
		}

		b = s.newBudget(c, SubmitInput{
			CampaignID:   old.CampaignID,
			Actor:        in.Actor,
			TotalAmount:  in.TotalAmount,
			Description:  in.Description,
			Milestones:   in.Milestones,
			VotingPeriod: in.VotingPeriod,
		}, old.RevisionCount+1, now)

		return tx.WithContext(ctx).Create(b).Error
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Emit(ctx, audit.Event{
		Type:       taskname.AuditBudgetSubmitted,
		CampaignID: b.CampaignID,
		EntityID:   b.ID,
		Actor:      b.Organizer,
		Amount:     b.TotalAmount,
		Fields: map[string]any{
			"voting_end":     b.VotingEnd,
			"revision_count": b.RevisionCount,
		},
		Timestamp: now,
	})

	return b, nil
}

// ReleaseMilestone transfers one unlocked tranche of an approved budget from
// escrow to the organizer and books it as a campaign expense. Each milestone
// releases at most once; the budget becomes Executed when all have released.
func (s *Service) ReleaseMilestone(ctx context.Context, budgetID string, index int, actor string) (*Budget, int64, error) {
	now := s.now()

	var b *Budget
	var released int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockBudget(ctx, tx, budgetID)
		if err != nil {
			return err
		}

		c, err := s.lockCampaign(ctx, tx, locked.CampaignID)
		if err != nil {
			return err
		}
		if c.Organizer != actor {
			return errutil.Forbidden("only the organizer can release a milestone",
				errutil.WithReason(ReasonUnauthorizedBudgetAction))
		}

		if locked.Status != StatusApproved {
			return errutil.UnprocessableEntity("budget is not approved",
				errutil.WithReason(ReasonBudgetNotApproved))
		}
		if index < 0 || index >= len(locked.Milestones) {
			return errutil.NotFound("milestone index out of range",
				errutil.WithReason(ReasonMilestoneNotFound))
		}

		m := locked.Milestones[index]
		if m.Released {
			return errutil.Conflict("milestone has already been released",
				errutil.WithReason(ReasonMilestoneAlreadyReleased))
		}
		if now.Before(m.UnlockAt) {
			return errutil.UnprocessableEntity("milestone is not yet unlocked",
				errutil.WithReason(ReasonMilestoneNotUnlocked))
		}

		amount, err := safemath.MulDiv(locked.TotalAmount, int64(m.ReleaseBps), TotalBps)
		if err != nil {
			return errutil.UnprocessableEntity("milestone amount overflow",
				errutil.WithReason(ReasonArithmeticOverflow), errutil.WithErr(err))
		}

		if err := s.ledger.Withdraw(ctx, tx, c.ID, c.Organizer, "milestone", amount); err != nil {
			return err
		}

		locked.Milestones[index].Released = true
		locked.Milestones[index].ReleasedAmount = amount
		if locked.AllReleased() {
			locked.Status = StatusExecuted
		}
		locked.UpdatedAt = now
		if err := tx.WithContext(ctx).Save(locked).Error; err != nil {
			return err
		}

		expenses, err := safemath.CheckedAdd(c.TotalExpenses, amount)
		if err != nil {
			return errutil.UnprocessableEntity("campaign expenses overflow",
				errutil.WithReason(ReasonArithmeticOverflow), errutil.WithErr(err))
		}
		c.TotalExpenses = expenses
		c.UpdatedAt = now
		if err := tx.WithContext(ctx).Save(c).Error; err != nil {
			return err
		}

		b = locked
		released = amount
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	s.publisher.Emit(ctx, audit.Event{
		Type:       taskname.AuditMilestoneReleased,
		CampaignID: b.CampaignID,
		EntityID:   b.ID,
		Actor:      actor,
		Amount:     released,
		Fields: map[string]any{
			"milestone_index": index,
			"budget_status":   b.Status,
		},
		Timestamp: now,
	})

	return b, released, nil
}

// Get returns a budget by id. Snapshot read, no lock.
func (s *Service) Get(ctx context.Context, budgetID string) (*Budget, error) {
	var b Budget
	if err := s.db.WithContext(ctx).
		Where("id = ?", budgetID).
		First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("budget not found",
				errutil.WithReason(ReasonBudgetNotFound))
		}
		return nil, err
	}
	return &b, nil
}

// ListByCampaign returns every budget version for a campaign, newest first.
func (s *Service) ListByCampaign(ctx context.Context, campaignID string) ([]Budget, error) {
	var budgets []Budget
	if err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("created_at DESC").
		Find(&budgets).Error; err != nil {
		return nil, err
	}
	return budgets, nil
}

func (s *Service) newBudget(c *campaign.Campaign, in SubmitInput, revision uint8, now time.Time) *Budget {
	milestones := make([]Milestone, 0, len(in.Milestones))
	for _, m := range in.Milestones {
		milestones = append(milestones, Milestone{
			Description: m.Description,
			ReleaseBps:  m.ReleaseBps,
			UnlockAt:    m.UnlockAt,
		})
	}

	return &Budget{
		ID:            s.node.Generate().String(),
		CampaignID:    c.ID,
		Organizer:     c.Organizer,
		TotalAmount:   in.TotalAmount,
		Description:   in.Description,
		Milestones:    datatypes.NewJSONSlice(milestones),
		Status:        StatusPending,
		VotingEnd:     now.Add(in.VotingPeriod),
		RevisionCount: revision,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func validateProposal(c *campaign.Campaign, totalAmount int64, description string, milestones []MilestoneInput, votingPeriod time.Duration) error {
	if totalAmount <= 0 || totalAmount > c.TotalRaised {
		return errutil.ValidationFailed("budget total exceeds raised funds",
			errutil.WithReason(ReasonBudgetExceedsFunds))
	}
	if len(description) > MaxDescriptionLen {
		return errutil.ValidationFailed("budget description exceeds maximum length",
			errutil.WithReason(ReasonBudgetDescriptionTooLong))
	}
	if len(milestones) == 0 || len(milestones) > MaxMilestones {
		return errutil.ValidationFailed("milestone count out of range",
			errutil.WithReason(ReasonInvalidMilestoneCount))
	}
	if votingPeriod <= 0 {
		return errutil.ValidationFailed("voting period must be positive",
			errutil.WithReason(ReasonInvalidVotingPeriod))
	}

	var totalBps int
	for i, m := range milestones {
		if m.Description == "" {
			return errutil.ValidationFailed("milestone description is required",
				errutil.WithReason(ReasonMilestoneDescriptionRequired))
		}
		if len(m.Description) > MaxMilestoneDescLen {
			return errutil.ValidationFailed("milestone description exceeds maximum length",
				errutil.WithReason(ReasonMilestoneDescriptionTooLong))
		}
		totalBps += int(m.ReleaseBps)

		// unordered unlock times are allowed but worth noticing
		if i > 0 && m.UnlockAt.Before(milestones[i-1].UnlockAt) {
			zap.L().Warn("milestone unlock times are not monotonically increasing",
				zap.String("campaign_id", c.ID),
				zap.Int("milestone_index", i),
			)
		}
	}
	if totalBps != TotalBps {
		return errutil.ValidationFailed("milestone percentages must sum to 10000 bps",
			errutil.WithReason(ReasonInvalidMilestonePercentages))
	}

	return nil
}

// ensureNoActiveBudget rejects when the campaign already carries a Pending,
// Approved or Executed budget. Both Submit and Revise create new versions
// and must hold this.
func ensureNoActiveBudget(ctx context.Context, tx *gorm.DB, campaignID string) error {
	var existing Budget
	err := tx.WithContext(ctx).
		Where("campaign_id = ? AND status IN ?", campaignID,
			[]Status{StatusPending, StatusApproved, StatusExecuted}).
		First(&existing).Error
	switch {
	case err == nil:
		return errutil.Conflict("campaign already has an active budget",
			errutil.WithReason(ReasonBudgetAlreadyExists))
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}
	return nil
}

func (s *Service) lockBudget(ctx context.Context, tx *gorm.DB, budgetID string) (*Budget, error) {
	var b Budget
	if err := tx.WithContext(ctx).
		Scopes(option.LockingUpdate).
		Where("id = ?", budgetID).
		First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("budget not found",
				errutil.WithReason(ReasonBudgetNotFound))
		}
		return nil, err
	}
	return &b, nil
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
