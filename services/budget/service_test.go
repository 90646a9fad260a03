package budget

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mythra-settlement/pkg/audit"
	"mythra-settlement/pkg/errutil"
	"mythra-settlement/services/campaign"
	"mythra-settlement/services/contribution"
	"mythra-settlement/services/escrow"
	"mythra-settlement/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	recorder *audit.Recorder
	clock    *time.Time
	node     *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&Budget{}, &Vote{}, &campaign.Campaign{},
		&contribution.Contribution{}, &escrow.Account{}, &escrow.Entry{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	recorder := &audit.Recorder{}
	svc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Ledger:    escrow.NewLedger(escrow.LedgerParams{Node: node}),
		Publisher: recorder,
	})

	now := time.Now()
	svc.now = func() time.Time { return now }

	return &fixture{svc: svc, db: db, recorder: recorder, clock: &now, node: node}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

// fundedCampaign seeds a Funded campaign with escrowed contributions.
func (f *fixture) fundedCampaign(t *testing.T, contributions map[string]int64) *campaign.Campaign {
	t.Helper()
	ctx := context.Background()

	var total int64
	c := &campaign.Campaign{
		ID:        f.node.Generate().String(),
		EventID:   f.node.Generate().String(),
		Organizer: "organizer-1",
		Authority: "organizer-1",
		Status:    campaign.StatusFunded,
		CreatedAt: *f.clock,
		UpdatedAt: *f.clock,
	}

	err := f.db.Transaction(func(tx *gorm.DB) error {
		if err := f.svc.ledger.Open(tx, c.ID); err != nil {
			return err
		}
		for backer, amount := range contributions {
			record := &contribution.Contribution{
				ID:            f.node.Generate().String(),
				CampaignID:    c.ID,
				Contributor:   backer,
				Amount:        amount,
				ContributedAt: *f.clock,
				UpdatedAt:     *f.clock,
			}
			if err := tx.Create(record).Error; err != nil {
				return err
			}
			if err := f.svc.ledger.Deposit(ctx, tx, c.ID, backer, "contribute", amount); err != nil {
				return err
			}
			total += amount
			c.TotalContributors++
		}
		c.TotalRaised = total
		c.FundingGoal = total
		return tx.Create(c).Error
	})
	require.NoError(t, err)

	return c
}

func evenSplit(bps ...uint16) []MilestoneInput {
	base := time.Now().Add(-time.Minute)
	out := make([]MilestoneInput, 0, len(bps))
	for i, b := range bps {
		out = append(out, MilestoneInput{
			Description: "milestone",
			ReleaseBps:  b,
			UnlockAt:    base.Add(time.Duration(i) * time.Second),
		})
	}
	return out
}

func (f *fixture) submit(t *testing.T, c *campaign.Campaign, amount int64) *Budget {
	t.Helper()

	b, err := f.svc.Submit(context.Background(), SubmitInput{
		CampaignID:   c.ID,
		Actor:        c.Organizer,
		TotalAmount:  amount,
		Description:  "production costs",
		Milestones:   evenSplit(5_000, 5_000),
		VotingPeriod: time.Hour,
	})
	require.NoError(t, err)
	return b
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 1_000})

	base := SubmitInput{
		CampaignID:   c.ID,
		Actor:        c.Organizer,
		TotalAmount:  800,
		Description:  "plan",
		Milestones:   evenSplit(5_000, 5_000),
		VotingPeriod: time.Hour,
	}

	in := base
	in.Actor = "stranger"
	_, err := f.svc.Submit(ctx, in)
	require.True(t, errutil.ReasonIs(err, ReasonUnauthorizedBudgetAction))

	in = base
	in.TotalAmount = 1_001
	_, err = f.svc.Submit(ctx, in)
	require.True(t, errutil.ReasonIs(err, ReasonBudgetExceedsFunds))

	in = base
	in.Milestones = evenSplit(5_000, 4_000)
	_, err = f.svc.Submit(ctx, in)
	require.True(t, errutil.ReasonIs(err, ReasonInvalidMilestonePercentages))

	in = base
	in.Milestones = nil
	_, err = f.svc.Submit(ctx, in)
	require.True(t, errutil.ReasonIs(err, ReasonInvalidMilestoneCount))

	in = base
	in.VotingPeriod = 0
	_, err = f.svc.Submit(ctx, in)
	require.True(t, errutil.ReasonIs(err, ReasonInvalidVotingPeriod))
}

func TestSubmitRequiresFundedCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 1_000})

	require.NoError(t, f.db.Model(c).Update("status", campaign.StatusActive).Error)

	_, err := f.svc.Submit(ctx, SubmitInput{
		CampaignID:   c.ID,
		Actor:        c.Organizer,
		TotalAmount:  500,
		Milestones:   evenSplit(10_000),
		VotingPeriod: time.Hour,
	})
	require.True(t, errutil.ReasonIs(err, ReasonCampaignNotFunded))
}

func TestSubmitSingleActiveBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 1_000})
	f.submit(t, c, 800)

	_, err := f.svc.Submit(ctx, SubmitInput{
		CampaignID:   c.ID,
		Actor:        c.Organizer,
		TotalAmount:  500,
		Milestones:   evenSplit(10_000),
		VotingPeriod: time.Hour,
	})
	require.True(t, errutil.ReasonIs(err, ReasonBudgetAlreadyExists))
}

func TestVoteWeightedByContribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 700, "backer-b": 300})
	b := f.submit(t, c, 800)

	v, err := f.svc.Vote(ctx, b.ID, "backer-a", true)
	require.NoError(t, err)
	require.Equal(t, int64(700), v.Weight)

	_, err = f.svc.Vote(ctx, b.ID, "backer-b", false)
	require.NoError(t, err)

	updated, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(700), updated.VotesFor)
	require.Equal(t, int64(300), updated.VotesAgainst)
}

func TestVoteRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 1_000})
	b := f.submit(t, c, 800)

	_, err := f.svc.Vote(ctx, b.ID, "stranger", true)
	require.True(t, errutil.ReasonIs(err, ReasonNotAContributor))

	_, err = f.svc.Vote(ctx, b.ID, "backer-a", true)
	require.NoError(t, err)
	_, err = f.svc.Vote(ctx, b.ID, "backer-a", false)
	require.True(t, errutil.ReasonIs(err, ReasonAlreadyVoted))

	f.advance(2 * time.Hour)
	c2 := f.fundedCampaign(t, map[string]int64{"backer-a": 1_000})
	b2 := f.submit(t, c2, 800)
	f.advance(2 * time.Hour)
	_, err = f.svc.Vote(ctx, b2.ID, "backer-a", true)
	require.True(t, errutil.ReasonIs(err, ReasonVotingClosed))
}

func TestFinalizeVoteMajorityApproves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 700, "backer-b": 300})
	b := f.submit(t, c, 800)

	_, err := f.svc.Vote(ctx, b.ID, "backer-a", true)
	require.NoError(t, err)
	_, err = f.svc.Vote(ctx, b.ID, "backer-b", false)
	require.NoError(t, err)

	_, err = f.svc.FinalizeVote(ctx, b.ID)
	require.True(t, errutil.ReasonIs(err, ReasonVotingStillOpen))

	f.advance(2 * time.Hour)

	finalized, err := f.svc.FinalizeVote(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, finalized.Status)

	_, err = f.svc.FinalizeVote(ctx, b.ID)
	require.True(t, errutil.ReasonIs(err, ReasonBudgetNotPending))
}

func TestFinalizeVoteTieRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 500, "backer-b": 500})
	b := f.submit(t, c, 800)

	_, err := f.svc.Vote(ctx, b.ID, "backer-a", true)
	require.NoError(t, err)
	_, err = f.svc.Vote(ctx, b.ID, "backer-b", false)
	require.NoError(t, err)

	f.advance(2 * time.Hour)

	finalized, err := f.svc.FinalizeVote(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, finalized.Status)
}

func TestFinalizeVoteNoBallotsRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 1_000})
	b := f.submit(t, c, 800)

	f.advance(2 * time.Hour)

	finalized, err := f.svc.FinalizeVote(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, finalized.Status)
}

func TestReviseRejectedBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 1_000})
	b := f.submit(t, c, 800)

	_, err := f.svc.Revise(ctx, ReviseInput{
		BudgetID: b.ID, Actor: c.Organizer,
		TotalAmount: 500, Milestones: evenSplit(10_000), VotingPeriod: time.Hour,
	})
	require.True(t, errutil.ReasonIs(err, ReasonCannotReviseBudget))

	f.advance(2 * time.Hour)
	_, err = f.svc.FinalizeVote(ctx, b.ID)
	require.NoError(t, err)

	revised, err := f.svc.Revise(ctx, ReviseInput{
		BudgetID: b.ID, Actor: c.Organizer,
		TotalAmount: 500, Milestones: evenSplit(10_000), VotingPeriod: time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, revised.Status)
	require.Equal(t, uint8(1), revised.RevisionCount)
	require.Equal(t, int64(0), revised.VotesFor)
	require.Equal(t, int64(0), revised.VotesAgainst)
}

func TestReviseLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 1_000})
	b := f.submit(t, c, 800)

	reject := func(id string) {
		t.Helper()
		f.advance(2 * time.Hour)
		finalized, err := f.svc.FinalizeVote(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusRejected, finalized.Status)
	}

	reject(b.ID)
	current := b
	for i := 0; i < MaxRevisions; i++ {
		revised, err := f.svc.Revise(ctx, ReviseInput{
			BudgetID: current.ID, Actor: c.Organizer,
			TotalAmount: 500, Milestones: evenSplit(10_000), VotingPeriod: time.Hour,
		})
		require.NoError(t, err)
		reject(revised.ID)
		current = revised
	}

	_, err := f.svc.Revise(ctx, ReviseInput{
		BudgetID: current.ID, Actor: c.Organizer,
		TotalAmount: 500, Milestones: evenSplit(10_000), VotingPeriod: time.Hour,
	})
	require.True(t, errutil.ReasonIs(err, ReasonRevisionLimitExceeded))
}

func TestReviseSingleActiveBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 1_000})
	b := f.submit(t, c, 800)

	f.advance(2 * time.Hour)
	_, err := f.svc.FinalizeVote(ctx, b.ID)
	require.NoError(t, err)

	revised, err := f.svc.Revise(ctx, ReviseInput{
		BudgetID: b.ID, Actor: c.Organizer,
		TotalAmount: 500, Milestones: evenSplit(10_000), VotingPeriod: time.Hour,
	})
	require.NoError(t, err)

	// the pending revision blocks a second revise of the same version
	_, err = f.svc.Revise(ctx, ReviseInput{
		BudgetID: b.ID, Actor: c.Organizer,
		TotalAmount: 500, Milestones: evenSplit(10_000), VotingPeriod: time.Hour,
	})
	require.True(t, errutil.ReasonIs(err, ReasonBudgetAlreadyExists))

	var pending int64
	require.NoError(t, f.db.Model(&Budget{}).
		Where("campaign_id = ? AND status = ?", c.ID, StatusPending).
		Count(&pending).Error)
	require.Equal(t, int64(1), pending)

	// an approved revision blocks it just the same
	_, err = f.svc.Vote(ctx, revised.ID, "backer-a", true)
	require.NoError(t, err)
	f.advance(2 * time.Hour)
	finalized, err := f.svc.FinalizeVote(ctx, revised.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, finalized.Status)

	_, err = f.svc.Revise(ctx, ReviseInput{
		BudgetID: b.ID, Actor: c.Organizer,
		TotalAmount: 500, Milestones: evenSplit(10_000), VotingPeriod: time.Hour,
	})
	require.True(t, errutil.ReasonIs(err, ReasonBudgetAlreadyExists))
}

func TestReviseStaleVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 1_000})
	b := f.submit(t, c, 800)

	reject := func(id string) {
		t.Helper()
		f.advance(2 * time.Hour)
		finalized, err := f.svc.FinalizeVote(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusRejected, finalized.Status)
	}

	reject(b.ID)
	revised, err := f.svc.Revise(ctx, ReviseInput{
		BudgetID: b.ID, Actor: c.Organizer,
		TotalAmount: 500, Milestones: evenSplit(10_000), VotingPeriod: time.Hour,
	})
	require.NoError(t, err)
	reject(revised.ID)

	// only the newest rejected version may be revised
	_, err = f.svc.Revise(ctx, ReviseInput{
		BudgetID: b.ID, Actor: c.Organizer,
		TotalAmount: 500, Milestones: evenSplit(10_000), VotingPeriod: time.Hour,
	})
	require.True(t, errutil.ReasonIs(err, ReasonCannotReviseBudget))

	next, err := f.svc.Revise(ctx, ReviseInput{
		BudgetID: revised.ID, Actor: c.Organizer,
		TotalAmount: 500, Milestones: evenSplit(10_000), VotingPeriod: time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, uint8(2), next.RevisionCount)
}

func (f *fixture) approvedBudget(t *testing.T, c *campaign.Campaign, amount int64, milestones []MilestoneInput) *Budget {
	t.Helper()
	ctx := context.Background()

	b, err := f.svc.Submit(ctx, SubmitInput{
		CampaignID:   c.ID,
		Actor:        c.Organizer,
		TotalAmount:  amount,
		Description:  "production costs",
		Milestones:   milestones,
		VotingPeriod: time.Minute,
	})
	require.NoError(t, err)

	_, err = f.svc.Vote(ctx, b.ID, "backer-a", true)
	require.NoError(t, err)

	f.advance(2 * time.Minute)

	approved, err := f.svc.FinalizeVote(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	return approved
}

func TestReleaseMilestone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 1_000})

	milestones := []MilestoneInput{
		{Description: "deposit", ReleaseBps: 4_000, UnlockAt: f.clock.Add(-time.Minute)},
		{Description: "balance", ReleaseBps: 6_000, UnlockAt: f.clock.Add(time.Hour)},
	}
	b := f.approvedBudget(t, c, 800, milestones)

	updated, released, err := f.svc.ReleaseMilestone(ctx, b.ID, 0, c.Organizer)
	require.NoError(t, err)
	require.Equal(t, int64(320), released) // 800 * 4000 / 10000
	require.True(t, updated.Milestones[0].Released)
	require.Equal(t, StatusApproved, updated.Status)

	cam := &campaign.Campaign{}
	require.NoError(t, f.db.Where("id = ?", c.ID).First(cam).Error)
	require.Equal(t, int64(320), cam.TotalExpenses)

	balance, err := f.svc.ledger.Balance(ctx, f.db, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(680), balance)

	// double release
	_, _, err = f.svc.ReleaseMilestone(ctx, b.ID, 0, c.Organizer)
	require.True(t, errutil.ReasonIs(err, ReasonMilestoneAlreadyReleased))

	// still time-locked
	_, _, err = f.svc.ReleaseMilestone(ctx, b.ID, 1, c.Organizer)
	require.True(t, errutil.ReasonIs(err, ReasonMilestoneNotUnlocked))

	f.advance(2 * time.Hour)

	updated, released, err = f.svc.ReleaseMilestone(ctx, b.ID, 1, c.Organizer)
	require.NoError(t, err)
	require.Equal(t, int64(480), released)
	require.Equal(t, StatusExecuted, updated.Status)

	cam = &campaign.Campaign{}
	require.NoError(t, f.db.Where("id = ?", c.ID).First(cam).Error)
	require.Equal(t, int64(800), cam.TotalExpenses)
}

func TestReleaseMilestoneRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.fundedCampaign(t, map[string]int64{"backer-a": 1_000})
	b := f.submit(t, c, 800)

	// pending budget cannot release
	_, _, err := f.svc.ReleaseMilestone(ctx, b.ID, 0, c.Organizer)
	require.True(t, errutil.ReasonIs(err, ReasonBudgetNotApproved))

	f.advance(2 * time.Hour)
	c2 := f.fundedCampaign(t, map[string]int64{"backer-a": 1_000})
	approved := f.approvedBudget(t, c2, 800, evenSplit(10_000))

	_, _, err = f.svc.ReleaseMilestone(ctx, approved.ID, 5, c2.Organizer)
	require.True(t, errutil.ReasonIs(err, ReasonMilestoneNotFound))

	_, _, err = f.svc.ReleaseMilestone(ctx, approved.ID, 0, "stranger")
	require.True(t, errutil.ReasonIs(err, ReasonUnauthorizedBudgetAction))
}
