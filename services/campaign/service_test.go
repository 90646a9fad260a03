package campaign

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
	"mythra-settlement/pkg/taskname"
	"mythra-settlement/services/contribution"
	"mythra-settlement/services/escrow"
	"mythra-settlement/services/event"
	"mythra-settlement/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type staticEvents map[string]*event.Event

func (m staticEvents) Get(_ context.Context, id string) (*event.Event, error) {
	ev, ok := m[id]
	if !ok {
		return nil, errutil.NotFound("event not found",
			errutil.WithReason(event.ReasonEventNotFound))
	}
	return ev, nil
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	recorder *audit.Recorder
	events   staticEvents
	clock    *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&Campaign{}, &contribution.Contribution{}, &escrow.Account{}, &escrow.Entry{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	recorder := &audit.Recorder{}
	events := staticEvents{}

	svc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Ledger:    escrow.NewLedger(escrow.LedgerParams{Node: node}),
		Publisher: recorder,
		Events:    events,
	})

	now := time.Now()
	svc.now = func() time.Time { return now }

	return &fixture{svc: svc, db: db, recorder: recorder, events: events, clock: &now}
}

func (f *fixture) addEvent(id, authority string, startsIn time.Duration) *event.Event {
	ev := &event.Event{
		ID:        id,
		Authority: authority,
		StartsAt:  f.clock.Add(startsIn),
		EndsAt:    f.clock.Add(startsIn + time.Hour),
	}
	f.events[id] = ev
	return ev
}

func (f *fixture) createCampaign(t *testing.T, goal int64, deadlineIn time.Duration) *Campaign {
	t.Helper()

	f.addEvent("evt-1", "authority-1", deadlineIn+time.Hour)
	c, err := f.svc.Create(context.Background(), CreateInput{
		EventID:     "evt-1",
		Actor:       "authority-1",
		FundingGoal: goal,
		Deadline:    f.clock.Add(deadlineIn),
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addEvent("evt-1", "authority-1", 2*time.Hour)

	_, err := f.svc.Create(ctx, CreateInput{
		EventID: "evt-1", Actor: "authority-1",
		FundingGoal: 0, Deadline: f.clock.Add(time.Hour),
	})
	require.True(t, errutil.ReasonIs(err, ReasonInvalidGoal))

	_, err = f.svc.Create(ctx, CreateInput{
		EventID: "evt-1", Actor: "authority-1",
		FundingGoal: 100, Deadline: f.clock.Add(-time.Hour),
	})
	require.True(t, errutil.ReasonIs(err, ReasonInvalidDeadline))

	_, err = f.svc.Create(ctx, CreateInput{
		EventID: "evt-1", Actor: "someone-else",
		FundingGoal: 100, Deadline: f.clock.Add(time.Hour),
	})
	require.True(t, errutil.ReasonIs(err, ReasonUnauthorizedCampaignAction))

	_, err = f.svc.Create(ctx, CreateInput{
		EventID: "evt-1", Actor: "authority-1",
		FundingGoal: 100, Deadline: f.clock.Add(3 * time.Hour),
	})
	require.True(t, errutil.ReasonIs(err, ReasonDeadlineAfterEventStart))
}

func TestCreateOneCampaignPerEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createCampaign(t, 1_000, time.Hour)

	_, err := f.svc.Create(ctx, CreateInput{
		EventID: "evt-1", Actor: "authority-1",
		FundingGoal: 500, Deadline: f.clock.Add(time.Hour),
	})
	require.True(t, errutil.ReasonIs(err, ReasonCampaignAlreadyExists))
}

func TestContributeAccumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createCampaign(t, 1_000, time.Hour)

	_, record, err := f.svc.Contribute(ctx, c.ID, "backer-a", 300)
	require.NoError(t, err)
	require.Equal(t, int64(300), record.Amount)

	// same backer again: one record, amounts add, contributor count unchanged
	updated, record, err := f.svc.Contribute(ctx, c.ID, "backer-a", 200)
	require.NoError(t, err)
	require.Equal(t, int64(500), record.Amount)
	require.Equal(t, int32(1), updated.TotalContributors)
	require.Equal(t, int64(500), updated.TotalRaised)

	updated, _, err = f.svc.Contribute(ctx, c.ID, "backer-b", 100)
	require.NoError(t, err)
	require.Equal(t, int32(2), updated.TotalContributors)
	require.Equal(t, int64(600), updated.TotalRaised)

	sum, err := contribution.NewRepository(f.db).SumUnrefunded(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, updated.TotalRaised, sum)

	balance, err := f.svc.ledger.Balance(ctx, f.db, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(600), balance)
}

func TestContributeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createCampaign(t, 1_000, time.Hour)

	_, _, err := f.svc.Contribute(ctx, c.ID, "backer-a", 0)
	require.True(t, errutil.ReasonIs(err, ReasonInvalidContributionAmount))

	_, _, err = f.svc.Contribute(ctx, "missing", "backer-a", 100)
	require.True(t, errutil.ReasonIs(err, ReasonCampaignNotFound))

	f.advance(2 * time.Hour)
	_, _, err = f.svc.Contribute(ctx, c.ID, "backer-a", 100)
	require.True(t, errutil.ReasonIs(err, ReasonCampaignDeadlinePassed))
}

func TestFinalizeFundedOnGoalReached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createCampaign(t, 500, time.Hour)

	_, _, err := f.svc.Contribute(ctx, c.ID, "backer-a", 500)
	require.NoError(t, err)

	// goal reached: finalization allowed before the deadline
	finalized, err := f.svc.Finalize(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFunded, finalized.Status)

	require.Len(t, f.recorder.Events, 1)
	require.Equal(t, taskname.AuditCampaignFinalized, f.recorder.Events[0].Type)

	_, err = f.svc.Finalize(ctx, c.ID)
	require.True(t, errutil.ReasonIs(err, ReasonAlreadyFinalized))

	// contributions close once finalized
	_, _, err = f.svc.Contribute(ctx, c.ID, "backer-b", 100)
	require.True(t, errutil.ReasonIs(err, ReasonCampaignNotActive))
}

func TestFinalizeTooEarly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createCampaign(t, 1_000, time.Hour)

	_, _, err := f.svc.Contribute(ctx, c.ID, "backer-a", 100)
	require.NoError(t, err)

	_, err = f.svc.Finalize(ctx, c.ID)
	require.True(t, errutil.ReasonIs(err, ReasonGoalNotReached))
}

func TestFinalizeFailedAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createCampaign(t, 1_000, time.Hour)

	_, _, err := f.svc.Contribute(ctx, c.ID, "backer-a", 100)
	require.NoError(t, err)

	f.advance(2 * time.Hour)

	finalized, err := f.svc.Finalize(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, finalized.Status)
}

func TestDeadlineInstantClosesFundingWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createCampaign(t, 1_000, time.Hour)

	_, _, err := f.svc.Contribute(ctx, c.ID, "backer-a", 100)
	require.NoError(t, err)

	// exactly at the deadline: no more contributions, finalization open
	f.advance(time.Hour)

	_, _, err = f.svc.Contribute(ctx, c.ID, "backer-a", 100)
	require.True(t, errutil.ReasonIs(err, ReasonCampaignDeadlinePassed))

	finalized, err := f.svc.Finalize(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, finalized.Status)
}

func TestClaimRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createCampaign(t, 1_000, time.Hour)

	_, _, err := f.svc.Contribute(ctx, c.ID, "backer-a", 100)
	require.NoError(t, err)

	// refunds before finalization are not available
	_, err = f.svc.ClaimRefund(ctx, c.ID, "backer-a")
	require.True(t, errutil.ReasonIs(err, ReasonRefundNotAvailable))

	f.advance(2 * time.Hour)
	_, err = f.svc.Finalize(ctx, c.ID)
	require.NoError(t, err)

	record, err := f.svc.ClaimRefund(ctx, c.ID, "backer-a")
	require.NoError(t, err)
	require.True(t, record.Refunded)
	require.Equal(t, int64(100), record.Amount)

	balance, err := f.svc.ledger.Balance(ctx, f.db, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)

	updated, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), updated.TotalRaised)

	// second claim fails and moves nothing
	_, err = f.svc.ClaimRefund(ctx, c.ID, "backer-a")
	require.True(t, errutil.ReasonIs(err, ReasonContributionAlreadyRefunded))

	balance, err = f.svc.ledger.Balance(ctx, f.db, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)

	var refundEvents int
	for _, ev := range f.recorder.Events {
		if ev.Type == taskname.AuditRefundClaimed {
			refundEvents++
		}
	}
	require.Equal(t, 1, refundEvents)
}

func TestClaimRefundFundedCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createCampaign(t, 100, time.Hour)

	_, _, err := f.svc.Contribute(ctx, c.ID, "backer-a", 100)
	require.NoError(t, err)

	_, err = f.svc.Finalize(ctx, c.ID)
	require.NoError(t, err)

	_, err = f.svc.ClaimRefund(ctx, c.ID, "backer-a")
	require.True(t, errutil.ReasonIs(err, ReasonCannotRefundFundedCampaign))
}

func TestClaimRefundUnknownContributor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createCampaign(t, 1_000, time.Hour)

	_, _, err := f.svc.Contribute(ctx, c.ID, "backer-a", 100)
	require.NoError(t, err)

	f.advance(2 * time.Hour)
	_, err = f.svc.Finalize(ctx, c.ID)
	require.NoError(t, err)

	_, err = f.svc.ClaimRefund(ctx, c.ID, "stranger")
	require.True(t, errutil.ReasonIs(err, contribution.ReasonContributionNotFound))
}
