package event

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mythra-settlement/pkg/errutil"
	"mythra-settlement/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Event{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node})
}

func TestRegister(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	ev, err := svc.Register(ctx, RegisterInput{
		Authority:   "authority-1",
		MetadataURI: "ipfs://event-meta",
		StartsAt:    now.Add(time.Hour),
		EndsAt:      now.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	require.NotEmpty(t, ev.ID)
	require.Equal(t, int64(0), ev.TicketRevenue)

	got, err := svc.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, "authority-1", got.Authority)
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	_, err := svc.Register(ctx, RegisterInput{
		Authority: "authority-1",
		StartsAt:  now.Add(2 * time.Hour),
		EndsAt:    now.Add(time.Hour),
	})
	require.True(t, errutil.ReasonIs(err, ReasonInvalidTimestamps))

	_, err = svc.Register(ctx, RegisterInput{
		Authority:   "authority-1",
		MetadataURI: strings.Repeat("x", MaxMetadataURILength+1),
		StartsAt:    now.Add(time.Hour),
		EndsAt:      now.Add(2 * time.Hour),
	})
	require.True(t, errutil.ReasonIs(err, ReasonMetadataURITooLong))
}

func TestRecordTicketRevenueAccumulates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	ev, err := svc.Register(ctx, RegisterInput{
		Authority: "authority-1",
		StartsAt:  now.Add(time.Hour),
		EndsAt:    now.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	_, err = svc.RecordTicketRevenue(ctx, ev.ID, 150)
	require.NoError(t, err)
	updated, err := svc.RecordTicketRevenue(ctx, ev.ID, 50)
	require.NoError(t, err)
	require.Equal(t, int64(200), updated.TicketRevenue)

	_, err = svc.RecordTicketRevenue(ctx, ev.ID, 0)
	require.True(t, errutil.ReasonIs(err, ReasonInvalidRevenueAmount))

	_, err = svc.RecordTicketRevenue(ctx, "missing", 100)
	require.True(t, errutil.ReasonIs(err, ReasonEventNotFound))
}

func TestSnapshot(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	ev, err := svc.Register(ctx, RegisterInput{
		Authority: "authority-1",
		StartsAt:  now.Add(time.Hour),
		EndsAt:    now.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	_, err = svc.RecordTicketRevenue(ctx, ev.ID, 300)
	require.NoError(t, err)

	snap, err := svc.Snapshot(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, ev.ID, snap.EventID)
	require.Equal(t, int64(300), snap.TicketRevenue)
	require.False(t, snap.Canceled)
}

func TestCancel(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	ev, err := svc.Register(ctx, RegisterInput{
		Authority: "authority-1",
		StartsAt:  now.Add(time.Hour),
		EndsAt:    now.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, ev.ID, "someone-else")
	require.True(t, errutil.ReasonIs(err, ReasonUnauthorizedEventAction))

	canceled, err := svc.Cancel(ctx, ev.ID, "authority-1")
	require.NoError(t, err)
	require.True(t, canceled.Canceled)

	snap, err := svc.Snapshot(ctx, ev.ID)
	require.NoError(t, err)
	require.True(t, snap.Canceled)

	_, err = svc.Cancel(ctx, ev.ID, "authority-1")
	require.True(t, errutil.ReasonIs(err, ReasonEventAlreadyCanceled))
}
