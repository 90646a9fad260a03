package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("audit",
	fx.Provide(NewAsynqPublisher),
)

// Event is the one-way notification emitted on every engine state
// transition. It is never consumed back into engine state.
type Event struct {
	Type       string         `json:"type"`
	CampaignID string         `json:"campaign_id"`
	EntityID   string         `json:"entity_id"`
	Actor      string         `json:"actor,omitempty"`
	Amount     int64          `json:"amount,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Publisher fans audit events out to off-engine observers.
type Publisher interface {
	Emit(ctx context.Context, ev Event)
}

type asynqPublisher struct {
	client *asynq.Client
}

func NewAsynqPublisher(client *asynq.Client) Publisher {
	return &asynqPublisher{client: client}
}

// Emit enqueues the event for background delivery. Delivery failures are
// logged and never surfaced: the emitting operation has already committed.
func (p *asynqPublisher) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		zap.L().Error("failed to marshal audit event", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	if _, err := p.client.EnqueueContext(ctx, asynq.NewTask(ev.Type, payload), asynq.Queue("low")); err != nil {
		zap.L().Error("failed to enqueue audit event",
			zap.String("type", ev.Type),
			zap.String("campaign_id", ev.CampaignID),
			zap.Error(err),
		)
	}
}

// Nop discards events. Used in tests.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Recorder collects emitted events in memory. Used in tests.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.Events = append(r.Events, ev)
}
