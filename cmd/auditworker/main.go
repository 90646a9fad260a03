package main

import (
	"context"
	"encoding/json"
	"log"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"mythra-settlement/pkg/audit"
	"mythra-settlement/pkg/config"
	"mythra-settlement/pkg/logger"
	"mythra-settlement/pkg/task"
	"mythra-settlement/pkg/taskname"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		task.Server,
		fx.Invoke(registerHandlers),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

var auditTasks = []string{
	taskname.AuditCampaignFinalized,
	taskname.AuditBudgetSubmitted,
	taskname.AuditBudgetFinalized,
	taskname.AuditMilestoneReleased,
	taskname.AuditDistributionCalculated,
	taskname.AuditProfitClaimed,
	taskname.AuditRefundClaimed,
}

func registerHandlers(mux *asynq.ServeMux) {
	for _, name := range auditTasks {
		mux.HandleFunc(name, handleAuditEvent)
	}
}

func handleAuditEvent(ctx context.Context, t *asynq.Task) error {
	var ev audit.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		zap.L().Error("malformed audit event payload",
			zap.String("task_type", t.Type()),
			zap.Error(err),
		)
		return nil
	}

	zap.L().Info("audit event",
		zap.String("type", ev.Type),
		zap.String("campaign_id", ev.CampaignID),
		zap.String("entity_id", ev.EntityID),
		zap.String("actor", ev.Actor),
		zap.Int64("amount", ev.Amount),
		zap.Any("fields", ev.Fields),
		zap.Time("timestamp", ev.Timestamp),
	)

	return nil
}
