package httpapi

import (
	"mythra-settlement/pkg/health"
	"mythra-settlement/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

func NewRouter(h *Handler, hs health.HealthService) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", hs.Liveness)
	r.GET("/readyz", hs.Readiness)

	v1 := r.Group("/v1")
	{
		events := v1.Group("/events")
		events.POST("", h.RegisterEvent)
		events.GET("/:id", h.GetEvent)
		events.POST("/:id/revenue", h.RecordRevenue)
		events.POST("/:id/cancel", h.CancelEvent)

		campaigns := v1.Group("/campaigns")
		campaigns.POST("", h.CreateCampaign)
		campaigns.GET("/:id", h.GetCampaign)
		campaigns.GET("/:id/contributions", h.ListContributions)
		campaigns.POST("/:id/contributions", h.Contribute)
		campaigns.POST("/:id/finalize", h.FinalizeCampaign)
		campaigns.POST("/:id/refund", h.ClaimRefund)
		campaigns.POST("/:id/budgets", h.SubmitBudget)
		campaigns.POST("/:id/distribution", h.CalculateDistribution)
		campaigns.POST("/:id/claims/backer", h.ClaimBackerProfit)
		campaigns.POST("/:id/claims/organizer", h.ClaimOrganizerProfit)

		budgets := v1.Group("/budgets")
		budgets.GET("/:id", h.GetBudget)
		budgets.POST("/:id/votes", h.VoteOnBudget)
		budgets.POST("/:id/finalize", h.FinalizeBudgetVote)
		budgets.POST("/:id/revisions", h.ReviseBudget)
		budgets.POST("/:id/milestones/:index/release", h.ReleaseMilestone)
	}

	return r
}

var Module = fx.Module("httpapi",
	fx.Provide(
		NewHandler,
		NewRouter,
	),
)
