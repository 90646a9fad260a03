package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"mythra-settlement/pkg/errutil"
	"mythra-settlement/services/budget"
	"mythra-settlement/services/campaign"
	"mythra-settlement/services/distribution"
	"mythra-settlement/services/event"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

// ActorHeader carries the caller's identity. The engine trusts the transport
// layer to have authenticated it.
const ActorHeader = "X-Actor-ID"

const ReasonActorRequired = "ActorRequired"

type Handler struct {
	events        *event.Service
	campaigns     *campaign.Service
	budgets       *budget.Service
	distributions *distribution.Service
}

type HandlerParams struct {
	fx.In
	Events        *event.Service
	Campaigns     *campaign.Service
	Budgets       *budget.Service
	Distributions *distribution.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		events:        p.Events,
		campaigns:     p.Campaigns,
		budgets:       p.Budgets,
		distributions: p.Distributions,
	}
}

func actor(c *gin.Context) (string, error) {
	id := c.GetHeader(ActorHeader)
	if id == "" {
		return "", errutil.Unauthorized("missing "+ActorHeader+" header",
			errutil.WithReason(ReasonActorRequired))
	}
	return id, nil
}

type registerEventRequest struct {
	MetadataURI string    `json:"metadata_uri"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
}

func (h *Handler) RegisterEvent(c *gin.Context) {
	actorID, err := actor(c)
	if err != nil {
		c.Error(err)
		return
	}

	var req registerEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	ev, err := h.events.Register(c.Request.Context(), event.RegisterInput{
		Authority:   actorID,
		MetadataURI: req.MetadataURI,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, ev)
}

type recordRevenueRequest struct {
	Amount int64 `json:"amount"`
}

func (h *Handler) RecordRevenue(c *gin.Context) {
	var req recordRevenueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	ev, err := h.events.RecordTicketRevenue(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, ev)
}

func (h *Handler) CancelEvent(c *gin.Context) {
	actorID, err := actor(c)
	if err != nil {
		c.Error(err)
		return
	}

	ev, err := h.events.Cancel(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *Handler) GetEvent(c *gin.Context) {
	ev, err := h.events.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

type createCampaignRequest struct {
	EventID     string    `json:"event_id"`
	FundingGoal int64     `json:"funding_goal"`
	Deadline    time.Time `json:"deadline"`
}

func (h *Handler) CreateCampaign(c *gin.Context) {
	actorID, err := actor(c)
	if err != nil {
		c.Error(err)
		return
	}

	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	cam, err := h.campaigns.Create(c.Request.Context(), campaign.CreateInput{
		EventID:     req.EventID,
		Actor:       actorID,
		FundingGoal: req.FundingGoal,
		Deadline:    req.Deadline,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, cam)
}

func (h *Handler) GetCampaign(c *gin.Context) {
	cam, err := h.campaigns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, cam)
}

func (h *Handler) ListContributions(c *gin.Context) {
	contribs, err := h.campaigns.ListContributions(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contributions": contribs})
}

type contributeRequest struct {
	Amount int64 `json:"amount"`
}

func (h *Handler) Contribute(c *gin.Context) {
	actorID, err := actor(c)
	if err != nil {
		c.Error(err)
		return
	}

	var req contributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	cam, contrib, err := h.campaigns.Contribute(c.Request.Context(), c.Param("id"), actorID, req.Amount)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"campaign": cam, "contribution": contrib})
}

func (h *Handler) FinalizeCampaign(c *gin.Context) {
	cam, err := h.campaigns.Finalize(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, cam)
}

func (h *Handler) ClaimRefund(c *gin.Context) {
	actorID, err := actor(c)
	if err != nil {
		c.Error(err)
		return
	}

	contrib, err := h.campaigns.ClaimRefund(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, contrib)
}

type milestoneRequest struct {
	Description string    `json:"description"`
	ReleaseBps  uint16    `json:"release_bps"`
	UnlockAt    time.Time `json:"unlock_at"`
}

type submitBudgetRequest struct {
	TotalAmount      int64              `json:"total_amount"`
	Description      string             `json:"description"`
	Milestones       []milestoneRequest `json:"milestones"`
	VotingPeriodSecs int64              `json:"voting_period_secs"`
}

func milestoneInputs(reqs []milestoneRequest) []budget.MilestoneInput {
	out := make([]budget.MilestoneInput, 0, len(reqs))
	for _, m := range reqs {
		out = append(out, budget.MilestoneInput{
			Description: m.Description,
			ReleaseBps:  m.ReleaseBps,
			UnlockAt:    m.UnlockAt,
		})
	}
	return out
}

func (h *Handler) SubmitBudget(c *gin.Context) {
	actorID, err := actor(c)
	if err != nil {
		c.Error(err)
		return
	}

	var req submitBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	b, err := h.budgets.Submit(c.Request.Context(), budget.SubmitInput{
		CampaignID:   c.Param("id"),
		Actor:        actorID,
		TotalAmount:  req.TotalAmount,
		Description:  req.Description,
		Milestones:   milestoneInputs(req.Milestones),
		VotingPeriod: time.Duration(req.VotingPeriodSecs) * time.Second,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBudget(c *gin.Context) {
	b, err := h.budgets.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type voteRequest struct {
	Approve bool `json:"approve"`
}

func (h *Handler) VoteOnBudget(c *gin.Context) {
	actorID, err := actor(c)
	if err != nil {
		c.Error(err)
		return
	}

	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	v, err := h.budgets.Vote(c.Request.Context(), c.Param("id"), actorID, req.Approve)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, v)
}

func (h *Handler) FinalizeBudgetVote(c *gin.Context) {
	b, err := h.budgets.FinalizeVote(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) ReviseBudget(c *gin.Context) {
	actorID, err := actor(c)
	if err != nil {
		c.Error(err)
		return
	}

	var req submitBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	b, err := h.budgets.Revise(c.Request.Context(), budget.ReviseInput{
		BudgetID:     c.Param("id"),
		Actor:        actorID,
		TotalAmount:  req.TotalAmount,
		Description:  req.Description,
		Milestones:   milestoneInputs(req.Milestones),
		VotingPeriod: time.Duration(req.VotingPeriodSecs) * time.Second,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, b)
}

func (h *Handler) ReleaseMilestone(c *gin.Context) {
	actorID, err := actor(c)
	if err != nil {
		c.Error(err)
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.Error(errutil.BadRequest("invalid milestone index", errutil.WithErr(err)))
		return
	}

	b, released, err := h.budgets.ReleaseMilestone(c.Request.Context(), c.Param("id"), index, actorID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"budget": b, "released_amount": released})
}

func (h *Handler) CalculateDistribution(c *gin.Context) {
	cam, err := h.distributions.Calculate(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, cam)
}

func (h *Handler) ClaimBackerProfit(c *gin.Context) {
	actorID, err := actor(c)
	if err != nil {
		c.Error(err)
		return
	}

	contrib, err := h.distributions.ClaimBackerProfit(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, contrib)
}

func (h *Handler) ClaimOrganizerProfit(c *gin.Context) {
	actorID, err := actor(c)
	if err != nil {
		c.Error(err)
		return
	}

	cam, err := h.distributions.ClaimOrganizerProfit(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, cam)
}
