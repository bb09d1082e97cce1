package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/ntpp_sentinel/backend/internal/models"
	"github.com/ntpp_sentinel/backend/internal/service"
)

// Engine is the slice of the lifecycle engine the HTTP surface drives.
type Engine interface {
	IngestSMS(ctx context.Context, ev models.InboundEvent) (service.Outcome, error)
	IngestCall(ctx context.Context, ev models.InboundEvent) (service.Outcome, error)
	RunFastPoll(ctx context.Context, limit int) service.Counts
	RunBoundaryVerification(ctx context.Context, limit int) service.Counts
	RunEscalationSweep(ctx context.Context, limit int) service.Counts
	RunSummaryJob(ctx context.Context, dryRun bool) (string, []error)
	HandleCommand(ctx context.Context, managerID, text string) (string, bool)
}

// Store is the read-side persistence the API and health endpoints need.
type Store interface {
	Ping(ctx context.Context) error
	InsertRawEvent(ctx context.Context, source string, payload []byte) error
	ListActiveIssues(ctx context.Context, limit, offset int) ([]models.Issue, int, error)
	GetIssue(ctx context.Context, id int64) (*models.Issue, error)
}

type Handler struct {
	Engine    Engine
	Store     Store
	Validator *validator.Validate
	Logger    zerolog.Logger
}

const jobBatchLimit = 200

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary Raw CRM webhook capture
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]any
// @Router /webhook/crm [post]
func (h *Handler) WebhookRaw(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil || len(body) == 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "empty body", nil)
		return
	}
	if !json.Valid(body) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "body must be JSON", nil)
		return
	}
	if err := h.Store.InsertRawEvent(c.Request.Context(), "crm", body); err != nil {
		h.Logger.Error().Err(err).Msg("raw event insert failed")
		writeError(c, http.StatusInternalServerError, "STORAGE_ERROR", "could not record event", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// @Summary Inbound SMS webhook
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} service.Outcome
// @Failure 400 {object} map[string]any
// @Router /webhook/crm/inbound-sms [post]
func (h *Handler) WebhookInboundSMS(c *gin.Context) {
	h.ingest(c, "inbound-sms", h.Engine.IngestSMS)
}

// @Summary Missed call webhook
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} service.Outcome
// @Failure 400 {object} map[string]any
// @Router /webhook/crm/missed-call [post]
func (h *Handler) WebhookMissedCall(c *gin.Context) {
	h.ingest(c, "missed-call", h.Engine.IngestCall)
}

func (h *Handler) ingest(c *gin.Context, source string, fn func(context.Context, models.InboundEvent) (service.Outcome, error)) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "unreadable body", nil)
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "body must be a JSON object", err.Error())
		return
	}

	ctx := c.Request.Context()
	if err := h.Store.InsertRawEvent(ctx, source, body); err != nil {
		h.Logger.Warn().Err(err).Str("source", source).Msg("raw event insert failed")
	}

	ev := ExtractEvent(payload, time.Now().UTC())
	out, err := fn(ctx, ev)
	if err != nil {
		h.Logger.Error().Err(err).Str("source", source).Msg("ingestion failed")
		writeError(c, http.StatusInternalServerError, "INGEST_ERROR", "ingestion failed", nil)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Run the fast resolution poll
// @Tags jobs
// @Produce json
// @Success 200 {object} service.Counts
// @Router /jobs/poll [post]
func (h *Handler) JobPoll(c *gin.Context) {
	c.JSON(http.StatusOK, h.Engine.RunFastPoll(c.Request.Context(), jobBatchLimit))
}

// @Summary Run SLA boundary verification
// @Tags jobs
// @Produce json
// @Success 200 {object} service.Counts
// @Router /jobs/verify [post]
func (h *Handler) JobVerify(c *gin.Context) {
	c.JSON(http.StatusOK, h.Engine.RunBoundaryVerification(c.Request.Context(), jobBatchLimit))
}

// @Summary Run the escalation sweep
// @Tags jobs
// @Produce json
// @Success 200 {object} service.Counts
// @Router /jobs/escalations [post]
func (h *Handler) JobEscalations(c *gin.Context) {
	c.JSON(http.StatusOK, h.Engine.RunEscalationSweep(c.Request.Context(), jobBatchLimit))
}

// @Summary Build and send the manager summary
// @Tags jobs
// @Produce json
// @Param dry_run query bool false "build without sending"
// @Success 200 {object} map[string]any
// @Router /jobs/summary [post]
func (h *Handler) JobSummary(c *gin.Context) {
	dryRun := c.Query("dry_run") == "true"
	text, errs := h.Engine.RunSummaryJob(c.Request.Context(), dryRun)
	out := gin.H{"text": text, "dry_run": dryRun}
	if len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		out["errors"] = msgs
	}
	c.JSON(http.StatusOK, out)
}

type CommandRequest struct {
	ManagerID string `json:"manager_id" validate:"required"`
	Text      string `json:"text" validate:"required"`
}

// @Summary Run a manager command
// @Tags commands
// @Accept json
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Router /api/commands [post]
func (h *Handler) RunCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	reply, handled := h.Engine.HandleCommand(c.Request.Context(), req.ManagerID, req.Text)
	c.JSON(http.StatusOK, gin.H{"reply": reply, "handled": handled})
}

// @Summary List active issues
// @Tags issues
// @Produce json
// @Param limit query int false "page size"
// @Param offset query int false "page offset"
// @Success 200 {object} map[string]any
// @Router /api/issues [get]
func (h *Handler) IssuesList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	issues, total, err := h.Store.ListActiveIssues(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "STORAGE_ERROR", "could not list issues", nil)
		return
	}
	if issues == nil {
		issues = []models.Issue{}
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "total": total})
}

// @Summary Issue details
// @Tags issues
// @Produce json
// @Param id path int true "issue id"
// @Success 200 {object} models.Issue
// @Failure 404 {object} map[string]any
// @Router /api/issues/{id} [get]
func (h *Handler) IssueDetails(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid issue id", nil)
		return
	}
	issue, err := h.Store.GetIssue(c.Request.Context(), id)
	if err != nil || issue == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "issue not found", nil)
		return
	}
	c.JSON(http.StatusOK, issue)
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
