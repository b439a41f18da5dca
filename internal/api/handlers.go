// Package api is the HTTP boundary: a gin engine over the coordinator.
package api

import (
	"net/http"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/coordinator"
	"github.com/ChuLiYu/stagecoach/internal/tokens"
	"github.com/ChuLiYu/stagecoach/internal/tracker"
	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "api")

// ProgressRequest is the body of POST .../progress.
type ProgressRequest struct {
	ID         string `json:"id" binding:"required"`
	Stage      string `json:"stage" binding:"required"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	Percentage *int   `json:"percentage" binding:"required"`
}

// AdvanceResponse reports an accepted progress event.
type AdvanceResponse struct {
	Accepted  bool                 `json:"accepted"`
	Duplicate bool                 `json:"duplicate"`
	Snapshot  types.JobSnapshot    `json:"snapshot"`
	Event     *types.ProgressEvent `json:"event,omitempty"`
}

// TokenRequest is the body of POST .../tokens.
type TokenRequest struct {
	Stage      string `json:"stage" binding:"required"`
	Work       string `json:"work"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// TokenResponse carries the raw token. It is only ever returned here.
type TokenResponse struct {
	Token     string          `json:"token"`
	WorkID    string          `json:"work_id"`
	JobID     types.JobID     `json:"job_id"`
	Stage     types.StageName `json:"stage"`
	Work      string          `json:"work"`
	ExpiresAt int64           `json:"expires_at"`
}

// CallbackRequest is the body of POST /api/v1/callbacks.
type CallbackRequest struct {
	Token  string         `json:"token" binding:"required"`
	Output map[string]any `json:"output"`
}

// Handler serves the coordinator over HTTP.
type Handler struct {
	Coord *coordinator.Coordinator
}

func NewHandler(c *coordinator.Coordinator) *Handler {
	return &Handler{Coord: c}
}

func (h *Handler) Health(c *gin.Context) {
	st := h.Coord.Status()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "wal_seq": st.WALSeq, "uptime": st.Uptime.String()})
}

func (h *Handler) ListPipelines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.Coord.Pipelines()})
}

func (h *Handler) GetJob(c *gin.Context) {
	snap, err := h.Coord.Snapshot(c.Param("pipeline"), types.JobID(c.Param("id")))
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snap})
}

func (h *Handler) ListEvents(c *gin.Context) {
	evs, err := h.Coord.Events(c.Request.Context(), c.Param("pipeline"), types.JobID(c.Param("id")))
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": evs})
}

func (h *Handler) Advance(c *gin.Context) {
	var req ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	res, err := h.Coord.Advance(c.Request.Context(), c.Param("pipeline"), tracker.Request{
		JobID:      types.JobID(req.ID),
		Stage:      types.StageName(req.Stage),
		Status:     req.Status,
		Message:    req.Message,
		Percentage: *req.Percentage,
	})
	if err != nil {
		RejectedWrite(c, err, res)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": AdvanceResponse{
		Accepted:  res.Accepted,
		Duplicate: res.Duplicate,
		Snapshot:  res.Snapshot,
		Event:     res.Event,
	}})
}

func (h *Handler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if req.TTLSeconds < 0 {
		BadRequest(c, "ttl_seconds must not be negative")
		return
	}

	iss, err := h.Coord.IssueToken(c.Request.Context(), tokens.IssueRequest{
		JobID:    types.JobID(c.Param("id")),
		Pipeline: c.Param("pipeline"),
		Stage:    types.StageName(req.Stage),
		Work:     req.Work,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": TokenResponse{
		Token:     iss.Token,
		WorkID:    iss.Record.WorkID,
		JobID:     iss.Record.JobID,
		Stage:     iss.Record.Stage,
		Work:      iss.Record.Work,
		ExpiresAt: iss.Record.ExpiresAt,
	}})
}

func (h *Handler) Callback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	res, err := h.Coord.Complete(c.Request.Context(), req.Token, withoutDenied(c, req.Output))
	if err != nil {
		RejectedWrite(c, err, res)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res.Snapshot})
}

// Route answers with the decision itself: {branch, data}.
func (h *Handler) Route(c *gin.Context) {
	var event map[string]any
	if err := c.ShouldBindJSON(&event); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, h.Coord.Route(withoutDenied(c, event)))
}
