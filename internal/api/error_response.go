package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ChuLiYu/stagecoach/internal/auth"
	"github.com/ChuLiYu/stagecoach/internal/bus"
	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/internal/tokens"
	"github.com/ChuLiYu/stagecoach/internal/tracker"
	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/gin-gonic/gin"
)

// APIError is the body of every error response.
// Example: { "error": { "code": "out_of_order_stage", "message": "..." } }
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	// Snapshot is the job's last good state when a write was rejected.
	Snapshot *types.JobSnapshot `json:"snapshot,omitempty"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

// JSONError sends a structured error response.
func JSONError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: APIError{Code: code, Message: msg}})
}

func BadRequest(c *gin.Context, msg string) {
	JSONError(c, http.StatusBadRequest, "bad_request", msg)
}

func Unauthorized(c *gin.Context, msg string) {
	JSONError(c, http.StatusUnauthorized, "unauthorized", msg)
}

type outOfOrderDetails struct {
	Reason              tracker.Reason `json:"reason"`
	Current             string         `json:"current,omitempty"`
	CurrentPercentage   int            `json:"current_percentage"`
	Attempted           string         `json:"attempted"`
	AttemptedPercentage int            `json:"attempted_percentage"`
}

// Status maps a domain error to an HTTP status and error code.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, tracker.ErrValidation), errors.Is(err, tokens.ErrValidation), errors.Is(err, pipeline.ErrInvalidPipeline):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, tracker.ErrUnknownJob):
		return http.StatusNotFound, "unknown_job"
	case errors.Is(err, tracker.ErrOutOfOrderStage):
		return http.StatusConflict, "out_of_order_stage"
	case errors.Is(err, tracker.ErrNoFailureStage):
		return http.StatusConflict, "no_failure_stage"
	case errors.Is(err, tracker.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, pipeline.ErrUnknownPipeline):
		return http.StatusNotFound, "unknown_pipeline"
	case errors.Is(err, tokens.ErrUnknownToken):
		return http.StatusNotFound, "unknown_token"
	case errors.Is(err, tokens.ErrAlreadyRedeemed):
		return http.StatusConflict, "already_redeemed"
	case errors.Is(err, tokens.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, bus.ErrPublishFailed):
		return http.StatusBadGateway, "publish_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Error writes err using the status mapping. Out-of-order rejections carry
// the current and attempted positions.
func Error(c *gin.Context, err error) {
	RejectedWrite(c, err, tracker.Result{})
}

// RejectedWrite is Error for advances and callbacks: the body also carries
// res.Snapshot when the job exists.
func RejectedWrite(c *gin.Context, err error, res tracker.Result) {
	status, code := Status(err)
	body := APIError{Code: code, Message: err.Error()}
	if res.Snapshot.ID != "" {
		snap := res.Snapshot
		body.Snapshot = &snap
	}

	var ooo *tracker.OutOfOrderError
	if errors.As(err, &ooo) {
		body.Details = outOfOrderDetails{
			Reason:              ooo.Reason,
			Current:             string(ooo.Current),
			CurrentPercentage:   ooo.CurrentPct,
			Attempted:           string(ooo.Attempted),
			AttemptedPercentage: ooo.AttemptedPct,
		}
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: body})
}
