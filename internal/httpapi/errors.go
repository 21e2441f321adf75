package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"inferq/internal/jobs"
	"inferq/internal/memory"
	"inferq/internal/pool"
	"inferq/internal/scheduler"
	"inferq/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps a service error to a status code. reason is set for 429s
// and labels the backpressure counter.
func statusFor(err error) (status int, reason string) {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode(), ""
	case jobs.IsNotFound(err):
		return http.StatusNotFound, ""
	case errors.Is(err, jobs.ErrInvalidDescriptor):
		return http.StatusBadRequest, ""
	case errors.Is(err, scheduler.ErrJobProcessing), errors.Is(err, jobs.ErrInvalidTransition), errors.Is(err, jobs.ErrStatusChanged):
		return http.StatusConflict, ""
	case memory.IsInsufficient(err):
		return http.StatusTooManyRequests, "memory"
	case pool.IsAcquireTimeout(err):
		return http.StatusTooManyRequests, "pool"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ""
	}
	return http.StatusInternalServerError, ""
}

// writeError maps err and writes it as a JSON error payload.
func writeError(w http.ResponseWriter, err error) int {
	status, reason := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(reason)
	}
	writeJSONError(w, status, err.Error())
	return status
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger().Debug().Err(err).Str("event", "encode_failed").Msg("response encode failed")
	}
}
