package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"tapminer/internal/mining"
	"tapminer/internal/telegram"
)

// ErrorCode represents different error types
type ErrorCode string

const (
	ErrCodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT"
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeValidationError    ErrorCode = "VALIDATION_ERROR"
	ErrCodeEnergyDepleted     ErrorCode = "ENERGY_DEPLETED"
)

// APIError represents a structured API error
type APIError struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

type ErrorResponse struct {
	Error   *APIError `json:"error"`
	Success bool      `json:"success"`
}

// ErrorHandler turns domain errors into the JSON error envelope.
type ErrorHandler struct {
	log zerolog.Logger
}

func NewErrorHandler(log zerolog.Logger) *ErrorHandler {
	return &ErrorHandler{log: log}
}

func (eh *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, status := classifyError(err)
	apiErr.RequestID = middleware.GetReqID(r.Context())

	eh.logError(r, err, apiErr, status)
	writeErrorResponse(w, apiErr, status)
}

// classifyError maps an error to its API code and HTTP status.
func classifyError(err error) (*APIError, int) {
	now := time.Now().UTC()

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		cp := *apiErr
		if cp.Timestamp.IsZero() {
			cp.Timestamp = now
		}
		return &cp, statusForCode(cp.Code)
	}

	var energy *mining.InsufficientEnergyError
	switch {
	case errors.As(err, &energy):
		return &APIError{
			Code:    ErrCodeEnergyDepleted,
			Message: "Not enough energy",
			Details: map[string]any{
				"current_energy":  energy.Current,
				"required_energy": energy.Required,
			},
			Timestamp: now,
		}, http.StatusBadRequest

	case errors.Is(err, mining.ErrInvalidTapCount):
		return &APIError{
			Code:      ErrCodeValidationError,
			Message:   err.Error(),
			Timestamp: now,
		}, http.StatusBadRequest

	case errors.Is(err, mining.ErrUserNotFound):
		return &APIError{
			Code:      ErrCodeNotFound,
			Message:   "User not found",
			Timestamp: now,
		}, http.StatusNotFound

	case errors.Is(err, mining.ErrConflict):
		return &APIError{
			Code:      ErrCodeServiceUnavailable,
			Message:   "Too much contention, try again",
			Details:   map[string]any{"retry_after": 1},
			Timestamp: now,
		}, http.StatusServiceUnavailable

	case errors.Is(err, telegram.ErrEmptyInitData),
		errors.Is(err, telegram.ErrBadSignature),
		errors.Is(err, telegram.ErrExpired),
		errors.Is(err, telegram.ErrNoUser),
		errors.Is(err, telegram.ErrMalformed),
		errors.Is(err, errBadToken):
		return &APIError{
			Code:      ErrCodeUnauthorized,
			Message:   "Authentication required",
			Timestamp: now,
		}, http.StatusUnauthorized

	default:
		return &APIError{
			Code:      ErrCodeInternalError,
			Message:   "Internal server error",
			Timestamp: now,
		}, http.StatusInternalServerError
	}
}

func statusForCode(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidRequest, ErrCodeValidationError, ErrCodeEnergyDepleted:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// logError skips expected client errors; server errors carry a stack.
func (eh *ErrorHandler) logError(r *http.Request, err error, apiErr *APIError, status int) {
	if status < 500 && apiErr.Code != ErrCodeValidationError {
		return
	}
	ev := eh.log.Warn()
	if status >= 500 {
		ev = eh.log.Error().Str("stack", getStackTrace())
	}
	ev.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Str("error_code", string(apiErr.Code)).
		Str("ip", getClientIP(r)).
		Str("request_id", apiErr.RequestID).
		Msg("request failed")
}

func writeErrorResponse(w http.ResponseWriter, apiErr *APIError, status int) {
	writeJSON(w, status, ErrorResponse{Error: apiErr, Success: false})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RecoveryMiddleware converts panics into a 500 envelope.
func (eh *ErrorHandler) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				eh.log.Error().
					Str("panic", fmt.Sprint(rec)).
					Str("stack", getStackTrace()).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("handler panic")
				writeErrorResponse(w, &APIError{
					Code:      ErrCodeInternalError,
					Message:   "Internal server error",
					Timestamp: time.Now().UTC(),
					RequestID: middleware.GetReqID(r.Context()),
				}, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

func getStackTrace() string {
	buf := make([]byte, 1024)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}

func NewValidationError(message string, details map[string]any) *APIError {
	return &APIError{Code: ErrCodeValidationError, Message: message, Details: details}
}

func NewInvalidRequestError(message string, details map[string]any) *APIError {
	return &APIError{Code: ErrCodeInvalidRequest, Message: message, Details: details}
}

func NewUnauthorizedError(message string) *APIError {
	return &APIError{Code: ErrCodeUnauthorized, Message: message}
}

func NewRateLimitError(retryAfter int) *APIError {
	return &APIError{
		Code:    ErrCodeRateLimit,
		Message: "Too many requests",
		Details: map[string]any{"retry_after": retryAfter},
	}
}
