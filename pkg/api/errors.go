package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/api/middleware"
	"github.com/hed1ad/ledgerguard/pkg/features"
	"github.com/hed1ad/ledgerguard/pkg/intake"
	"github.com/hed1ad/ledgerguard/pkg/modelstore"
	"github.com/hed1ad/ledgerguard/pkg/retrain"
)

// ErrorCode represents application-specific error codes.
type ErrorCode string

const (
	// General errors
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrorCodeTimeout        ErrorCode = "TIMEOUT"
	ErrorCodeNotFound       ErrorCode = "NOT_FOUND"

	// Model errors
	ErrorCodeModelNotFound       ErrorCode = "MODEL_NOT_FOUND"
	ErrorCodeInvalidFeatures     ErrorCode = "INVALID_FEATURES"
	ErrorCodeTrainingFailed      ErrorCode = "TRAINING_FAILED"
	ErrorCodePersistenceDiverged ErrorCode = "PERSISTENCE_DIVERGED"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// ErrorHandler maps engine errors onto HTTP responses.
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError writes the response matching err.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError && code == ErrorCodeInternalError {
		h.logger.Error("request failed",
			zap.String("request_id", middleware.RequestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		message = "internal server error"
	}
	h.WriteErrorResponse(w, status, code, message, middleware.RequestIDFrom(r.Context()))
}

func classify(err error) (int, ErrorCode) {
	switch {
	case errors.Is(err, modelstore.ErrModelNotFound):
		return http.StatusNotFound, ErrorCodeModelNotFound
	case errors.Is(err, features.ErrFeatureValidation):
		return http.StatusBadRequest, ErrorCodeInvalidFeatures
	case errors.Is(err, intake.ErrInvalidPosting):
		return http.StatusBadRequest, ErrorCodeInvalidRequest
	case errors.Is(err, retrain.ErrTraining):
		return http.StatusInternalServerError, ErrorCodeTrainingFailed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorCodeTimeout
	default:
		return http.StatusInternalServerError, ErrorCodeInternalError
	}
}

// WriteErrorResponse writes a formatted error response to the HTTP response writer.
func (h *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode ErrorCode, message string, requestID string) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(errorCode)),
		zap.String("message", message),
		zap.String("request_id", requestID),
	)

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// WriteValidationError writes a validation error response.
func (h *ErrorHandler) WriteValidationError(w http.ResponseWriter, r *http.Request, message string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrorCodeInvalidRequest, message, middleware.RequestIDFrom(r.Context()))
}
