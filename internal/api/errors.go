// Package api provides the HTTP handlers of the payments API and its
// standardized error envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ssrikantan/contoso-payments-api/internal/middleware"
	"github.com/ssrikantan/contoso-payments-api/internal/payment"
)

// Error codes returned in the error envelope.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeBadRequest indicates a malformed request body.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeNotFound indicates the requested payment was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeInvalidStateTransition indicates the payment's status forbids the operation.
	ErrCodeInvalidStateTransition = "invalid_state_transition"

	// ErrCodeInvalidRefundAmount indicates a refund outside (0, remaining].
	ErrCodeInvalidRefundAmount = "invalid_refund_amount"

	// ErrCodePaymentDeclined indicates the gateway declined the authorization.
	ErrCodePaymentDeclined = "payment_declined"

	// ErrCodeReceiptUnavailable indicates the payment was never captured.
	ErrCodeReceiptUnavailable = "receipt_unavailable"

	// ErrCodeIdempotencyInProgress indicates another request holds the idempotency key.
	ErrCodeIdempotencyInProgress = "idempotency_in_progress"

	// ErrCodeGateway indicates the payment gateway failed. No state changed.
	ErrCodeGateway = "gateway_error"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeclinedResponse is the 402 body: the error envelope plus the persisted
// declined payment.
type DeclinedResponse struct {
	Error   ErrorDetail      `json:"error"`
	Payment *payment.Payment `json:"payment"`
}

// WriteError writes a standardized JSON error response and records code for
// the logging middleware.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	writeJSON(w, middleware.SetErrorCode(ctx, code), status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// writeJSON writes v with the given status. The context is handed to the
// logging middleware so error codes set on it are logged.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	middleware.UpdateResponseContext(w, ctx)

	data, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write response", "error", err)
	}
}

// writeLifecycleError maps a lifecycle error onto its HTTP status and code.
func writeLifecycleError(w http.ResponseWriter, ctx context.Context, err error) {
	var (
		validation *payment.ValidationError
		transition *payment.InvalidStateTransitionError
		refund     *payment.InvalidRefundAmountError
		declined   *payment.PaymentDeclinedError
		receipt    *payment.ReceiptUnavailableError
		gateway    *payment.GatewayError
	)

	switch {
	case errors.As(err, &validation):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, validation.Error())
	case errors.Is(err, payment.ErrNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.As(err, &transition):
		WriteError(w, ctx, http.StatusConflict, ErrCodeInvalidStateTransition, transition.Error())
	case errors.As(err, &refund):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidRefundAmount, refund.Error())
	case errors.As(err, &declined):
		ctx = middleware.SetErrorCode(ctx, ErrCodePaymentDeclined)
		writeJSON(w, ctx, http.StatusPaymentRequired, DeclinedResponse{
			Error:   ErrorDetail{Code: ErrCodePaymentDeclined, Message: declined.Reason},
			Payment: declined.Payment,
		})
	case errors.As(err, &receipt):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeReceiptUnavailable, receipt.Error())
	case errors.Is(err, payment.ErrReservationPending):
		WriteError(w, ctx, http.StatusConflict, ErrCodeIdempotencyInProgress, "Another request with this idempotency key is still in progress")
	case errors.As(err, &gateway):
		slog.ErrorContext(ctx, "payment gateway failure", "operation", string(gateway.Op), "error", gateway.Err)
		WriteError(w, ctx, http.StatusBadGateway, ErrCodeGateway, "Payment gateway unavailable, no changes were made")
	default:
		slog.ErrorContext(ctx, "unhandled lifecycle error", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
	}
}
