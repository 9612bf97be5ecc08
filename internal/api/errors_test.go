package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ssrikantan/contoso-payments-api/internal/middleware"
	"github.com/ssrikantan/contoso-payments-api/internal/payment"
)

func TestWriteError_BasicFields(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, context.Background(), http.StatusNotFound, ErrCodeNotFound, "Payment not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type to contain application/json, got %s", ct)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response body: %v, body: %s", err, w.Body.String())
	}
	if resp.Error.Code != ErrCodeNotFound {
		t.Errorf("expected error code %s, got %s", ErrCodeNotFound, resp.Error.Code)
	}
	if resp.Error.Message != "Payment not found" {
		t.Errorf("expected message 'Payment not found', got %s", resp.Error.Message)
	}
}

func TestErrorResponse_JSONStructure(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, context.Background(), http.StatusBadRequest, ErrCodeValidation, "amount: must be positive")

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(response) != 1 {
		t.Errorf("expected 1 top-level key, got %d: %v", len(response), response)
	}

	errorObj, ok := response["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected 'error' to be an object, got %T", response["error"])
	}
	if len(errorObj) != 2 {
		t.Errorf("expected 2 fields in error object, got %d: %v", len(errorObj), errorObj)
	}
	if errorObj["code"] != ErrCodeValidation {
		t.Errorf("expected code %s, got %v", ErrCodeValidation, errorObj["code"])
	}
}

func TestWriteError_SpecialCharactersInMessage(t *testing.T) {
	w := httptest.NewRecorder()

	specialMsg := `reason "quoted" <tag> & more`
	WriteError(w, context.Background(), http.StatusBadRequest, ErrCodeValidation, specialMsg)

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error.Message != specialMsg {
		t.Errorf("message not properly escaped: got %s", resp.Error.Message)
	}
}

func TestWriteError_LoggedWithRequestID(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := middleware.RequestID(
		middleware.Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, r.Context(), http.StatusConflict, ErrCodeInvalidStateTransition, "cannot capture")
		})),
	)

	req := httptest.NewRequest(http.MethodPost, "/payments/PAY-1/capture", nil)
	req.Header.Set("X-Request-ID", "test-req-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}

	var entry struct {
		Level     string `json:"level"`
		RequestID string `json:"request_id"`
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v, log: %s", err, buf.String())
	}
	if entry.Level != "WARN" {
		t.Errorf("expected log level WARN for 4xx, got %s", entry.Level)
	}
	if entry.RequestID != "test-req-123" {
		t.Errorf("expected request_id test-req-123 in logs, got %s", entry.RequestID)
	}
	if entry.ErrorCode != ErrCodeInvalidStateTransition {
		t.Errorf("expected error_code %s in logs, got %s", ErrCodeInvalidStateTransition, entry.ErrorCode)
	}
}

func TestWriteLifecycleError(t *testing.T) {
	declined := &payment.Payment{ID: "PAY-000000000001", Status: payment.StatusDeclined, DeclineReason: "insufficient funds"}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", &payment.ValidationError{Field: "amount", Message: "must be positive"}, http.StatusBadRequest, ErrCodeValidation},
		{"not found", fmt.Errorf("%w: PAY-X", payment.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"invalid transition", &payment.InvalidStateTransitionError{PaymentID: "PAY-1", Operation: payment.OpCapture, Current: payment.StatusVoided}, http.StatusConflict, ErrCodeInvalidStateTransition},
		{"refund amount", &payment.InvalidRefundAmountError{PaymentID: "PAY-1", Requested: decimal.NewFromInt(5), Remaining: decimal.NewFromInt(1), Reason: "exceeds remaining"}, http.StatusBadRequest, ErrCodeInvalidRefundAmount},
		{"declined", &payment.PaymentDeclinedError{Payment: declined, Reason: "insufficient funds"}, http.StatusPaymentRequired, ErrCodePaymentDeclined},
		{"receipt unavailable", &payment.ReceiptUnavailableError{PaymentID: "PAY-1", Current: payment.StatusAuthorized}, http.StatusBadRequest, ErrCodeReceiptUnavailable},
		{"reservation pending", &payment.GatewayError{Op: payment.OpAuthorize, Err: payment.ErrReservationPending}, http.StatusConflict, ErrCodeIdempotencyInProgress},
		{"gateway", &payment.GatewayError{Op: payment.OpCapture, Err: errors.New("timeout")}, http.StatusBadGateway, ErrCodeGateway},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeLifecycleError(w, context.Background(), tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestWriteLifecycleError_DeclinedCarriesPayment(t *testing.T) {
	declined := &payment.Payment{ID: "PAY-000000000001", Status: payment.StatusDeclined, DeclineReason: "insufficient funds"}

	w := httptest.NewRecorder()
	writeLifecycleError(w, context.Background(), &payment.PaymentDeclinedError{Payment: declined, Reason: "insufficient funds"})

	var resp DeclinedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error.Message != "insufficient funds" {
		t.Errorf("message = %q, want the decline reason", resp.Error.Message)
	}
	if resp.Payment == nil || resp.Payment.ID != declined.ID || resp.Payment.Status != payment.StatusDeclined {
		t.Errorf("payment = %+v, want the declined payment", resp.Payment)
	}
}

func TestWriteLifecycleError_GatewayHidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	writeLifecycleError(w, context.Background(), &payment.GatewayError{Op: payment.OpCapture, Err: errors.New("sk_live_secret leaked")})

	if strings.Contains(w.Body.String(), "sk_live_secret") {
		t.Errorf("gateway error cause leaked into response: %s", w.Body.String())
	}
}
