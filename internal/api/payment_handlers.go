package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ssrikantan/contoso-payments-api/internal/audit"
	"github.com/ssrikantan/contoso-payments-api/internal/middleware"
	"github.com/ssrikantan/contoso-payments-api/internal/payment"
	"github.com/ssrikantan/contoso-payments-api/internal/receipt"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// MaxListLimit caps the limit query parameter of GET /payments.
const MaxListLimit = 200

// Lifecycle is the payment state machine the handlers drive.
// *payment.Lifecycle implements it.
type Lifecycle interface {
	Authorize(ctx context.Context, req payment.AuthorizeRequest) (*payment.Payment, error)
	Capture(ctx context.Context, id string) (*payment.Payment, error)
	Void(ctx context.Context, id string) (*payment.Payment, error)
	Refund(ctx context.Context, id string, req payment.RefundRequest) (*payment.Payment, error)
	Get(ctx context.Context, id string) (*payment.Payment, error)
	List(ctx context.Context, f payment.Filter) ([]*payment.Payment, error)
	Receipt(ctx context.Context, id string) (*payment.Receipt, error)
}

// AuditHistory returns the journal entries of a payment. *audit.Journal implements it.
type AuditHistory interface {
	History(ctx context.Context, paymentID string) ([]*audit.Entry, error)
}

// ReceiptLinker presigns download URLs for archived receipts.
// *receipt.S3Archiver implements it.
type ReceiptLinker interface {
	DownloadURL(ctx context.Context, paymentID string) (*receipt.DownloadURL, error)
}

// PaymentHandlers serves the payment lifecycle over HTTP.
type PaymentHandlers struct {
	lifecycle Lifecycle
	history   AuditHistory
	receipts  ReceiptLinker
	version   string
}

// PaymentHandlersConfig configures PaymentHandlers. History and Receipts are optional.
type PaymentHandlersConfig struct {
	Lifecycle Lifecycle
	History   AuditHistory
	Receipts  ReceiptLinker
	Version   string
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(cfg PaymentHandlersConfig) *PaymentHandlers {
	return &PaymentHandlers{
		lifecycle: cfg.Lifecycle,
		history:   cfg.History,
		receipts:  cfg.Receipts,
		version:   cfg.Version,
	}
}

// Register mounts the payment routes on mux.
func (h *PaymentHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.ServiceInfo)
	mux.HandleFunc("GET /payments", h.ListPayments)
	mux.HandleFunc("POST /payments/authorize", h.Authorize)
	mux.HandleFunc("GET /payments/{id}", h.GetPayment)
	mux.HandleFunc("POST /payments/{id}/capture", h.Capture)
	mux.HandleFunc("POST /payments/{id}/void", h.Void)
	mux.HandleFunc("POST /payments/{id}/refund", h.Refund)
	mux.HandleFunc("GET /payments/{id}/receipt", h.GetReceipt)
	if h.history != nil {
		mux.HandleFunc("GET /payments/{id}/audit", h.GetAuditTrail)
	}
}

// ServiceInfoResponse describes the service at GET /.
type ServiceInfoResponse struct {
	Service   string   `json:"service"`
	Version   string   `json:"version,omitempty"`
	Endpoints []string `json:"endpoints"`
}

// ServiceInfo handles GET /.
func (h *PaymentHandlers) ServiceInfo(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{
		"GET /payments",
		"POST /payments/authorize",
		"GET /payments/{id}",
		"POST /payments/{id}/capture",
		"POST /payments/{id}/void",
		"POST /payments/{id}/refund",
		"GET /payments/{id}/receipt",
	}
	if h.history != nil {
		endpoints = append(endpoints, "GET /payments/{id}/audit")
	}
	writeJSON(w, r.Context(), http.StatusOK, ServiceInfoResponse{
		Service:   "contoso-payments-api",
		Version:   h.version,
		Endpoints: endpoints,
	})
}

// Authorize handles POST /payments/authorize.
// The idempotency key may come from the body or the Idempotency-Key header;
// when both are present they must match.
func (h *PaymentHandlers) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req payment.AuthorizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	headerKey := middleware.GetIdempotencyKey(ctx)
	if headerKey == "" {
		headerKey = strings.TrimSpace(r.Header.Get(middleware.IdempotencyKeyHeader))
	}
	switch {
	case req.IdempotencyKey == "":
		req.IdempotencyKey = headerKey
	case headerKey != "" && headerKey != req.IdempotencyKey:
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation,
			"idempotency_key: body value does not match the Idempotency-Key header")
		return
	}

	p, err := h.lifecycle.Authorize(ctx, req)
	if err != nil {
		writeLifecycleError(w, ctx, err)
		return
	}

	w.Header().Set("Location", "/payments/"+p.ID)
	writeJSON(w, ctx, http.StatusCreated, p)
}

// GetPayment handles GET /payments/{id}.
func (h *PaymentHandlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.lifecycle.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLifecycleError(w, r.Context(), err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, p)
}

// ListPaymentsResponse is the body of GET /payments.
type ListPaymentsResponse struct {
	Payments []*payment.Payment `json:"payments"`
	Count    int                `json:"count"`
}

// ListPayments handles GET /payments?order_id&customer_id&status&limit.
func (h *PaymentHandlers) ListPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	f := payment.Filter{
		OrderID:    q.Get("order_id"),
		CustomerID: q.Get("customer_id"),
		Status:     payment.Status(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "limit: must be a positive integer")
			return
		}
		f.Limit = min(limit, MaxListLimit)
	}

	payments, err := h.lifecycle.List(ctx, f)
	if err != nil {
		writeLifecycleError(w, ctx, err)
		return
	}
	if payments == nil {
		payments = []*payment.Payment{}
	}
	writeJSON(w, ctx, http.StatusOK, ListPaymentsResponse{Payments: payments, Count: len(payments)})
}

// Capture handles POST /payments/{id}/capture.
func (h *PaymentHandlers) Capture(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Capture)
}

// Void handles POST /payments/{id}/void.
func (h *PaymentHandlers) Void(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Void)
}

func (h *PaymentHandlers) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*payment.Payment, error)) {
	p, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLifecycleError(w, r.Context(), err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, p)
}

// Refund handles POST /payments/{id}/refund. An empty body or a missing
// amount refunds the remaining balance.
func (h *PaymentHandlers) Refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req payment.RefundRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	p, err := h.lifecycle.Refund(ctx, r.PathValue("id"), req)
	if err != nil {
		writeLifecycleError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, p)
}

// GetReceipt handles GET /payments/{id}/receipt. With ?download=url and an
// archive configured it returns a presigned link to the archived copy.
func (h *PaymentHandlers) GetReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	rcpt, err := h.lifecycle.Receipt(ctx, id)
	if err != nil {
		writeLifecycleError(w, ctx, err)
		return
	}

	if h.receipts != nil && r.URL.Query().Get("download") == "url" {
		link, err := h.receipts.DownloadURL(ctx, id)
		if err != nil {
			slog.ErrorContext(ctx, "failed to presign receipt download", "payment_id", id, "error", err)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to create receipt download link")
			return
		}
		writeJSON(w, ctx, http.StatusOK, link)
		return
	}

	writeJSON(w, ctx, http.StatusOK, rcpt)
}

// AuditTrailResponse is the body of GET /payments/{id}/audit.
type AuditTrailResponse struct {
	PaymentID string              `json:"payment_id"`
	Entries   []audit.ExportEntry `json:"entries"`
}

// GetAuditTrail handles GET /payments/{id}/audit.
func (h *PaymentHandlers) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if _, err := h.lifecycle.Get(ctx, id); err != nil {
		writeLifecycleError(w, ctx, err)
		return
	}

	entries, err := h.history.History(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load audit trail", "payment_id", id, "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to load audit trail")
		return
	}
	writeJSON(w, ctx, http.StatusOK, AuditTrailResponse{PaymentID: id, Entries: audit.ToExport(entries)})
}

var errEmptyBody = errors.New("request body is required")

// decodeBody decodes a single JSON object from the request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errEmptyBody
		case errors.As(err, &maxErr):
			return errors.New("request body too large")
		}
		return errors.New("invalid request body: " + err.Error())
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}
