package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports entries as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports entries as a JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ExportOptions configures an export. Filters are optional; with none set
// the whole journal is exported oldest first.
type ExportOptions struct {
	Format    ExportFormat
	From      time.Time // inclusive
	To        time.Time // inclusive
	PaymentID string
	Subject   string
	Limit     int // 0 = no limit
}

// ExportLogs exports journal entries matching opts.
func ExportLogs(ctx context.Context, repo Repository, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	// Query without a limit, filter by time, then apply the limit.
	var (
		entries []*Entry
		err     error
	)
	switch {
	case opts.PaymentID != "":
		entries, err = repo.QueryByEntity(ctx, EntityTypePayment, opts.PaymentID, 0)
	case opts.Subject != "":
		entries, err = repo.QueryBySubject(ctx, opts.Subject, 0)
	default:
		entries, err = repo.QueryAll(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}

	if opts.PaymentID != "" && opts.Subject != "" {
		entries = filterBySubject(entries, opts.Subject)
	}
	if !opts.From.IsZero() || !opts.To.IsZero() {
		entries = filterByTimeRange(entries, opts.From, opts.To)
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}

	if opts.Format == ExportFormatCSV {
		return exportToCSV(entries)
	}
	return exportToJSON(entries)
}

func filterBySubject(entries []*Entry, subject string) []*Entry {
	var filtered []*Entry
	for _, e := range entries {
		if e.Subject == subject {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

func filterByTimeRange(entries []*Entry, from, to time.Time) []*Entry {
	var filtered []*Entry
	for _, e := range entries {
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.CreatedAt.After(to) {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func exportToCSV(entries []*Entry) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID",
		"Timestamp (UTC)",
		"Subject",
		"Payment ID",
		"Action",
		"Outcome",
		"Amount",
		"Currency",
		"Status",
		"Reason",
		"Request ID",
		"Previous Hash",
		"Hash",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		row := []string{
			e.ID,
			e.CreatedAt.Format(time.RFC3339Nano),
			e.Subject,
			e.EntityID,
			e.Action,
			e.Outcome,
			e.Amount,
			e.Currency,
			e.Status,
			e.Reason,
			e.RequestID,
			e.PreviousHash,
			e.Hash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportEntry is the JSON shape of an entry, also served by the API.
type ExportEntry struct {
	ID           string `json:"id"`
	Timestamp    string `json:"timestamp"`
	Subject      string `json:"subject,omitempty"`
	PaymentID    string `json:"payment_id"`
	Action       string `json:"action"`
	Outcome      string `json:"outcome"`
	Amount       string `json:"amount,omitempty"`
	Currency     string `json:"currency,omitempty"`
	Status       string `json:"status,omitempty"`
	Reason       string `json:"reason,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	PreviousHash string `json:"previous_hash,omitempty"`
	Hash         string `json:"hash"`
}

// ToExport converts entries to their JSON shape.
func ToExport(entries []*Entry) []ExportEntry {
	out := make([]ExportEntry, len(entries))
	for i, e := range entries {
		out[i] = ExportEntry{
			ID:           e.ID,
			Timestamp:    e.CreatedAt.Format(time.RFC3339Nano),
			Subject:      e.Subject,
			PaymentID:    e.EntityID,
			Action:       e.Action,
			Outcome:      e.Outcome,
			Amount:       e.Amount,
			Currency:     e.Currency,
			Status:       e.Status,
			Reason:       e.Reason,
			RequestID:    e.RequestID,
			PreviousHash: e.PreviousHash,
			Hash:         e.Hash,
		}
	}
	return out
}

func exportToJSON(entries []*Entry) ([]byte, error) {
	data, err := json.MarshalIndent(ToExport(entries), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
