package idempotency

import (
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"valid key", "order-42-attempt", nil},
		{"max length", strings.Repeat("a", MaxKeyLength), nil},
		{"empty", "", ErrInvalidKey},
		{"too long", strings.Repeat("a", MaxKeyLength+1), ErrKeyTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKey(tt.key); err != tt.wantErr {
				t.Errorf("ValidateKey() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEntryCBORRoundTrip(t *testing.T) {
	in := Entry{Key: "k1", PaymentID: "PAY-0123456789AB"}
	data, err := entryEncoding.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	out, err := decodeEntry(data)
	if err != nil {
		t.Fatalf("decodeEntry() error = %v", err)
	}
	if out.Key != in.Key || out.PaymentID != in.PaymentID {
		t.Errorf("decodeEntry() = %+v, want %+v", out, in)
	}

	if _, err := decodeEntry([]byte("not cbor")); err == nil {
		t.Error("decodeEntry() should reject garbage")
	}
}
