// Package receipt archives payment receipts to S3-compatible object storage.
package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ssrikantan/contoso-payments-api/internal/jobs"
	"github.com/ssrikantan/contoso-payments-api/internal/payment"
)

// DefaultUploadTimeout bounds a single PutObject call.
const DefaultUploadTimeout = 10 * time.Second

// DefaultURLExpiry is the lifetime of presigned download URLs.
const DefaultURLExpiry = 5 * time.Minute

// ErrInvalidPaymentID is returned when a payment ID has no usable characters.
var ErrInvalidPaymentID = errors.New("invalid payment ID")

// Config holds the object storage settings.
type Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UploadTimeout   time.Duration
	URLExpiry       time.Duration
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type objectPresigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// DownloadURL is a presigned GET for an archived receipt.
type DownloadURL struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// S3Archiver uploads a receipt JSON document after every successful capture
// and refund. It implements payment.Observer.
type S3Archiver struct {
	client        objectPutter
	presigner     objectPresigner
	bucket        string
	uploadTimeout time.Duration
	urlExpiry     time.Duration
	metrics       *jobs.Metrics
	logger        *slog.Logger
	timeNow       func() time.Time
}

var _ payment.Observer = (*S3Archiver)(nil)

// NewS3Archiver creates an archiver for cfg. metrics may be nil.
func NewS3Archiver(cfg Config, metrics *jobs.Metrics, logger *slog.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	client := s3.New(opts)

	return newArchiver(client, s3.NewPresignClient(client), cfg, metrics, logger), nil
}

func newArchiver(client objectPutter, presigner objectPresigner, cfg Config, metrics *jobs.Metrics, logger *slog.Logger) *S3Archiver {
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = DefaultURLExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{
		client:        client,
		presigner:     presigner,
		bucket:        cfg.Bucket,
		uploadTimeout: cfg.UploadTimeout,
		urlExpiry:     cfg.URLExpiry,
		metrics:       metrics,
		logger:        logger,
		timeNow:       time.Now,
	}
}

// ObjectKey returns the key a payment's receipt is stored under.
// Pattern: receipts/{paymentID}.json
func ObjectKey(paymentID string) (string, error) {
	id := sanitizePathComponent(paymentID)
	if id == "" {
		return "", ErrInvalidPaymentID
	}
	return "receipts/" + id + ".json", nil
}

// sanitizePathComponent keeps only alphanumerics, hyphens and underscores.
func sanitizePathComponent(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Observe archives the receipt for successful captures and refunds and
// ignores every other event.
func (a *S3Archiver) Observe(ctx context.Context, ev payment.Event) error {
	if ev.Outcome != payment.OutcomeSuccess || ev.Payment == nil {
		return nil
	}
	if ev.Operation != payment.OpCapture && ev.Operation != payment.OpRefund {
		return nil
	}

	issuedAt := ev.At
	if issuedAt.IsZero() {
		issuedAt = a.timeNow()
	}
	rcpt, err := payment.NewReceipt(ev.Payment, issuedAt.UTC())
	if err != nil {
		return err
	}

	_, err = a.metrics.Track(ctx, jobs.JobTypeReceiptArchive, func(ctx context.Context) (int64, error) {
		return 1, a.Archive(ctx, rcpt)
	})
	return err
}

// Archive uploads rcpt, replacing any earlier version for the same payment.
func (a *S3Archiver) Archive(ctx context.Context, rcpt *payment.Receipt) error {
	key, err := ObjectKey(rcpt.PaymentID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(rcpt)
	if err != nil {
		return fmt.Errorf("failed to encode receipt: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.uploadTimeout)
	defer cancel()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"payment-id": rcpt.PaymentID,
			"status":     string(rcpt.Status),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload receipt %s: %w", key, err)
	}

	a.logger.InfoContext(ctx, "receipt archived",
		slog.String("payment_id", rcpt.PaymentID),
		slog.String("bucket", a.bucket),
		slog.String("key", key),
	)
	return nil
}

// DownloadURL presigns a GET for the archived receipt of paymentID.
func (a *S3Archiver) DownloadURL(ctx context.Context, paymentID string) (*DownloadURL, error) {
	key, err := ObjectKey(paymentID)
	if err != nil {
		return nil, err
	}

	req, err := a.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = a.urlExpiry
	})
	if err != nil {
		return nil, fmt.Errorf("failed to presign request: %w", err)
	}

	return &DownloadURL{
		URL:       req.URL,
		Key:       key,
		ExpiresAt: a.timeNow().Add(a.urlExpiry),
	}, nil
}
