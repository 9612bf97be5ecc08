package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/ssrikantan/contoso-payments-api/internal/idempotency"
	"github.com/ssrikantan/contoso-payments-api/internal/tracing"
	"github.com/ssrikantan/contoso-payments-api/internal/validate"
)

// DefaultRefundScale is the number of decimal places a refund amount may carry.
const DefaultRefundScale = 2

// maxReserveAttempts bounds how often Authorize retries after a competing
// reservation was released.
const maxReserveAttempts = 5

var errReservationReleased = errors.New("idempotency reservation released")

// Options configures a Lifecycle. The zero value is usable.
type Options struct {
	// GatewayTimeout bounds each gateway call. Zero means no timeout beyond
	// the caller's context.
	GatewayTimeout time.Duration

	// RefundScale rejects refund amounts with more decimal places than this.
	// Zero selects DefaultRefundScale; a negative value disables the rule.
	RefundScale int

	// ReservationWait bounds how long Authorize waits for another instance
	// that holds the same idempotency key. Defaults to 30s.
	ReservationWait time.Duration

	Metrics   *Metrics
	Logger    *slog.Logger
	Observers []Observer

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Lifecycle is the payment state machine. It is safe for concurrent use.
type Lifecycle struct {
	store   Store
	index   idempotency.Index
	gateway Gateway
	opts    Options
	logger  *slog.Logger
	group   singleflight.Group
}

// NewLifecycle wires a lifecycle over its collaborators.
func NewLifecycle(store Store, index idempotency.Index, gateway Gateway, opts Options) *Lifecycle {
	if opts.RefundScale == 0 {
		opts.RefundScale = DefaultRefundScale
	}
	if opts.ReservationWait <= 0 {
		opts.ReservationWait = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:   store,
		index:   index,
		gateway: gateway,
		opts:    opts,
		logger:  logger,
	}
}

// AddObserver registers an observer. Call before serving traffic.
func (l *Lifecycle) AddObserver(o Observer) {
	l.opts.Observers = append(l.opts.Observers, o)
}

// Authorize places an authorization hold. A declined authorization is
// persisted and reported as *PaymentDeclinedError. A reused idempotency key
// returns the payment created for it without contacting the gateway.
func (l *Lifecycle) Authorize(ctx context.Context, req AuthorizeRequest) (p *Payment, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "payment.authorize",
		attribute.String("payment.order_id", req.OrderID),
		attribute.Bool("payment.idempotent", req.IdempotencyKey != ""),
	)
	defer func() { endSpan(err) }()

	if err := normalizeAuthorize(&req); err != nil {
		l.record(ctx, Event{Operation: OpAuthorize, Amount: req.Amount, Err: err})
		return nil, err
	}

	if req.IdempotencyKey == "" {
		return l.authorizeNew(ctx, req, NewID())
	}

	// The shared call runs detached from any one caller so a disconnect by
	// the first caller does not fail the others waiting on the same key.
	leader := false
	results := l.group.DoChan(req.IdempotencyKey, func() (any, error) {
		leader = true
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.sharedAuthorizeTimeout())
		defer cancel()
		return l.authorizeOnce(shared, req)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		p := res.Val.(*Payment)
		if !leader {
			l.replayed(ctx, p)
		}
		return p.Clone(), nil
	case <-ctx.Done():
		return nil, &GatewayError{Op: OpAuthorize, Err: ctx.Err()}
	}
}

// sharedAuthorizeTimeout bounds a detached authorization: waiting out a
// competing reservation plus one gateway call.
func (l *Lifecycle) sharedAuthorizeTimeout() time.Duration {
	bound := l.opts.ReservationWait
	if l.opts.GatewayTimeout > 0 {
		bound += l.opts.GatewayTimeout
	}
	return bound
}

func (l *Lifecycle) authorizeOnce(ctx context.Context, req AuthorizeRequest) (*Payment, error) {
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		// The index forgets keys on restart and after cleanup; the store
		// does not.
		p, err := l.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			l.replayed(ctx, p)
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("look up idempotency key: %w", err)
		}

		id := NewID()
		owner, reserved, err := l.index.Reserve(ctx, req.IdempotencyKey, id)
		if err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if reserved {
			return l.authorizeNew(ctx, req, id)
		}

		p, err = l.awaitOwner(ctx, req.IdempotencyKey, owner)
		if errors.Is(err, errReservationReleased) {
			continue
		}
		if err != nil {
			return nil, err
		}

		l.replayed(ctx, p)
		return p, nil
	}
	return nil, &GatewayError{Op: OpAuthorize, Err: ErrReservationPending}
}

// replayed records an authorization answered from an earlier payment.
func (l *Lifecycle) replayed(ctx context.Context, p *Payment) {
	l.opts.Metrics.incIdempotencyHit()
	l.record(ctx, Event{
		Operation: OpAuthorize,
		PaymentID: p.ID,
		Payment:   p.Clone(),
		Amount:    p.Amount,
		Outcome:   OutcomeReplayed,
	})
}

// awaitOwner returns the payment bound to key once its owner has stored it.
// The owner may be another instance still waiting on the gateway.
func (l *Lifecycle) awaitOwner(ctx context.Context, key, owner string) (*Payment, error) {
	p, err := l.store.Get(ctx, owner)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = l.opts.ReservationWait

	p, err = backoff.RetryWithData(func() (*Payment, error) {
		p, err := l.store.Get(ctx, owner)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, backoff.Permanent(err)
		}
		current, err := l.index.Lookup(ctx, key)
		if errors.Is(err, idempotency.ErrKeyNotFound) || (err == nil && current != owner) {
			return nil, backoff.Permanent(errReservationReleased)
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, ErrReservationPending
	}, backoff.WithContext(policy, ctx))
	if errors.Is(err, ErrReservationPending) {
		return nil, &GatewayError{Op: OpAuthorize, Err: err}
	}
	return p, err
}

func (l *Lifecycle) authorizeNew(ctx context.Context, req AuthorizeRequest, id string) (*Payment, error) {
	var verdict Verdict
	err := l.callGateway(ctx, OpAuthorize, func(ctx context.Context) error {
		var err error
		verdict, err = l.gateway.Authorize(ctx, GatewayRequest{
			PaymentID: id,
			Amount:    req.Amount,
			Currency:  req.Currency,
			Method:    req.Method,
			Card:      req.Card,
		})
		return err
	})
	if err == nil && verdict.Approved && verdict.AuthorizationCode == "" {
		err = errors.New("approved without an authorization code")
	}
	if err != nil {
		l.releaseKey(ctx, req.IdempotencyKey, id)
		gwErr := &GatewayError{Op: OpAuthorize, Err: err}
		l.record(ctx, Event{Operation: OpAuthorize, PaymentID: id, Amount: req.Amount, Err: gwErr})
		return nil, gwErr
	}

	now := l.opts.Now()
	p := &Payment{
		ID:             id,
		OrderID:        req.OrderID,
		CustomerID:     req.CustomerID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         StatusPending,
		Method:         req.Method,
		RefundedAmount: decimal.Zero,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Card != nil {
		p.CardLastFour = req.Card.LastFour
		p.CardBrand = req.Card.Brand
	}

	next := StatusAuthorized
	if verdict.Approved {
		p.AuthorizationCode = verdict.AuthorizationCode
	} else {
		next = StatusDeclined
		p.DeclineReason = verdict.DeclineReason
		if p.DeclineReason == "" {
			p.DeclineReason = "Declined by gateway"
		}
	}
	if err := transition(p, OpAuthorize, next); err != nil {
		return nil, err
	}

	if err := l.store.Insert(ctx, p); err != nil {
		l.releaseKey(ctx, req.IdempotencyKey, id)
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			if existing, getErr := l.store.GetByIdempotencyKey(ctx, req.IdempotencyKey); getErr == nil {
				// Another process stored the key first; its payment wins and
				// the hold placed here is left to expire at the gateway.
				l.logger.WarnContext(ctx, "authorization lost idempotency key race",
					slog.String("payment_id", existing.ID),
					slog.String("orphaned_payment_id", id),
					slog.String("orphaned_authorization_code", p.AuthorizationCode),
				)
				l.replayed(ctx, existing)
				return existing, nil
			}
		}
		err = fmt.Errorf("store payment %s: %w", id, err)
		l.record(ctx, Event{Operation: OpAuthorize, PaymentID: id, Amount: req.Amount, Err: err})
		return nil, err
	}

	if !verdict.Approved {
		declined := &PaymentDeclinedError{Payment: p.Clone(), Reason: p.DeclineReason}
		l.record(ctx, Event{
			Operation: OpAuthorize,
			PaymentID: id,
			Payment:   p.Clone(),
			Amount:    p.Amount,
			Reason:    p.DeclineReason,
			Err:       declined,
		})
		return nil, declined
	}

	l.record(ctx, Event{Operation: OpAuthorize, PaymentID: id, Payment: p.Clone(), Amount: p.Amount})
	return p, nil
}

// releaseKey undoes a reservation whose authorization produced no record.
func (l *Lifecycle) releaseKey(ctx context.Context, key, id string) {
	if key == "" {
		return
	}
	// The caller's context may already be done; the release must still run.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.index.Release(releaseCtx, key, id); err != nil {
		l.logger.ErrorContext(ctx, "failed to release idempotency key",
			slog.String("payment_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Capture settles an authorized payment. The gateway is called while the
// record is locked; on gateway failure the record is unchanged.
func (l *Lifecycle) Capture(ctx context.Context, id string) (p *Payment, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "payment.capture", attribute.String("payment.id", id))
	defer func() { endSpan(err) }()

	p, err = l.store.Update(ctx, id, func(p *Payment) error {
		if err := guard(p, OpCapture); err != nil {
			return err
		}

		snapshot := p.Clone()
		if err := l.callGateway(ctx, OpCapture, func(ctx context.Context) error {
			return l.gateway.Capture(ctx, snapshot)
		}); err != nil {
			return &GatewayError{Op: OpCapture, Err: err}
		}

		now := l.opts.Now()
		if err := transition(p, OpCapture, StatusCaptured); err != nil {
			return err
		}
		if p.CapturedAt == nil {
			p.CapturedAt = &now
		}
		p.UpdatedAt = now
		return nil
	})

	ev := Event{Operation: OpCapture, PaymentID: id, Payment: p.Clone(), Err: err}
	if p != nil {
		ev.Amount = p.Amount
	}
	l.record(ctx, ev)
	return p, err
}

// Void releases the hold on an authorized payment.
func (l *Lifecycle) Void(ctx context.Context, id string) (p *Payment, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "payment.void", attribute.String("payment.id", id))
	defer func() { endSpan(err) }()

	p, err = l.store.Update(ctx, id, func(p *Payment) error {
		if err := transition(p, OpVoid, StatusVoided); err != nil {
			return err
		}
		p.UpdatedAt = l.opts.Now()
		return nil
	})

	l.record(ctx, Event{Operation: OpVoid, PaymentID: id, Payment: p.Clone(), Err: err})
	return p, err
}

// Refund returns part or all of the captured amount. A nil req.Amount
// refunds the remaining balance.
func (l *Lifecycle) Refund(ctx context.Context, id string, req RefundRequest) (p *Payment, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "payment.refund", attribute.String("payment.id", id))
	defer func() { endSpan(err) }()

	if req.Reason, err = validate.Reason(req.Reason); err != nil {
		err = fieldError("reason", err)
		l.record(ctx, Event{Operation: OpRefund, PaymentID: id, Err: err})
		return nil, err
	}

	var refunded decimal.Decimal
	p, err = l.store.Update(ctx, id, func(p *Payment) error {
		if p.Status == StatusRefunded {
			// Nothing is left to refund; report it as an amount problem.
			requested := decimal.Zero
			if req.Amount != nil {
				requested = *req.Amount
			}
			return &InvalidRefundAmountError{
				PaymentID: p.ID,
				Requested: requested,
				Remaining: decimal.Zero,
				Reason:    "payment is already fully refunded",
			}
		}
		if err := guard(p, OpRefund); err != nil {
			return err
		}

		remaining := p.RemainingRefundable()
		amount := remaining
		if req.Amount != nil {
			amount = *req.Amount
			if err := l.checkRefundAmount(p, amount, remaining); err != nil {
				return err
			}
		}

		total := p.RefundedAmount.Add(amount)
		if total.GreaterThan(p.Amount) {
			return &InvalidRefundAmountError{
				PaymentID: p.ID,
				Requested: amount,
				Remaining: remaining,
				Reason:    "refund would exceed the captured amount",
			}
		}

		next := StatusPartiallyRefunded
		if total.Equal(p.Amount) {
			next = StatusRefunded
		}
		if err := transition(p, OpRefund, next); err != nil {
			return err
		}

		now := l.opts.Now()
		p.RefundedAmount = total
		if p.RefundedAt == nil {
			p.RefundedAt = &now
		}
		p.UpdatedAt = now
		refunded = amount
		return nil
	})

	ev := Event{Operation: OpRefund, PaymentID: id, Payment: p.Clone(), Reason: req.Reason, Err: err}
	if err == nil {
		ev.Amount = refunded
	} else if req.Amount != nil {
		ev.Amount = *req.Amount
	}
	l.record(ctx, ev)
	return p, err
}

func (l *Lifecycle) checkRefundAmount(p *Payment, amount, remaining decimal.Decimal) error {
	reject := func(reason string) error {
		return &InvalidRefundAmountError{PaymentID: p.ID, Requested: amount, Remaining: remaining, Reason: reason}
	}
	if !amount.IsPositive() {
		return reject("refund amount must be greater than zero")
	}
	if amount.GreaterThan(remaining) {
		return reject("refund amount exceeds remaining balance")
	}
	if scale := l.opts.RefundScale; scale >= 0 && !amount.Equal(amount.Truncate(int32(scale))) {
		return reject(fmt.Sprintf("refund amount has more than %d decimal places", scale))
	}
	return nil
}

// Get returns the payment with the given ID.
func (l *Lifecycle) Get(ctx context.Context, id string) (*Payment, error) {
	return l.store.Get(ctx, id)
}

// List returns payments matching f in creation order.
func (l *Lifecycle) List(ctx context.Context, f Filter) ([]*Payment, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", f.Status)}
	}
	return l.store.List(ctx, f)
}

// Receipt returns the receipt for a captured or refunded payment.
func (l *Lifecycle) Receipt(ctx context.Context, id string) (*Receipt, error) {
	p, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewReceipt(p, l.opts.Now())
}

// callGateway runs call under the configured timeout. If the gateway does not
// honour cancellation the call is abandoned when the timeout fires.
func (l *Lifecycle) callGateway(ctx context.Context, op Operation, call func(ctx context.Context) error) error {
	start := time.Now()
	defer func() { l.opts.Metrics.observeGateway(op, time.Since(start).Seconds()) }()

	if l.opts.GatewayTimeout <= 0 {
		return call(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.GatewayTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- call(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s timed out after %s: %w", op, l.opts.GatewayTimeout, ctx.Err())
	}
}

// record publishes an operation's outcome to logs, metrics and observers.
func (l *Lifecycle) record(ctx context.Context, ev Event) {
	ev.At = l.opts.Now()
	if ev.Outcome == "" {
		ev.Outcome = outcomeOf(ev.Err)
	}
	l.opts.Metrics.observeTransition(ev.Operation, ev.Outcome)

	attrs := []slog.Attr{
		slog.String("operation", string(ev.Operation)),
		slog.String("outcome", ev.Outcome),
	}
	if ev.PaymentID != "" {
		attrs = append(attrs, slog.String("payment_id", ev.PaymentID))
	}
	if ev.Payment != nil {
		attrs = append(attrs,
			slog.String("status", string(ev.Payment.Status)),
			slog.String("amount", ev.Payment.Amount.String()),
			slog.String("refunded_amount", ev.Payment.RefundedAmount.String()),
		)
	}

	switch ev.Outcome {
	case OutcomeSuccess:
		if ev.Operation == OpRefund && ev.Payment != nil {
			l.opts.Metrics.addRefunded(ev.Payment.Currency, ev.Amount)
		}
		l.logger.LogAttrs(ctx, slog.LevelInfo, "payment "+string(ev.Operation)+" succeeded", attrs...)
	case OutcomeReplayed:
		l.logger.LogAttrs(ctx, slog.LevelInfo, "idempotent authorization replayed", attrs...)
	case OutcomeDeclined:
		attrs = append(attrs, slog.String("decline_reason", ev.Reason))
		l.logger.LogAttrs(ctx, slog.LevelInfo, "payment declined", attrs...)
	case OutcomeRejected:
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
		l.logger.LogAttrs(ctx, slog.LevelWarn, "payment "+string(ev.Operation)+" rejected", attrs...)
	default:
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
		l.logger.LogAttrs(ctx, slog.LevelError, "payment "+string(ev.Operation)+" failed", attrs...)
	}

	for _, o := range l.opts.Observers {
		if err := o.Observe(ctx, ev); err != nil {
			l.logger.ErrorContext(ctx, "payment observer failed",
				slog.String("operation", string(ev.Operation)),
				slog.String("payment_id", ev.PaymentID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeSuccess
	}

	var (
		declined   *PaymentDeclinedError
		validation *ValidationError
		badState   *InvalidStateTransitionError
		badRefund  *InvalidRefundAmountError
		noReceipt  *ReceiptUnavailableError
	)
	switch {
	case errors.As(err, &declined):
		return OutcomeDeclined
	case errors.As(err, &validation), errors.As(err, &badState), errors.As(err, &badRefund),
		errors.As(err, &noReceipt), errors.Is(err, ErrNotFound):
		return OutcomeRejected
	}
	return OutcomeError
}

// fieldError converts a validate error into a ValidationError for field.
func fieldError(field string, err error) error {
	if errors.Is(err, validate.ErrEmpty) {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return &ValidationError{Field: field, Message: err.Error()}
}

// normalizeAuthorize validates req and replaces its identifiers and
// currency with their trimmed, canonical forms.
func normalizeAuthorize(req *AuthorizeRequest) error {
	var err error
	if req.OrderID, err = validate.Identifier(req.OrderID); err != nil {
		return fieldError("order_id", err)
	}
	if req.CustomerID, err = validate.Identifier(req.CustomerID); err != nil {
		return fieldError("customer_id", err)
	}
	if !req.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if req.Currency, err = validate.CurrencyCode(req.Currency); err != nil {
		return &ValidationError{Field: "currency", Message: "must be a three-letter ISO 4217 code"}
	}
	if !req.Method.Valid() {
		return &ValidationError{Field: "payment_method", Message: fmt.Sprintf("unsupported method %q", req.Method)}
	}

	if req.Method.RequiresCard() {
		if req.Card == nil {
			return &ValidationError{Field: "card_details", Message: "card details required for card payments"}
		}
		if req.Card.Token == "" {
			return &ValidationError{Field: "card_details.token", Message: "is required"}
		}
		if len(req.Card.LastFour) != 4 {
			return &ValidationError{Field: "card_details.last_four", Message: "must be exactly 4 digits"}
		}
		for _, r := range req.Card.LastFour {
			if r < '0' || r > '9' {
				return &ValidationError{Field: "card_details.last_four", Message: "must be exactly 4 digits"}
			}
		}
		if req.Card.Brand == "" {
			return &ValidationError{Field: "card_details.brand", Message: "is required"}
		}
	}

	if req.IdempotencyKey != "" {
		if err := idempotency.ValidateKey(req.IdempotencyKey); err != nil {
			return &ValidationError{Field: "idempotency_key", Message: err.Error()}
		}
	}
	return nil
}
