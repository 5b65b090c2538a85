package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/deliverly/order-reliability/internal/orders"
	"github.com/deliverly/order-reliability/internal/realtime"
)

var (
	// ErrNotFound indicates no payment exists for the reference.
	ErrNotFound = errors.New("payment not found")
	// ErrSignatureMismatch indicates a webhook whose signature did not verify.
	// Rejected outright, no side effects.
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
	// ErrPaymentExists indicates the order already has a successful payment.
	ErrPaymentExists = errors.New("order already paid")
	// ErrInitiationInProgress indicates another initiation holds the order's
	// payment claim and has not produced a payment record yet. Retryable.
	ErrInitiationInProgress = errors.New("payment initiation already in progress")
)

// Webhook event names the gateway delivers.
const (
	eventChargeSuccess = "charge.success"
	eventChargeFailed  = "charge.failed"
)

// WebhookEvent is the decoded gateway callback payload.
type WebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"` // minor units
		PaidAt    string `json:"paid_at"`
	} `json:"data"`
}

// VerifyOutcome is the business result of a verify call. Paid=false is an
// expected outcome, not an error.
type VerifyOutcome struct {
	Paid    bool
	Payment *Payment
}

// InitiateRequest describes a payment initiation.
type InitiateRequest struct {
	OrderID     string
	Email       string
	Amount      int64 // minor units
	CallbackURL string
}

// Reconciler resolves the canonical payment state for an order from two
// independent racing inputs: the gateway webhook and client-initiated verify
// calls. The success flip is a conditional write, so whichever input lands
// first applies the paid side effects and every later arrival is a no-op.
type Reconciler struct {
	store         *Store
	orders        *orders.Store
	provider      Provider
	notifier      realtime.Notifier
	webhookSecret string
	nowFunc       func() time.Time
}

// NewReconciler wires a reconciler.
func NewReconciler(store *Store, ordersStore *orders.Store, provider Provider, notifier realtime.Notifier, webhookSecret string) *Reconciler {
	return &Reconciler{
		store:         store,
		orders:        ordersStore,
		provider:      provider,
		notifier:      notifier,
		webhookSecret: webhookSecret,
		nowFunc:       time.Now,
	}
}

// Initiate creates a pending payment for an order and sets up the charge
// with the gateway. One pending-or-success payment per order: a second call
// while a pending payment exists returns that payment's authorization
// details; a call after a success is rejected. The serialization point is
// the payment_reference claim on the order record, taken with a conditional
// write before the gateway is contacted, so concurrent initiations cannot
// both create a payment no matter how stale the order_id index reads.
func (r *Reconciler) Initiate(ctx context.Context, req InitiateRequest) (*Payment, error) {
	existing, err := r.store.FindByOrder(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("lookup payments for order: %w", err)
	}
	var pending *Payment
	for i := range existing {
		switch existing[i].Status {
		case StatusSuccess:
			return nil, ErrPaymentExists
		case StatusPending:
			pending = &existing[i]
		}
	}
	if pending != nil {
		return pending, nil
	}

	order, err := r.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("fetch order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("initiate payment: %w", orders.ErrNotFound)
	}

	reference := uuid.NewString()
	if order.PaymentReference == "" {
		claimed, err := r.orders.ClaimPaymentReference(ctx, req.OrderID, reference)
		if err != nil {
			return nil, fmt.Errorf("claim payment reference: %w", err)
		}
		if !claimed {
			return nil, ErrInitiationInProgress
		}
	} else {
		// a claim exists that the index read above did not surface: resolve
		// it from the claimed reference, the consistent read path
		claimedPayment, err := r.store.GetByReference(ctx, order.PaymentReference)
		if err != nil {
			return nil, fmt.Errorf("fetch claimed payment: %w", err)
		}
		switch {
		case claimedPayment == nil:
			// claim holder is still talking to the gateway
			return nil, ErrInitiationInProgress
		case claimedPayment.Status == StatusSuccess:
			return nil, ErrPaymentExists
		case claimedPayment.Status == StatusPending:
			return claimedPayment, nil
		}
		// claimed payment is dead (failed or cancelled), take over the claim
		swapped, err := r.orders.ReplacePaymentReference(ctx, req.OrderID, order.PaymentReference, reference)
		if err != nil {
			return nil, fmt.Errorf("replace payment reference: %w", err)
		}
		if !swapped {
			return nil, ErrInitiationInProgress
		}
	}

	init, err := r.provider.Initialize(ctx, req.Email, req.Amount, reference, req.CallbackURL, map[string]string{
		"order_id": req.OrderID,
	})
	if err != nil {
		r.releaseClaim(ctx, req.OrderID, reference)
		return nil, fmt.Errorf("provider initialize: %w", err)
	}

	now := r.nowFunc().UTC()
	p := Payment{
		Reference:        reference,
		OrderID:          req.OrderID,
		Email:            req.Email,
		Amount:           req.Amount,
		Currency:         "NGN",
		Status:           StatusPending,
		AuthorizationURL: init.AuthorizationURL,
		AccessCode:       init.AccessCode,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.Create(ctx, p); err != nil {
		r.releaseClaim(ctx, req.OrderID, reference)
		return nil, fmt.Errorf("create payment: %w", err)
	}
	return &p, nil
}

// releaseClaim drops a payment claim after a failed initiation so the order
// is not locked out of payment. Best effort.
func (r *Reconciler) releaseClaim(ctx context.Context, orderID, reference string) {
	if err := r.orders.ReleasePaymentReference(ctx, orderID, reference); err != nil {
		log.Printf("[payments] failed to release payment claim for order %s: %v", orderID, err)
	}
}

// Verify resolves a reference against the gateway. Gateway says success and
// the amount matches: payment flips to success (once) and the order is
// marked paid. Any other gateway answer, including a "successful" charge for
// the wrong amount, ends the payment failed.
func (r *Reconciler) Verify(ctx context.Context, reference string) (*VerifyOutcome, error) {
	p, err := r.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("fetch payment: %w", err)
	}
	if p == nil {
		return nil, ErrNotFound
	}

	res, err := r.provider.Verify(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("provider verify: %w", err)
	}

	if res.Status != "success" {
		if _, err := r.store.MarkFailed(ctx, reference, res.Raw); err != nil {
			return nil, fmt.Errorf("mark failed: %w", err)
		}
		p.Status = StatusFailed
		return &VerifyOutcome{Paid: false, Payment: p}, nil
	}

	if res.Amount != p.Amount {
		// under-payment guard: never credit a charge for the wrong amount
		log.Printf("[payments] amount mismatch reference=%s expected=%d provider=%d", reference, p.Amount, res.Amount)
		if _, err := r.store.MarkFailed(ctx, reference, res.Raw); err != nil {
			return nil, fmt.Errorf("mark failed: %w", err)
		}
		p.Status = StatusFailed
		return &VerifyOutcome{Paid: false, Payment: p}, nil
	}

	paidAt := res.PaidAt
	if paidAt.IsZero() {
		paidAt = r.nowFunc().UTC()
	}
	applied, err := r.store.MarkSuccess(ctx, reference, paidAt, res.Raw)
	if err != nil {
		return nil, fmt.Errorf("mark success: %w", err)
	}
	if applied {
		r.applyPaidSideEffects(ctx, p, false)
	}

	p.Status = StatusSuccess
	p.PaidAt = &paidAt
	return &VerifyOutcome{Paid: true, Payment: p}, nil
}

// HandleWebhook processes a gateway callback. The signature over the raw
// body is checked before anything else; an invalid signature is rejected
// without side effects. Redelivered events converge to the same terminal
// state with side effects applied once.
func (r *Reconciler) HandleWebhook(ctx context.Context, signature string, rawBody []byte) error {
	if !ValidSignature(r.webhookSecret, signature, rawBody) {
		return ErrSignatureMismatch
	}

	var ev WebhookEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return fmt.Errorf("decode webhook payload: %w", err)
	}

	switch ev.Event {
	case eventChargeSuccess:
		return r.handleChargeSuccess(ctx, ev, rawBody)
	case eventChargeFailed:
		return r.handleChargeFailed(ctx, ev, rawBody)
	default:
		log.Printf("[payments] ignoring webhook event %q", ev.Event)
		return nil
	}
}

func (r *Reconciler) handleChargeSuccess(ctx context.Context, ev WebhookEvent, rawBody []byte) error {
	p, err := r.store.GetByReference(ctx, ev.Data.Reference)
	if err != nil {
		return fmt.Errorf("fetch payment: %w", err)
	}
	if p == nil {
		// unknown reference: ack so the gateway stops redelivering
		log.Printf("[payments] webhook for unknown reference %s", ev.Data.Reference)
		return nil
	}
	if p.Status == StatusSuccess {
		log.Printf("[payments] replayed charge.success for reference %s", ev.Data.Reference)
		return nil
	}
	if ev.Data.Amount != p.Amount {
		// under-payment guard: the charge is not credited, the payment ends
		// failed. MarkFailed never demotes an already-successful payment.
		log.Printf("[payments] webhook amount mismatch reference=%s expected=%d got=%d, not applying", ev.Data.Reference, p.Amount, ev.Data.Amount)
		if _, err := r.store.MarkFailed(ctx, ev.Data.Reference, string(rawBody)); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	}

	paidAt := r.nowFunc().UTC()
	if ev.Data.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, ev.Data.PaidAt); err == nil {
			paidAt = t
		}
	}

	applied, err := r.store.MarkSuccess(ctx, ev.Data.Reference, paidAt, string(rawBody))
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	if applied {
		r.applyPaidSideEffects(ctx, p, true)
	}
	return nil
}

func (r *Reconciler) handleChargeFailed(ctx context.Context, ev WebhookEvent, rawBody []byte) error {
	p, err := r.store.GetByReference(ctx, ev.Data.Reference)
	if err != nil {
		return fmt.Errorf("fetch payment: %w", err)
	}
	if p == nil {
		log.Printf("[payments] webhook for unknown reference %s", ev.Data.Reference)
		return nil
	}

	applied, err := r.store.MarkFailed(ctx, ev.Data.Reference, string(rawBody))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if !applied {
		// the payment already reached success; a late or redelivered
		// charge.failed must not demote the paid order
		log.Printf("[payments] ignoring charge.failed for successful reference %s", ev.Data.Reference)
		return nil
	}
	if err := r.orders.SetPaymentStatus(ctx, p.OrderID, orders.PaymentFailed); err != nil {
		log.Printf("[payments] failed to mirror failed payment onto order %s: %v", p.OrderID, err)
	}
	return nil
}

// applyPaidSideEffects runs only for the caller that won the success flip,
// so the order is marked paid (and confirmed, for webhooks) exactly once.
func (r *Reconciler) applyPaidSideEffects(ctx context.Context, p *Payment, advanceStatus bool) {
	if err := r.orders.SetPaymentStatus(ctx, p.OrderID, orders.PaymentPaid); err != nil {
		log.Printf("[payments] failed to mark order %s paid: %v", p.OrderID, err)
	}

	if advanceStatus {
		ev := orders.TrackingEvent{
			Status:    orders.StatusConfirmed,
			Timestamp: r.nowFunc().UTC(),
			Note:      "payment received, order confirmed",
		}
		err := r.orders.UpdateStatusWithEvent(ctx, p.OrderID, orders.StatusPlaced, orders.StatusConfirmed, ev, nil)
		if err != nil && !errors.Is(err, orders.ErrStatusMismatch) {
			log.Printf("[payments] failed to confirm order %s: %v", p.OrderID, err)
		}
	}

	if r.notifier != nil {
		payload := map[string]interface{}{
			"order_id":       p.OrderID,
			"reference":      p.Reference,
			"payment_status": orders.PaymentPaid,
		}
		if err := r.notifier.Publish(ctx, realtime.OpsRoom, realtime.EventOrderUpdate, payload); err != nil {
			log.Printf("[payments] realtime publish failed: %v", err)
		}
	}
}

// ValidSignature checks the HMAC-SHA512 hex signature the gateway puts on
// webhook deliveries. Constant-time comparison.
func ValidSignature(secret, signature string, body []byte) bool {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
