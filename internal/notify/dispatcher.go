package notify

import (
	"context"
	"log"
	"strings"
	"time"
)

const (
	// ChannelSMS is the only channel this dispatcher drives today.
	ChannelSMS = "sms"

	maxAttempts = 3
	backoffBase = 2 * time.Second
)

// Dispatcher sends one outbound notification with bounded retries and
// records the outcome durably. The record is written even when every attempt
// failed; callers treat the returned bool as delivered/not-delivered and
// never see an error from here.
type Dispatcher struct {
	provider  Provider
	store     *Store
	sleepFunc func(time.Duration)
}

// NewDispatcher wires a dispatcher. A nil provider means the channel is not
// configured: sends fail fast without network calls, but still record.
func NewDispatcher(provider Provider, store *Store) *Dispatcher {
	return &Dispatcher{
		provider:  provider,
		store:     store,
		sleepFunc: time.Sleep,
	}
}

// Send delivers message to destination, retrying retryable provider failures
// up to maxAttempts with exponential backoff. Returns true only when the
// provider accepted the message.
func (d *Dispatcher) Send(ctx context.Context, destination, message string, meta map[string]string) bool {
	n := Notification{
		Type:      meta["type"],
		Channel:   ChannelSMS,
		Recipient: destination,
		Message:   message,
		OrderID:   meta["order_id"],
	}
	if n.Type == "" {
		n.Type = "generic"
	}

	if d.provider == nil {
		n.Status = StatusFailed
		n.ErrorMessage = "provider not configured"
		d.record(ctx, n)
		return false
	}

	to := NormalizePhone(destination)
	n.Recipient = to

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		n.Attempts = attempt

		res, err := d.provider.SendSMS(ctx, to, message)
		if err == nil {
			n.Status = StatusSent
			n.ProviderMessageID = res.ProviderMessageID
			d.record(ctx, n)
			return true
		}

		lastErr = err
		if !IsRetryable(err) {
			break
		}
		if attempt < maxAttempts {
			d.sleepFunc(backoffBase << (attempt - 1))
		}
	}

	n.Status = StatusFailed
	n.ErrorMessage = lastErr.Error()
	d.record(ctx, n)
	return false
}

func (d *Dispatcher) record(ctx context.Context, n Notification) {
	if d.store == nil {
		return
	}
	if err := d.store.Record(ctx, n); err != nil {
		log.Printf("[notify] failed to record notification to=%s: %v", n.Recipient, err)
	}
}

// NormalizePhone maps Nigerian local formats onto E.164. Anything it cannot
// recognize is passed through untouched; the gateway is the source of truth
// for validity.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	s := b.String()

	switch {
	case strings.HasPrefix(s, "+"):
		return s
	case strings.HasPrefix(s, "0") && len(s) == 11:
		return "+234" + s[1:]
	case strings.HasPrefix(s, "234") && len(s) == 13:
		return "+" + s
	default:
		return raw
	}
}
