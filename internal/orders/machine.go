package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/deliverly/order-reliability/internal/realtime"
)

// ErrInvalidTransition indicates the requested edge is not in the transition
// table. Surfaced to clients as a validation failure, never applied.
var ErrInvalidTransition = errors.New("invalid status transition")

// Dispatcher sends one customer-facing message and reports whether it was
// delivered. Implemented by notify.Dispatcher.
type Dispatcher interface {
	Send(ctx context.Context, destination, message string, meta map[string]string) bool
}

// StateMachine owns order status transitions and the side effects they
// trigger. Everything after the persisted transition is best-effort: a
// notification or publish failure is logged, never propagated.
type StateMachine struct {
	store      *Store
	notifier   realtime.Notifier
	dispatcher Dispatcher
	delayCheck func(ctx context.Context, orderID string) error
	nowFunc    func() time.Time
}

// NewStateMachine wires a state machine over the orders store.
func NewStateMachine(store *Store, notifier realtime.Notifier, dispatcher Dispatcher) *StateMachine {
	return &StateMachine{
		store:      store,
		notifier:   notifier,
		dispatcher: dispatcher,
		nowFunc:    time.Now,
	}
}

// SetDelayCheck installs the reactive delay check invoked after every
// transition. Set at wiring time; the delay monitor itself depends on the
// orders store, so it cannot be a constructor argument here.
func (m *StateMachine) SetDelayCheck(fn func(ctx context.Context, orderID string) error) {
	m.delayCheck = fn
}

// Transition moves an order to targetStatus if the transition table allows
// it. The persisted write is conditional on the status the order was read at,
// so two concurrent transitions cannot both apply.
func (m *StateMachine) Transition(ctx context.Context, orderID, targetStatus, locationHint string) (*Order, error) {
	order, err := m.store.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("fetch order: %w", err)
	}
	if order == nil {
		return nil, ErrNotFound
	}
	if !CanTransition(order.Status, targetStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, targetStatus)
	}

	now := m.nowFunc().UTC()
	ev := TrackingEvent{
		Status:    targetStatus,
		Timestamp: now,
		Location:  locationHint,
		Note:      "status changed to " + targetStatus,
	}
	var deliveredAt *time.Time
	if targetStatus == StatusDelivered {
		deliveredAt = &now
	}

	if err := m.store.UpdateStatusWithEvent(ctx, orderID, order.Status, targetStatus, ev, deliveredAt); err != nil {
		if errors.Is(err, ErrStatusMismatch) {
			// a concurrent transition won; report the edge as invalid so the
			// caller re-reads instead of silently double-applying
			return nil, fmt.Errorf("%w: order %s moved away from %s concurrently", ErrInvalidTransition, orderID, order.Status)
		}
		return nil, fmt.Errorf("update status: %w", err)
	}

	order.Status = targetStatus
	order.UpdatedAt = now
	order.TrackingEvents = append(order.TrackingEvents, ev)
	if deliveredAt != nil {
		order.ActualDeliveryTime = deliveredAt
	}

	m.notifyStatusChange(ctx, order)
	m.publish(ctx, realtime.OrderRoom(order.OrderNumber), realtime.EventStatusUpdate, order)
	m.publish(ctx, realtime.OpsRoom, realtime.EventOrderUpdate, order)

	if m.delayCheck != nil {
		if err := m.delayCheck(ctx, order.OrderID); err != nil {
			log.Printf("[orders] delay check failed order=%s: %v", order.OrderID, err)
		}
	}

	return order, nil
}

// AppendLocation records a courier location update on the tracking log. No
// status change is involved.
func (m *StateMachine) AppendLocation(ctx context.Context, orderID, location, note string) (*Order, error) {
	order, err := m.store.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("fetch order: %w", err)
	}
	if order == nil {
		return nil, ErrNotFound
	}

	now := m.nowFunc().UTC()
	ev := TrackingEvent{
		Status:    order.Status,
		Timestamp: now,
		Location:  location,
		Note:      note,
	}
	if err := m.store.AppendTrackingEvent(ctx, orderID, ev); err != nil {
		return nil, fmt.Errorf("append tracking event: %w", err)
	}

	order.TrackingEvents = append(order.TrackingEvents, ev)
	order.UpdatedAt = now

	m.publish(ctx, realtime.OrderRoom(order.OrderNumber), realtime.EventLocationUpdate, ev)

	return order, nil
}

func (m *StateMachine) notifyStatusChange(ctx context.Context, order *Order) {
	if m.dispatcher == nil || order.CustomerPhone == "" || !IsCustomerVisible(order.Status) {
		return
	}
	meta := map[string]string{
		"type":     "status_update",
		"order_id": order.OrderID,
	}
	if delivered := m.dispatcher.Send(ctx, order.CustomerPhone, statusMessage(order), meta); !delivered {
		log.Printf("[orders] status notification not delivered order=%s status=%s", order.OrderID, order.Status)
	}
}

func (m *StateMachine) publish(ctx context.Context, room, event string, payload interface{}) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Publish(ctx, room, event, payload); err != nil {
		log.Printf("[orders] realtime publish failed room=%s event=%s: %v", room, event, err)
	}
}

func statusMessage(order *Order) string {
	switch order.Status {
	case StatusPreparing:
		return fmt.Sprintf("Your order %s is being prepared.", order.OrderNumber)
	case StatusReady:
		return fmt.Sprintf("Your order %s is ready and waiting for pickup.", order.OrderNumber)
	case StatusOutForDelivery:
		return fmt.Sprintf("Your order %s is out for delivery.", order.OrderNumber)
	case StatusDelivered:
		return fmt.Sprintf("Your order %s has been delivered. Enjoy!", order.OrderNumber)
	default:
		return fmt.Sprintf("Your order %s is now %s.", order.OrderNumber, order.Status)
	}
}
