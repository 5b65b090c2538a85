package delay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/deliverly/order-reliability/internal/aws"
	"github.com/deliverly/order-reliability/internal/orders"
	"github.com/deliverly/order-reliability/internal/realtime"
)

const (
	// ThresholdMinutes is how far past the estimated delivery time an order
	// has to be before it is marked delayed.
	ThresholdMinutes = 10

	// DefaultReason is recorded when the delay is detected automatically
	// rather than reported by an operator.
	DefaultReason = "delivery running behind the original estimate"

	metricNamespace = "OrderReliability"
)

// Dispatcher sends one customer-facing message. Same contract as the orders
// package; declared here so the monitor does not depend on notify directly.
type Dispatcher interface {
	Send(ctx context.Context, destination, message string, meta map[string]string) bool
}

// Monitor detects overdue orders and applies the one-time delayed transition.
// CheckAndHandle is safe to call concurrently and repeatedly for the same
// order: the flip of is_delayed is a conditional write, so exactly one caller
// alerts no matter how many race.
type Monitor struct {
	orders     *orders.Store
	analytics  *AnalyticsStore
	dispatcher Dispatcher
	notifier   realtime.Notifier
	cw         aws.CloudWatchAPI
	nowFunc    func() time.Time
}

// NewMonitor wires a Monitor. dispatcher, notifier and cw may be nil; the
// corresponding side effect is then skipped.
func NewMonitor(ordersStore *orders.Store, analytics *AnalyticsStore, dispatcher Dispatcher, notifier realtime.Notifier, cw aws.CloudWatchAPI) *Monitor {
	return &Monitor{
		orders:     ordersStore,
		analytics:  analytics,
		dispatcher: dispatcher,
		notifier:   notifier,
		cw:         cw,
		nowFunc:    time.Now,
	}
}

// CheckAndHandle re-evaluates the delay state of one order. Below threshold
// or terminal status is a no-op. The first check past the threshold flips the
// flag and alerts once; later checks only refresh delay_minutes.
func (m *Monitor) CheckAndHandle(ctx context.Context, orderID string) error {
	order, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("fetch order: %w", err)
	}
	if order == nil {
		return orders.ErrNotFound
	}
	if orders.IsTerminal(order.Status) {
		return nil
	}

	minutes := int(m.nowFunc().Sub(order.EstimatedDeliveryTime) / time.Minute)
	if minutes < ThresholdMinutes {
		return nil
	}

	flipped, err := m.orders.MarkDelayed(ctx, order.OrderID, minutes, DefaultReason)
	if err != nil {
		return fmt.Errorf("mark delayed: %w", err)
	}
	if !flipped {
		// already delayed (or a concurrent check won): refresh minutes only
		return m.orders.UpdateDelayMinutes(ctx, order.OrderID, minutes)
	}

	order.IsDelayed = true
	order.DelayMinutes = minutes
	order.DelayReason = DefaultReason

	if m.analytics != nil {
		if err := m.analytics.RecordDelay(ctx, m.nowFunc(), order.DeliveryArea, minutes); err != nil {
			log.Printf("[delay] analytics record failed order=%s: %v", order.OrderID, err)
		}
	}

	if m.dispatcher != nil && order.CustomerPhone != "" {
		msg := fmt.Sprintf("Your order %s is running about %d minutes late. Sorry about that - it is still on its way.", order.OrderNumber, minutes)
		meta := map[string]string{"type": "delay_alert", "order_id": order.OrderID}
		if delivered := m.dispatcher.Send(ctx, order.CustomerPhone, msg, meta); !delivered {
			log.Printf("[delay] delay alert not delivered order=%s", order.OrderID)
		}
	}

	alert := map[string]interface{}{
		"order_id":      order.OrderID,
		"order_number":  order.OrderNumber,
		"delivery_area": order.DeliveryArea,
		"delay_minutes": minutes,
		"delay_reason":  DefaultReason,
	}
	m.publish(ctx, realtime.OrderRoom(order.OrderNumber), realtime.EventDelayAlert, alert)
	m.publish(ctx, realtime.OpsRoom, realtime.EventDelayAlert, alert)

	m.emitMetrics(ctx, order, minutes)

	log.Printf("[delay] order=%s marked delayed minutes=%d area=%s", order.OrderID, minutes, order.DeliveryArea)
	return nil
}

// Sweep runs the backup path: every non-terminal order whose estimated
// delivery time has passed and whose flag is still unset gets the same check
// the reactive path runs. Per-order failures are logged and the sweep keeps
// going. Returns the number of orders checked.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	due, err := m.orders.ListDueForDelayCheck(ctx, m.nowFunc())
	if err != nil {
		return 0, fmt.Errorf("list due orders: %w", err)
	}
	for _, o := range due {
		if err := m.CheckAndHandle(ctx, o.OrderID); err != nil {
			log.Printf("[delay] sweep check failed order=%s: %v", o.OrderID, err)
		}
	}
	return len(due), nil
}

func (m *Monitor) publish(ctx context.Context, room, event string, payload interface{}) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Publish(ctx, room, event, payload); err != nil {
		log.Printf("[delay] realtime publish failed room=%s: %v", room, err)
	}
}

func (m *Monitor) emitMetrics(ctx context.Context, order *orders.Order, minutes int) {
	if m.cw == nil {
		return
	}
	now := m.nowFunc()
	area := order.DeliveryArea
	if area == "" {
		area = "unknown"
	}
	dims := []cwtypes.Dimension{
		{Name: awsString("DeliveryArea"), Value: &area},
	}
	_, err := m.cw.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: awsString(metricNamespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: awsString("OrderDelayed"),
				Timestamp:  &now,
				Value:      awsFloat64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
			{
				MetricName: awsString("DelayMinutes"),
				Timestamp:  &now,
				Value:      awsFloat64(float64(minutes)),
				Unit:       cwtypes.StandardUnitNone,
				Dimensions: dims,
			},
		},
	})
	if err != nil {
		log.Printf("[delay] metric publish failed: %v", err)
	}
}

func awsFloat64(f float64) *float64 { return &f }
