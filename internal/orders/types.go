package orders

import "time"

// Order statuses. Lowercase values are what the API and the socket tier see.
const (
	StatusPlaced         = "placed"
	StatusConfirmed      = "confirmed"
	StatusPreparing      = "preparing"
	StatusReady          = "ready"
	StatusPickedUp       = "picked_up"
	StatusOutForDelivery = "out_for_delivery"
	StatusDelivered      = "delivered"
	StatusCancelled      = "cancelled"
	StatusFailed         = "failed"
)

// Payment state mirrored onto the order record by the payments reconciler.
const (
	PaymentUnpaid = "unpaid"
	PaymentPaid   = "paid"
	PaymentFailed = "failed"
)

// allowedTransitions is the domain transition table. A status missing from
// the map is terminal.
var allowedTransitions = map[string][]string{
	StatusPlaced:         {StatusConfirmed, StatusCancelled, StatusFailed},
	StatusConfirmed:      {StatusPreparing, StatusCancelled, StatusFailed},
	StatusPreparing:      {StatusReady, StatusCancelled, StatusFailed},
	StatusReady:          {StatusPickedUp, StatusCancelled, StatusFailed},
	StatusPickedUp:       {StatusOutForDelivery, StatusFailed},
	StatusOutForDelivery: {StatusDelivered, StatusFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to string) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outbound edges.
func IsTerminal(status string) bool {
	_, ok := allowedTransitions[status]
	return !ok
}

// customerVisible is the subset of statuses worth an SMS to the customer.
var customerVisible = map[string]bool{
	StatusPreparing:      true,
	StatusReady:          true,
	StatusOutForDelivery: true,
	StatusDelivered:      true,
}

// IsCustomerVisible reports whether a status change should notify the customer.
func IsCustomerVisible(status string) bool {
	return customerVisible[status]
}

// TrackingEvent is one entry in the append-only tracking log. Entries are
// never mutated or reordered once written.
type TrackingEvent struct {
	Status    string    `dynamodbav:"status" json:"status"`
	Timestamp time.Time `dynamodbav:"timestamp" json:"timestamp"`
	Location  string    `dynamodbav:"location,omitempty" json:"location,omitempty"`
	Note      string    `dynamodbav:"note,omitempty" json:"note,omitempty"`
}

// Order represents the item stored in the orders table.
type Order struct {
	OrderID       string                   `dynamodbav:"order_id" json:"order_id"`         // PK
	OrderNumber   string                   `dynamodbav:"order_number" json:"order_number"` // human-facing, immutable
	CustomerID    string                   `dynamodbav:"customer_id" json:"customer_id"`
	CustomerPhone string                   `dynamodbav:"customer_phone,omitempty" json:"customer_phone,omitempty"`
	DeliveryArea  string                   `dynamodbav:"delivery_area,omitempty" json:"delivery_area,omitempty"`
	Status        string                   `dynamodbav:"status" json:"status"`
	Amount        int64                    `dynamodbav:"amount" json:"amount"` // minor units
	Items         []map[string]interface{} `dynamodbav:"items,omitempty" json:"items,omitempty"`
	Metadata      map[string]interface{}   `dynamodbav:"metadata,omitempty" json:"metadata,omitempty"`

	// estimated_delivery_time is stored as epoch seconds so the backup sweep
	// can range-compare it inside a filter expression.
	EstimatedDeliveryTime time.Time  `dynamodbav:"estimated_delivery_time,unixtime" json:"estimated_delivery_time"`
	ActualDeliveryTime    *time.Time `dynamodbav:"actual_delivery_time,omitempty" json:"actual_delivery_time,omitempty"`

	IsDelayed    bool   `dynamodbav:"is_delayed" json:"is_delayed"`
	DelayMinutes int    `dynamodbav:"delay_minutes,omitempty" json:"delay_minutes,omitempty"`
	DelayReason  string `dynamodbav:"delay_reason,omitempty" json:"delay_reason,omitempty"`

	TrackingEvents []TrackingEvent `dynamodbav:"tracking_events,omitempty" json:"tracking_events,omitempty"`
	PaymentStatus  string          `dynamodbav:"payment_status" json:"payment_status"`

	// PaymentReference is the initiation claim: the reference of the payment
	// currently allowed to collect for this order. Set with a conditional
	// write so concurrent initiations cannot both create a payment.
	PaymentReference string `dynamodbav:"payment_reference,omitempty" json:"payment_reference,omitempty"`

	CreatedAt time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updated_at"`
}
