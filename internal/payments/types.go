package payments

import "time"

// Payment statuses. pending is the only non-terminal state; a payment
// transitions to exactly one of the others and at most one payment per order
// ever reaches success.
const (
	StatusPending   = "pending"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Payment is one row per initiated payment attempt against an order.
type Payment struct {
	Reference        string     `dynamodbav:"reference" json:"reference"` // PK, client-visible, immutable
	OrderID          string     `dynamodbav:"order_id" json:"order_id"`
	Email            string     `dynamodbav:"email,omitempty" json:"email,omitempty"`
	Amount           int64      `dynamodbav:"amount" json:"amount"` // minor units
	Currency         string     `dynamodbav:"currency" json:"currency"`
	Status           string     `dynamodbav:"status" json:"status"`
	AuthorizationURL string     `dynamodbav:"authorization_url,omitempty" json:"authorization_url,omitempty"`
	AccessCode       string     `dynamodbav:"access_code,omitempty" json:"access_code,omitempty"`
	PaidAt           *time.Time `dynamodbav:"paid_at,omitempty" json:"paid_at,omitempty"` // set once, on success
	ProviderResponse string     `dynamodbav:"provider_response,omitempty" json:"-"`       // last raw provider payload, audit only
	CreatedAt        time.Time  `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `dynamodbav:"updated_at" json:"updated_at"`
}
