package validation

// Item represents a single order line item. Prices are in minor units
// (kobo), never floats.
type Item struct {
	Name     string `json:"name" validate:"required"`
	Quantity int    `json:"quantity" validate:"required,min=1"` // must be >= 1
	Price    int64  `json:"price" validate:"required,gt=0"`     // price per unit, minor units
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	CustomerID       string            `json:"customer_id" validate:"required"` // business id for customer
	CustomerPhone    string            `json:"customer_phone" validate:"required"`
	DeliveryArea     string            `json:"delivery_area"`
	Items            []Item            `json:"items" validate:"required,min=1,dive"` // at least one item
	Amount           int64             `json:"amount" validate:"required,gt=0"`      // total the client claims, minor units
	EstimatedMinutes int               `json:"estimated_minutes" validate:"required,min=5,max=240"`
	Metadata         map[string]string `json:"metadata,omitempty"` // optional free-form metadata
}

// UpdateStatusRequest is the payload for PATCH /orders/:id/status
type UpdateStatusRequest struct {
	Status   string `json:"status" validate:"required,oneof=placed confirmed preparing ready picked_up out_for_delivery delivered cancelled failed"`
	Location string `json:"location,omitempty"`
}

// LocationUpdateRequest is the payload for POST /orders/:id/location
type LocationUpdateRequest struct {
	Location string `json:"location" validate:"required"`
	Note     string `json:"note,omitempty"`
}

// InitializePaymentRequest is the payload for POST /payments/initialize
type InitializePaymentRequest struct {
	OrderID     string `json:"order_id" validate:"required"`
	Email       string `json:"email" validate:"required,email"`
	Amount      int64  `json:"amount" validate:"required,gt=0"` // minor units
	CallbackURL string `json:"callback_url" validate:"omitempty,url"`
}
