package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"

	"github.com/deliverly/order-reliability/internal/aws"
)

// Notification statuses
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Notification is one row per logical message: the whole retry sequence
// collapses into a single record carrying the final status and total
// attempt count.
type Notification struct {
	NotificationID    string    `dynamodbav:"notification_id"` // PK
	Type              string    `dynamodbav:"type"`
	Channel           string    `dynamodbav:"channel"`
	Recipient         string    `dynamodbav:"recipient"`
	Message           string    `dynamodbav:"message"`
	Status            string    `dynamodbav:"status"`
	Attempts          int       `dynamodbav:"attempts"`
	ProviderMessageID string    `dynamodbav:"provider_message_id,omitempty"`
	ErrorMessage      string    `dynamodbav:"error_message,omitempty"`
	OrderID           string    `dynamodbav:"order_id,omitempty"`
	CreatedAt         time.Time `dynamodbav:"created_at"`
}

// Store persists notification outcomes.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a notifications Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Record writes one notification outcome row. Assigns an id and timestamp if
// the caller left them empty.
func (s *Store) Record(ctx context.Context, n Notification) error {
	if n.NotificationID == "" {
		n.NotificationID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.nowFunc().UTC()
	}

	item, err := attributevalue.MarshalMap(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put notification: %w", err)
	}
	return nil
}
