package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/deliverly/order-reliability/internal/aws"
)

// orderIndex is the GSI used to find every payment raised against an order.
const orderIndex = "order_id-index"

// Store encapsulates operations on the payments table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a payments Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create inserts a new payment record. The reference is the primary key and
// must not exist yet.
func (s *Store) Create(ctx context.Context, p Payment) error {
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(reference)"),
	})
	if err != nil {
		return fmt.Errorf("put payment: %w", err)
	}
	return nil
}

// GetByReference fetches a payment. Returns (nil, nil) if not found.
func (s *Store) GetByReference(ctx context.Context, reference string) (*Payment, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"reference": &types.AttributeValueMemberS{Value: reference},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Payment
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payment: %w", err)
	}
	return &p, nil
}

// FindByOrder returns every payment raised against an order, via the
// order_id GSI.
func (s *Store) FindByOrder(ctx context.Context, orderID string) ([]Payment, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(orderIndex),
		KeyConditionExpression: awsString("order_id = :oid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":oid": &types.AttributeValueMemberS{Value: orderID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query payments by order: %w", err)
	}

	payments := make([]Payment, 0, len(out.Items))
	for _, item := range out.Items {
		var p Payment
		if err := attributevalue.UnmarshalMap(item, &p); err != nil {
			return nil, fmt.Errorf("unmarshal payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, nil
}

// MarkSuccess flips the payment to success in a single conditional write.
// Returns (true, nil) only for the caller that actually applied the flip;
// a replayed webhook or a racing verify gets (false, nil). paid_at is only
// ever written by the winning caller, so it is set exactly once.
func (s *Store) MarkSuccess(ctx context.Context, reference string, paidAt time.Time, providerResponse string) (bool, error) {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"reference": &types.AttributeValueMemberS{Value: reference},
		},
		UpdateExpression:         awsString("SET #s = :success, paid_at = :pa, provider_response = :pr, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":success": &types.AttributeValueMemberS{Value: StatusSuccess},
			":pa":      &types.AttributeValueMemberS{Value: paidAt.UTC().Format(time.RFC3339)},
			":pr":      &types.AttributeValueMemberS{Value: providerResponse},
			":ua":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString("#s <> :success"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return false, nil
		}
		return false, fmt.Errorf("update payment (mark success): %w", err)
	}
	return true, nil
}

// MarkFailed sets the payment to failed, keeping the raw provider payload
// for audit. A payment that already reached success is never demoted: that
// case returns (false, nil) so callers skip the failure side effects too.
// failed -> failed reapplies and is safe to repeat.
func (s *Store) MarkFailed(ctx context.Context, reference, providerResponse string) (bool, error) {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"reference": &types.AttributeValueMemberS{Value: reference},
		},
		UpdateExpression:         awsString("SET #s = :failed, provider_response = :pr, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":  &types.AttributeValueMemberS{Value: StatusFailed},
			":success": &types.AttributeValueMemberS{Value: StatusSuccess},
			":pr":      &types.AttributeValueMemberS{Value: providerResponse},
			":ua":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString("#s <> :success"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return false, nil
		}
		return false, fmt.Errorf("update payment (mark failed): %w", err)
	}
	return true, nil
}

func awsString(s string) *string { return &s }
