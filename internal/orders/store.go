package orders

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

var (
	// ErrNotFound indicates the referenced order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrStatusMismatch indicates a conditional status transition lost to a
	// concurrent writer (the order is no longer in the expected status).
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
)

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// CreateWithIdempotencyTransaction atomically creates:
//   - the request-idempotency record in idempotencyTable (guarded by
//     attribute_not_exists(idempotency_key))
//   - the order record in the orders table
//
// so a duplicate placement can never half-create an order.
// idempotencyItem must marshal with an idempotency_key attribute present.
func (s *Store) CreateWithIdempotencyTransaction(ctx context.Context, dynamo aws.DynamoDBAPI, idempotencyTable string, idempotencyItem interface{}, order Order, ttlWindow time.Duration) error {
	idempMap, err := attributevalue.MarshalMap(idempotencyItem)
	if err != nil {
		return fmt.Errorf("marshal idempotency item: %w", err)
	}
	if _, ok := idempMap["expires_at"]; !ok && ttlWindow > 0 {
		expires := s.nowFunc().Add(ttlWindow).Unix()
		idempMap["expires_at"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expires)}
	}

	now := s.nowFunc()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &idempotencyTable,
				Item:                idempMap,
				ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
			},
		},
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                orderMap,
				ConditionExpression: awsString("attribute_not_exists(order_id)"),
			},
		},
	}

	_, err = dynamo.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return fmt.Errorf("transaction canceled (likely idempotency key exists): %w", err)
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// UpdateStatusWithEvent conditionally moves the order from expectedStatus to
// newStatus, appending one tracking event in the same write. When deliveredAt
// is non-nil the actual delivery time is stamped as part of the update.
// Returns ErrStatusMismatch if a concurrent writer got there first.
func (s *Store) UpdateStatusWithEvent(ctx context.Context, orderID, expectedStatus, newStatus string, ev TrackingEvent, deliveredAt *time.Time) error {
	now := s.nowFunc()

	evList, err := attributevalue.MarshalList([]TrackingEvent{ev})
	if err != nil {
		return fmt.Errorf("marshal tracking event: %w", err)
	}

	updateExpr := "SET #s = :new, updated_at = :ua, tracking_events = list_append(if_not_exists(tracking_events, :empty), :ev)"
	values := map[string]types.AttributeValue{
		":new":      &types.AttributeValueMemberS{Value: newStatus},
		":expected": &types.AttributeValueMemberS{Value: expectedStatus},
		":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		":empty":    &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":ev":       &types.AttributeValueMemberL{Value: evList},
	}
	if deliveredAt != nil {
		updateExpr += ", actual_delivery_time = :adt"
		values[":adt"] = &types.AttributeValueMemberS{Value: deliveredAt.UTC().Format(time.RFC3339)}
	}

	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:          &updateExpr,
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
		ConditionExpression:       awsString("#s = :expected"),
	}

	_, err = s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// AppendTrackingEvent appends one event to the tracking log without touching
// the status. Returns ErrNotFound if the order does not exist.
func (s *Store) AppendTrackingEvent(ctx context.Context, orderID string, ev TrackingEvent) error {
	now := s.nowFunc()

	evList, err := attributevalue.MarshalList([]TrackingEvent{ev})
	if err != nil {
		return fmt.Errorf("marshal tracking event: %w", err)
	}

	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression: awsString("SET updated_at = :ua, tracking_events = list_append(if_not_exists(tracking_events, :empty), :ev)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ua":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":ev":    &types.AttributeValueMemberL{Value: evList},
		},
		ConditionExpression: awsString("attribute_exists(order_id)"),
	}

	_, err = s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return ErrNotFound
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// MarkDelayed flips is_delayed false -> true in a single conditional write.
// Returns (true, nil) only for the writer that actually flipped the flag;
// every concurrent or repeated caller gets (false, nil). This is the guard
// that keeps delay alerting exactly-once under racing checks.
func (s *Store) MarkDelayed(ctx context.Context, orderID string, minutes int, reason string) (bool, error) {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression: awsString("SET is_delayed = :true, delay_minutes = :dm, delay_reason = :dr, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":dm":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", minutes)},
			":dr":    &types.AttributeValueMemberS{Value: reason},
			":ua":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString("is_delayed = :false"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return false, nil
		}
		return false, fmt.Errorf("update item (mark delayed): %w", err)
	}
	return true, nil
}

// UpdateDelayMinutes refreshes delay_minutes on an already-delayed order.
// Last-write-wins is acceptable here; a stale minutes value self-corrects on
// the next check. A no-op if the delayed flag is not set.
func (s *Store) UpdateDelayMinutes(ctx context.Context, orderID string, minutes int) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression: awsString("SET delay_minutes = :dm, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":dm":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", minutes)},
			":true": &types.AttributeValueMemberBOOL{Value: true},
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString("is_delayed = :true"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return nil
		}
		return fmt.Errorf("update item (delay minutes): %w", err)
	}
	return nil
}

// SetPaymentStatus writes the payment state mirrored onto the order record.
// Returns ErrNotFound if the order does not exist.
func (s *Store) SetPaymentStatus(ctx context.Context, orderID, paymentStatus string) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression: awsString("SET payment_status = :ps, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ps": &types.AttributeValueMemberS{Value: paymentStatus},
			":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString("attribute_exists(order_id)"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return ErrNotFound
		}
		return fmt.Errorf("update item (payment status): %w", err)
	}
	return nil
}

// ClaimPaymentReference records reference as the order's active payment
// initiation. The write is conditioned on no claim existing yet, so out of
// any number of concurrent initiations exactly one caller gets (true, nil)
// and proceeds to create a payment. Returns (false, nil) when another claim
// is already in place or the order does not exist.
func (s *Store) ClaimPaymentReference(ctx context.Context, orderID, reference string) (bool, error) {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression: awsString("SET payment_reference = :ref, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ref": &types.AttributeValueMemberS{Value: reference},
			":ua":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString("attribute_exists(order_id) AND attribute_not_exists(payment_reference)"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return false, nil
		}
		return false, fmt.Errorf("update item (claim payment reference): %w", err)
	}
	return true, nil
}

// ReplacePaymentReference swaps the claim from a dead payment (failed or
// cancelled) to a fresh reference. Conditioned on the old reference still
// holding the claim, so two callers retrying the same dead payment cannot
// both win.
func (s *Store) ReplacePaymentReference(ctx context.Context, orderID, oldReference, newReference string) (bool, error) {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression: awsString("SET payment_reference = :new, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new": &types.AttributeValueMemberS{Value: newReference},
			":old": &types.AttributeValueMemberS{Value: oldReference},
			":ua":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString("payment_reference = :old"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return false, nil
		}
		return false, fmt.Errorf("update item (replace payment reference): %w", err)
	}
	return true, nil
}

// ReleasePaymentReference drops the claim if reference still holds it. Used
// when initiation fails after claiming, so the order is not locked out of
// payment. A claim held by someone else is left alone.
func (s *Store) ReleasePaymentReference(ctx context.Context, orderID, reference string) error {
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression: awsString("REMOVE payment_reference"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ref": &types.AttributeValueMemberS{Value: reference},
		},
		ConditionExpression: awsString("payment_reference = :ref"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return nil
		}
		return fmt.Errorf("update item (release payment reference): %w", err)
	}
	return nil
}

// ListDueForDelayCheck scans for non-terminal orders whose estimated delivery
// time has passed and whose delayed flag has not been set yet. This feeds the
// backup sweep; pagination follows LastEvaluatedKey until exhausted.
func (s *Store) ListDueForDelayCheck(ctx context.Context, now time.Time) ([]Order, error) {
	filter := "is_delayed = :false AND estimated_delivery_time < :now AND NOT (#s IN (:delivered, :cancelled, :failed))"
	values := map[string]types.AttributeValue{
		":false":     &types.AttributeValueMemberBOOL{Value: false},
		":now":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		":delivered": &types.AttributeValueMemberS{Value: StatusDelivered},
		":cancelled": &types.AttributeValueMemberS{Value: StatusCancelled},
		":failed":    &types.AttributeValueMemberS{Value: StatusFailed},
	}

	var due []Order
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:                 &s.tableName,
			FilterExpression:          &filter,
			ExpressionAttributeNames:  map[string]string{"#s": "status"},
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan orders: %w", err)
		}
		for _, item := range out.Items {
			var o Order
			if err := attributevalue.UnmarshalMap(item, &o); err != nil {
				return nil, fmt.Errorf("unmarshal order: %w", err)
			}
			due = append(due, o)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return due, nil
}

func awsString(s string) *string { return &s }
