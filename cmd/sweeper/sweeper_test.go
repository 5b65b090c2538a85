package main

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/deliverly/order-reliability/internal/delay"
	"github.com/deliverly/order-reliability/internal/orders"
)

// mockDynamo backs just the orders table operations a sweep issues.
type mockDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	return nil, errors.New("put not supported by this mock")
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := params.Key["order_id"].(*types.AttributeValueMemberS).Value
	item, ok := m.items[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := params.Key["order_id"].(*types.AttributeValueMemberS).Value
	item, exists := m.items[pk]
	if !exists {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == "is_delayed = :false" {
		if d, ok := item["is_delayed"].(*types.AttributeValueMemberBOOL); !ok || d.Value {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	expr := *params.UpdateExpression
	if strings.Contains(expr, "is_delayed = :true") {
		item["is_delayed"] = &types.AttributeValueMemberBOOL{Value: true}
	}
	if strings.Contains(expr, "delay_minutes = :dm") {
		item["delay_minutes"] = params.ExpressionAttributeValues[":dm"]
	}
	if strings.Contains(expr, "delay_reason = :dr") {
		item["delay_reason"] = params.ExpressionAttributeValues[":dr"]
	}
	m.items[pk] = item
	return &dyn.UpdateItemOutput{}, nil
}

func (m *mockDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	return nil, errors.New("query not supported by this mock")
}

func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff, err := strconv.ParseInt(params.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
	if err != nil {
		return nil, err
	}
	out := &dyn.ScanOutput{}
	for _, item := range m.items {
		if d, ok := item["is_delayed"].(*types.AttributeValueMemberBOOL); !ok || d.Value {
			continue
		}
		est, ok := item["estimated_delivery_time"].(*types.AttributeValueMemberN)
		if !ok {
			continue
		}
		estEpoch, err := strconv.ParseInt(est.Value, 10, 64)
		if err != nil || estEpoch >= cutoff {
			continue
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("transact not supported by this mock")
}

func TestSweeperRun_MarksOverdueOrderDelayed(t *testing.T) {
	mock := newMockDynamo()
	// created 41 minutes ago with a 30 minute estimate: 11 minutes late
	created := time.Now().UTC().Add(-41 * time.Minute)

	order := orders.Order{
		OrderID:               "o1",
		OrderNumber:           "DLV-o1",
		CustomerID:            "c1",
		Status:                orders.StatusPreparing,
		Amount:                250000,
		PaymentStatus:         orders.PaymentUnpaid,
		EstimatedDeliveryTime: created.Add(30 * time.Minute),
		CreatedAt:             created,
		UpdatedAt:             created,
	}
	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		t.Fatalf("marshal order: %v", err)
	}
	mock.items["o1"] = item

	// analytics, dispatcher, notifier and metrics all disabled; the sweep
	// itself still has to flip the flag
	monitor := delay.NewMonitor(orders.NewStore(mock, "orders"), nil, nil, nil, nil)
	s := newSweeper(monitor)

	if err := s.Handle(context.Background(), events.CloudWatchEvent{Time: time.Now().UTC()}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := orders.NewStore(mock, "orders").Get(context.Background(), "o1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !got.IsDelayed {
		t.Fatalf("expected the sweep to mark the order delayed")
	}
	if got.DelayMinutes < 11 {
		t.Fatalf("expected at least 11 delay minutes, got %d", got.DelayMinutes)
	}
}
