package orders

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo is a small in-memory stand-in for DynamoDB. It understands only
// the expressions this package actually issues; anything else is applied
// naively. Items are stored per table keyed by order_id or idempotency_key.
type mockDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{
		tables: map[string]map[string]map[string]types.AttributeValue{},
	}
}

func (m *mockDynamo) ensureTable(tbl string) {
	if _, ok := m.tables[tbl]; !ok {
		m.tables[tbl] = map[string]map[string]types.AttributeValue{}
	}
}

func itemPK(item map[string]types.AttributeValue) (string, error) {
	if v, ok := item["order_id"]; ok {
		return v.(*types.AttributeValueMemberS).Value, nil
	}
	if v, ok := item["idempotency_key"]; ok {
		return v.(*types.AttributeValueMemberS).Value, nil
	}
	return "", errors.New("no primary key in item")
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	m.ensureTable(table)
	pk, err := itemPK(params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil && strings.HasPrefix(*params.ConditionExpression, "attribute_not_exists") {
		if _, exists := m.tables[table][pk]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.tables[table][pk] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	m.ensureTable(table)
	pk, err := itemPK(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	m.ensureTable(table)
	pk, err := itemPK(params.Key)
	if err != nil {
		return nil, err
	}
	item, exists := m.tables[table][pk]

	// evaluate the condition before touching anything
	if params.ConditionExpression != nil {
		cond := *params.ConditionExpression
		if !exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
		switch {
		case cond == "#s = :expected":
			curr, ok := item["status"].(*types.AttributeValueMemberS)
			expected := params.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberS).Value
			if !ok || curr.Value != expected {
				return nil, &types.ConditionalCheckFailedException{}
			}
		case cond == "is_delayed = :false":
			curr, ok := item["is_delayed"].(*types.AttributeValueMemberBOOL)
			if !ok || curr.Value {
				return nil, &types.ConditionalCheckFailedException{}
			}
		case cond == "is_delayed = :true":
			curr, ok := item["is_delayed"].(*types.AttributeValueMemberBOOL)
			if !ok || !curr.Value {
				return nil, &types.ConditionalCheckFailedException{}
			}
		case cond == "attribute_exists(order_id) AND attribute_not_exists(payment_reference)":
			if _, ok := item["payment_reference"]; ok {
				return nil, &types.ConditionalCheckFailedException{}
			}
		case cond == "payment_reference = :old" || cond == "payment_reference = :ref":
			valueKey := ":old"
			if _, ok := params.ExpressionAttributeValues[":ref"]; ok {
				valueKey = ":ref"
			}
			want := params.ExpressionAttributeValues[valueKey].(*types.AttributeValueMemberS).Value
			if curr, ok := item["payment_reference"].(*types.AttributeValueMemberS); !ok || curr.Value != want {
				return nil, &types.ConditionalCheckFailedException{}
			}
		}
	} else if !exists {
		return nil, errors.New("item not found")
	}

	expr := ""
	if params.UpdateExpression != nil {
		expr = *params.UpdateExpression
	}
	set := func(attr, valueKey string) {
		if strings.Contains(expr, attr+" = "+valueKey) {
			if v, ok := params.ExpressionAttributeValues[valueKey]; ok {
				item[attr] = v
			}
		}
	}
	if strings.Contains(expr, "#s = :new") {
		item["status"] = params.ExpressionAttributeValues[":new"]
	}
	set("updated_at", ":ua")
	set("actual_delivery_time", ":adt")
	set("is_delayed", ":true")
	set("delay_minutes", ":dm")
	set("delay_reason", ":dr")
	set("payment_status", ":ps")
	set("payment_reference", ":ref")
	set("payment_reference", ":new")
	if strings.Contains(expr, "REMOVE payment_reference") {
		delete(item, "payment_reference")
	}
	if strings.Contains(expr, "tracking_events = list_append") {
		appended := params.ExpressionAttributeValues[":ev"].(*types.AttributeValueMemberL).Value
		var existing []types.AttributeValue
		if curr, ok := item["tracking_events"].(*types.AttributeValueMemberL); ok {
			existing = curr.Value
		}
		item["tracking_events"] = &types.AttributeValueMemberL{Value: append(existing, appended...)}
	}

	m.tables[table][pk] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (m *mockDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	return nil, errors.New("query not supported by this mock")
}

// Scan implements just the due-for-delay-check filter.
func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	m.ensureTable(table)

	cutoff, err := strconv.ParseInt(params.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
	if err != nil {
		return nil, err
	}
	terminal := map[string]bool{StatusDelivered: true, StatusCancelled: true, StatusFailed: true}

	out := &dyn.ScanOutput{}
	for _, item := range m.tables[table] {
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
		if st, ok := item["status"].(*types.AttributeValueMemberS); ok && terminal[st.Value] {
			continue
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range params.TransactItems {
		if p := it.Put; p != nil {
			if p.ConditionExpression != nil && strings.HasPrefix(*p.ConditionExpression, "attribute_not_exists") {
				table := *p.TableName
				m.ensureTable(table)
				pk, err := itemPK(p.Item)
				if err != nil {
					return nil, err
				}
				if _, exists := m.tables[table][pk]; exists {
					return nil, &types.TransactionCanceledException{}
				}
			}
		}
	}
	for _, it := range params.TransactItems {
		if p := it.Put; p != nil {
			table := *p.TableName
			m.ensureTable(table)
			pk, err := itemPK(p.Item)
			if err != nil {
				return nil, err
			}
			m.tables[table][pk] = p.Item
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func seedOrder(t *testing.T, mock *mockDynamo, table string, o Order) {
	t.Helper()
	mock.ensureTable(table)
	item, err := attributevalue.MarshalMap(o)
	if err != nil {
		t.Fatalf("marshal order: %v", err)
	}
	mock.tables[table][o.OrderID] = item
}

func baseOrder(id, status string) Order {
	now := time.Now().UTC()
	return Order{
		OrderID:               id,
		OrderNumber:           "DLV-" + id,
		CustomerID:            "cust-1",
		CustomerPhone:         "+2348012345678",
		DeliveryArea:          "lekki",
		Status:                status,
		Amount:                550000,
		PaymentStatus:         PaymentUnpaid,
		EstimatedDeliveryTime: now.Add(30 * time.Minute),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

func TestCreateWithIdempotencyTransaction_Success(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")

	now := time.Now().UTC()
	idemp := map[string]interface{}{
		"idempotency_key": "key-1",
		"status":          "IN_PROGRESS",
		"created_at":      now.Format(time.RFC3339),
		"updated_at":      now.Format(time.RFC3339),
	}
	order := baseOrder("order-1", StatusPlaced)
	order.TrackingEvents = []TrackingEvent{{Status: StatusPlaced, Timestamp: now, Note: "order placed"}}

	if err := store.CreateWithIdempotencyTransaction(context.Background(), mock, "idempotency", idemp, order, 48*time.Hour); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if _, ok := mock.tables["idempotency"]["key-1"]; !ok {
		t.Fatalf("idempotency item not stored")
	}
	orderItem, ok := mock.tables["orders"]["order-1"]
	if !ok {
		t.Fatalf("order item not stored")
	}
	var got Order
	if err := attributevalue.UnmarshalMap(orderItem, &got); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if got.OrderID != order.OrderID || got.OrderNumber != order.OrderNumber {
		t.Fatalf("order identity mismatch: %+v", got)
	}
	if len(got.TrackingEvents) != 1 || got.TrackingEvents[0].Status != StatusPlaced {
		t.Fatalf("expected seeded placed tracking event, got %+v", got.TrackingEvents)
	}
}

func TestCreateWithIdempotencyTransaction_ExistingKey_Fails(t *testing.T) {
	mock := newMockDynamo()
	mock.ensureTable("idempotency")
	mock.tables["idempotency"]["key-2"] = map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: "key-2"},
		"status":          &types.AttributeValueMemberS{Value: "DONE"},
	}

	store := NewStore(mock, "orders")
	idemp := map[string]interface{}{"idempotency_key": "key-2", "status": "IN_PROGRESS"}

	err := store.CreateWithIdempotencyTransaction(context.Background(), mock, "idempotency", idemp, baseOrder("order-2", StatusPlaced), 48*time.Hour)
	if err == nil {
		t.Fatalf("expected transaction canceled error, got nil")
	}
}

func TestUpdateStatusWithEvent_ConditionalTransition(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	seedOrder(t, mock, "orders", baseOrder("order-10", StatusPlaced))

	ev := TrackingEvent{Status: StatusConfirmed, Timestamp: time.Now().UTC(), Note: "status changed to confirmed"}
	if err := store.UpdateStatusWithEvent(context.Background(), "order-10", StatusPlaced, StatusConfirmed, ev, nil); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	got, err := store.Get(context.Background(), "order-10")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Fatalf("status not updated: %s", got.Status)
	}
	if len(got.TrackingEvents) != 1 {
		t.Fatalf("expected one appended tracking event, got %d", len(got.TrackingEvents))
	}

	// stale expected status must lose
	err = store.UpdateStatusWithEvent(context.Background(), "order-10", StatusPlaced, StatusCancelled, ev, nil)
	if !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}
}

func TestUpdateStatusWithEvent_DeliveredStampsActualTime(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	seedOrder(t, mock, "orders", baseOrder("order-11", StatusOutForDelivery))

	deliveredAt := time.Now().UTC().Truncate(time.Second)
	ev := TrackingEvent{Status: StatusDelivered, Timestamp: deliveredAt}
	if err := store.UpdateStatusWithEvent(context.Background(), "order-11", StatusOutForDelivery, StatusDelivered, ev, &deliveredAt); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	got, err := store.Get(context.Background(), "order-11")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ActualDeliveryTime == nil || !got.ActualDeliveryTime.Equal(deliveredAt) {
		t.Fatalf("actual delivery time not stamped: %+v", got.ActualDeliveryTime)
	}
}

func TestMarkDelayed_FlipsExactlyOnce(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	seedOrder(t, mock, "orders", baseOrder("order-20", StatusPreparing))

	flipped, err := store.MarkDelayed(context.Background(), "order-20", 12, "running behind")
	if err != nil {
		t.Fatalf("mark delayed: %v", err)
	}
	if !flipped {
		t.Fatalf("expected first caller to flip the flag")
	}

	flipped, err = store.MarkDelayed(context.Background(), "order-20", 15, "running behind")
	if err != nil {
		t.Fatalf("second mark delayed: %v", err)
	}
	if flipped {
		t.Fatalf("expected second caller to lose the flip")
	}

	got, err := store.Get(context.Background(), "order-20")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsDelayed || got.DelayMinutes != 12 {
		t.Fatalf("unexpected delay state: delayed=%v minutes=%d", got.IsDelayed, got.DelayMinutes)
	}

	// minutes refresh for the loser path
	if err := store.UpdateDelayMinutes(context.Background(), "order-20", 15); err != nil {
		t.Fatalf("update delay minutes: %v", err)
	}
	got, _ = store.Get(context.Background(), "order-20")
	if got.DelayMinutes != 15 {
		t.Fatalf("delay minutes not refreshed: %d", got.DelayMinutes)
	}
}

func TestClaimPaymentReference_SingleWinner(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	seedOrder(t, mock, "orders", baseOrder("order-40", StatusPlaced))

	claimed, err := store.ClaimPaymentReference(context.Background(), "order-40", "ref-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed {
		t.Fatalf("expected first claim to win")
	}

	claimed, err = store.ClaimPaymentReference(context.Background(), "order-40", "ref-b")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatalf("expected second claim to lose")
	}

	got, err := store.Get(context.Background(), "order-40")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PaymentReference != "ref-a" {
		t.Fatalf("claim holder = %q, want ref-a", got.PaymentReference)
	}

	// missing order never acquires a claim
	claimed, err = store.ClaimPaymentReference(context.Background(), "order-nope", "ref-c")
	if err != nil {
		t.Fatalf("claim on missing order: %v", err)
	}
	if claimed {
		t.Fatalf("claim must not succeed for a missing order")
	}
}

func TestReplaceAndReleasePaymentReference(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	o := baseOrder("order-41", StatusPlaced)
	seedOrder(t, mock, "orders", o)

	if _, err := store.ClaimPaymentReference(context.Background(), "order-41", "ref-dead"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	swapped, err := store.ReplacePaymentReference(context.Background(), "order-41", "ref-dead", "ref-live")
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if !swapped {
		t.Fatalf("expected swap from the current holder to win")
	}

	// a second swap from the stale holder loses
	swapped, err = store.ReplacePaymentReference(context.Background(), "order-41", "ref-dead", "ref-other")
	if err != nil {
		t.Fatalf("stale replace: %v", err)
	}
	if swapped {
		t.Fatalf("stale holder must not swap the claim")
	}

	// release by a non-holder leaves the claim alone
	if err := store.ReleasePaymentReference(context.Background(), "order-41", "ref-dead"); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	got, _ := store.Get(context.Background(), "order-41")
	if got.PaymentReference != "ref-live" {
		t.Fatalf("claim holder = %q, want ref-live", got.PaymentReference)
	}

	// release by the holder drops it
	if err := store.ReleasePaymentReference(context.Background(), "order-41", "ref-live"); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ = store.Get(context.Background(), "order-41")
	if got.PaymentReference != "" {
		t.Fatalf("claim not released: %q", got.PaymentReference)
	}
}

func TestListDueForDelayCheck(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	now := time.Now().UTC()

	overdue := baseOrder("order-30", StatusPreparing)
	overdue.EstimatedDeliveryTime = now.Add(-20 * time.Minute)
	seedOrder(t, mock, "orders", overdue)

	alreadyDelayed := baseOrder("order-31", StatusPreparing)
	alreadyDelayed.EstimatedDeliveryTime = now.Add(-20 * time.Minute)
	alreadyDelayed.IsDelayed = true
	seedOrder(t, mock, "orders", alreadyDelayed)

	notDue := baseOrder("order-32", StatusPreparing)
	notDue.EstimatedDeliveryTime = now.Add(20 * time.Minute)
	seedOrder(t, mock, "orders", notDue)

	delivered := baseOrder("order-33", StatusDelivered)
	delivered.EstimatedDeliveryTime = now.Add(-20 * time.Minute)
	seedOrder(t, mock, "orders", delivered)

	due, err := store.ListDueForDelayCheck(context.Background(), now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].OrderID != "order-30" {
		t.Fatalf("expected only order-30 due, got %+v", due)
	}
}
