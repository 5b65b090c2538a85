package delay

import (
	"context"
	"fmt"
	"time"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/deliverly/order-reliability/internal/aws"
)

// AnalyticsStore upserts per-bucket delay counters. The compound bucket key
// (date + area + time of day) is what keeps one row per bucket: repeated
// delays in the same bucket increment the counter instead of creating rows.
type AnalyticsStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

// NewAnalyticsStore creates an AnalyticsStore bound to a table.
func NewAnalyticsStore(client aws.DynamoDBAPI, tableName string) *AnalyticsStore {
	return &AnalyticsStore{
		client:    client,
		tableName: tableName,
	}
}

// TimeOfDay buckets an hour of day into a coarse label.
func TimeOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h < 6:
		return "night"
	case h < 12:
		return "morning"
	case h < 17:
		return "afternoon"
	case h < 22:
		return "evening"
	default:
		return "night"
	}
}

// BucketKey builds the compound key for a delay occurrence.
func BucketKey(at time.Time, area string) string {
	if area == "" {
		area = "unknown"
	}
	return fmt.Sprintf("%s#%s#%s", at.Format("2006-01-02"), area, TimeOfDay(at))
}

// RecordDelay adds one delayed order to the bucket covering the given moment
// and area. A single UpdateItem upsert; no read-then-write.
func (s *AnalyticsStore) RecordDelay(ctx context.Context, at time.Time, area string, delayMinutes int) error {
	at = at.UTC()
	if area == "" {
		area = "unknown"
	}
	key := BucketKey(at, area)

	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"bucket_key": &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression: awsString("SET bucket_date = :d, delivery_area = :a, time_of_day = :t, updated_at = :ua ADD delayed_orders :one, total_delay_minutes :dm"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d":   &types.AttributeValueMemberS{Value: at.Format("2006-01-02")},
			":a":   &types.AttributeValueMemberS{Value: area},
			":t":   &types.AttributeValueMemberS{Value: TimeOfDay(at)},
			":ua":  &types.AttributeValueMemberS{Value: at.Format(time.RFC3339)},
			":one": &types.AttributeValueMemberN{Value: "1"},
			":dm":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", delayMinutes)},
		},
	}

	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return fmt.Errorf("record delay bucket: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
