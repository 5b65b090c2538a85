package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/deliverly/order-reliability/internal/aws"
)

// Rooms the socket tier exposes. Every order gets its own tracking room;
// the operations dashboard listens on a single global room.
const OpsRoom = "ops:dashboard"

// OrderRoom returns the tracking room for a human-facing order number.
func OrderRoom(orderNumber string) string {
	return "order:" + orderNumber
}

// Event names published into the rooms.
const (
	EventStatusUpdate   = "status-update"
	EventLocationUpdate = "location-update"
	EventDelayAlert     = "delay-alert"
	EventNewOrder       = "new-order"
	EventOrderUpdate    = "order-update"
)

// Notifier fans events out to the socket tier. Delivery is best-effort:
// callers log a publish failure and move on, they never roll back on it.
type Notifier interface {
	Publish(ctx context.Context, room, event string, payload interface{}) error
}

// SQSNotifier publishes room events onto the queue the socket tier consumes.
// Room and event travel as message attributes so consumers can route without
// decoding the body.
type SQSNotifier struct {
	sqsClient aws.SQSAPI
	queueURL  string
}

// NewSQSNotifier returns a notifier bound to a queue URL.
func NewSQSNotifier(sqsClient aws.SQSAPI, queueURL string) *SQSNotifier {
	return &SQSNotifier{
		sqsClient: sqsClient,
		queueURL:  queueURL,
	}
}

// Publish sends one event. The payload is marshaled to JSON as the message body.
func (n *SQSNotifier) Publish(ctx context.Context, room, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	bodyStr := string(body)
	input := &sqs.SendMessageInput{
		QueueUrl:    &n.queueURL,
		MessageBody: &bodyStr,
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"room": {
				DataType:    awsString("String"),
				StringValue: &room,
			},
			"event": {
				DataType:    awsString("String"),
				StringValue: &event,
			},
		},
	}

	if _, err := n.sqsClient.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
