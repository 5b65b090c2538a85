package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/deliverly/order-reliability/internal/aws"
	"github.com/deliverly/order-reliability/internal/delay"
	"github.com/deliverly/order-reliability/internal/notify"
	"github.com/deliverly/order-reliability/internal/orders"
	"github.com/deliverly/order-reliability/internal/realtime"
)

// sweepInterval is the local-mode cadence. In Lambda the schedule comes from
// the CloudWatch rule instead.
const sweepInterval = 5 * time.Minute

func main() {
	ctx := context.Background()

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	ordersStore := orders.NewStore(clients.DynamoDB, os.Getenv("ORDERS_TABLE"))
	analytics := delay.NewAnalyticsStore(clients.DynamoDB, os.Getenv("ANALYTICS_TABLE"))
	notifyStore := notify.NewStore(clients.DynamoDB, os.Getenv("NOTIFICATIONS_TABLE"))
	notifier := realtime.NewSQSNotifier(clients.SQS, os.Getenv("REALTIME_QUEUE_URL"))

	var provider notify.Provider
	if baseURL := os.Getenv("SMS_API_URL"); baseURL != "" {
		provider = notify.NewHTTPProvider(baseURL, os.Getenv("SMS_API_KEY"), os.Getenv("SMS_SENDER"))
	} else {
		log.Printf("[sweeper] SMS_API_URL not set, SMS notifications disabled")
	}
	dispatcher := notify.NewDispatcher(provider, notifyStore)

	monitor := delay.NewMonitor(ordersStore, analytics, dispatcher, notifier, clients.CloudWatch)
	s := newSweeper(monitor)

	// If RUN_LOCAL=true, loop on a ticker. Runs are synchronous so a slow
	// sweep delays the next one instead of overlapping it.
	if os.Getenv("RUN_LOCAL") == "true" {
		log.Printf("running local sweeper every %s", sweepInterval)
		if err := s.Run(ctx); err != nil {
			log.Printf("[sweeper] initial run failed: %v", err)
		}
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := s.Run(ctx); err != nil {
				log.Printf("[sweeper] run failed: %v", err)
			}
		}
		return
	}

	lambda.Start(s.Handle)
}
