package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/deliverly/order-reliability/internal/aws"
	"github.com/deliverly/order-reliability/internal/handlers"
	"github.com/deliverly/order-reliability/internal/notify"
	"github.com/deliverly/order-reliability/internal/payments"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, cfg)

	return r
}

// smsProvider is nil when SMS_API_URL is unset; the dispatcher then records
// every notification as failed without touching the network.
func smsProvider() notify.Provider {
	baseURL := os.Getenv("SMS_API_URL")
	if baseURL == "" {
		log.Printf("[api] SMS_API_URL not set, SMS notifications disabled")
		return nil
	}
	return notify.NewHTTPProvider(baseURL, os.Getenv("SMS_API_KEY"), os.Getenv("SMS_SENDER"))
}

func main() {
	clients, err := aws.NewAWSClients(context.Background())

	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	cfg := handlers.HandlerConfig{
		DynamoDBClient:   clients.DynamoDB,
		SQSClient:        clients.SQS,
		CloudWatchClient: clients.CloudWatch,

		OrdersTable:        os.Getenv("ORDERS_TABLE"),
		PaymentsTable:      os.Getenv("PAYMENTS_TABLE"),
		NotificationsTable: os.Getenv("NOTIFICATIONS_TABLE"),
		AnalyticsTable:     os.Getenv("ANALYTICS_TABLE"),
		IdempotencyTable:   os.Getenv("IDEMPOTENCY_TABLE"),

		RealtimeQueueURL: os.Getenv("REALTIME_QUEUE_URL"),
		TTLWindow:        48 * time.Hour,

		SMSProvider:           smsProvider(),
		PaymentProvider:       payments.NewHTTPProvider(paystackBaseURL(), os.Getenv("PAYSTACK_SECRET_KEY")),
		PaystackWebhookSecret: os.Getenv("PAYSTACK_SECRET_KEY"),
	}

	r := setupRouter(cfg)

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if os.Getenv("RUN_LOCAL") == "true" {
		addr := ":8080"
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		// the adapter handles proxying; use adapter.ProxyWithContext for proper context propagation
		return adapter.ProxyWithContext(ctx, req)
	})
}

func paystackBaseURL() string {
	if v := os.Getenv("PAYSTACK_BASE_URL"); v != "" {
		return v
	}
	return "https://api.paystack.co"
}
