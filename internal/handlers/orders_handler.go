package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/deliverly/order-reliability/internal/aws"
	"github.com/deliverly/order-reliability/internal/delay"
	"github.com/deliverly/order-reliability/internal/idempotency"
	"github.com/deliverly/order-reliability/internal/notify"
	"github.com/deliverly/order-reliability/internal/orders"
	"github.com/deliverly/order-reliability/internal/payments"
	"github.com/deliverly/order-reliability/internal/realtime"
	"github.com/deliverly/order-reliability/internal/validation"
)

// HandlerConfig groups dependencies for the HTTP surface.
type HandlerConfig struct {
	DynamoDBClient   aws.DynamoDBAPI
	SQSClient        aws.SQSAPI
	CloudWatchClient aws.CloudWatchAPI

	OrdersTable        string
	PaymentsTable      string
	NotificationsTable string
	AnalyticsTable     string
	IdempotencyTable   string

	RealtimeQueueURL string
	TTLWindow        time.Duration

	SMSProvider           notify.Provider // nil when SMS is not configured
	PaymentProvider       payments.Provider
	PaystackWebhookSecret string
}

// RegisterRoutes wires the stores, state machine, delay monitor and payment
// reconciler, then registers every route on the engine.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()

	idempStore := idempotency.NewStore(cfg.DynamoDBClient, cfg.IdempotencyTable, cfg.TTLWindow)
	ordersStore := orders.NewStore(cfg.DynamoDBClient, cfg.OrdersTable)
	notifyStore := notify.NewStore(cfg.DynamoDBClient, cfg.NotificationsTable)
	analytics := delay.NewAnalyticsStore(cfg.DynamoDBClient, cfg.AnalyticsTable)
	paymentsStore := payments.NewStore(cfg.DynamoDBClient, cfg.PaymentsTable)

	notifier := realtime.NewSQSNotifier(cfg.SQSClient, cfg.RealtimeQueueURL)
	dispatcher := notify.NewDispatcher(cfg.SMSProvider, notifyStore)

	machine := orders.NewStateMachine(ordersStore, notifier, dispatcher)
	monitor := delay.NewMonitor(ordersStore, analytics, dispatcher, notifier, cfg.CloudWatchClient)
	machine.SetDelayCheck(monitor.CheckAndHandle)

	reconciler := payments.NewReconciler(paymentsStore, ordersStore, cfg.PaymentProvider, notifier, cfg.PaystackWebhookSecret)

	registerOrderRoutes(r, v, idempStore, ordersStore, machine, notifier, cfg)
	registerPaymentRoutes(r, v, reconciler)
}

func registerOrderRoutes(r *gin.Engine, v *validatorv10.Validate, idempStore *idempotency.Store, ordersStore *orders.Store, machine *orders.StateMachine, notifier realtime.Notifier, cfg HandlerConfig) {
	r.POST("/orders", func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.CreateOrderRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		// Require idempotency key header
		idempKey := c.GetHeader("Idempotency-Key")
		if idempKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
			return
		}

		orderID := uuid.NewString()
		now := time.Now().UTC()

		idempItem := map[string]interface{}{
			"idempotency_key": idempKey,
			"status":          idempotency.StatusInProgress,
			"created_at":      now.Format(time.RFC3339),
			"updated_at":      now.Format(time.RFC3339),
			"order_id":        orderID,
		}

		order := orders.Order{
			OrderID:               orderID,
			OrderNumber:           newOrderNumber(orderID),
			CustomerID:            req.CustomerID,
			CustomerPhone:         req.CustomerPhone,
			DeliveryArea:          req.DeliveryArea,
			Status:                orders.StatusPlaced,
			Amount:                req.Amount,
			PaymentStatus:         orders.PaymentUnpaid,
			EstimatedDeliveryTime: now.Add(time.Duration(req.EstimatedMinutes) * time.Minute),
			TrackingEvents: []orders.TrackingEvent{{
				Status:    orders.StatusPlaced,
				Timestamp: now,
				Note:      "order placed",
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		items := make([]map[string]interface{}, 0, len(req.Items))
		for _, it := range req.Items {
			items = append(items, map[string]interface{}{
				"name":     it.Name,
				"quantity": it.Quantity,
				"price":    it.Price,
			})
		}
		order.Items = items
		if len(req.Metadata) > 0 {
			md := make(map[string]interface{}, len(req.Metadata))
			for k, val := range req.Metadata {
				md[k] = val
			}
			order.Metadata = md
		}

		// atomic create: idempotency record + order, or neither
		err := ordersStore.CreateWithIdempotencyTransaction(ctx, cfg.DynamoDBClient, cfg.IdempotencyTable, idempItem, order, cfg.TTLWindow)
		if err != nil {
			rec, getErr := idempStore.Get(ctx, idempKey)
			if getErr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": getErr.Error()})
				return
			}
			if rec == nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "transaction_failed_no_idempotency_record", "detail": err.Error()})
				return
			}
			switch rec.Status {
			case idempotency.StatusDone:
				if rec.ResponseBody != "" {
					var body interface{}
					if derr := json.Unmarshal([]byte(rec.ResponseBody), &body); derr == nil {
						c.Data(rec.ResponseStatus, "application/json", []byte(rec.ResponseBody))
						return
					}
					c.JSON(rec.ResponseStatus, gin.H{"response": rec.ResponseBody})
					return
				}
				c.JSON(http.StatusOK, gin.H{"order_id": rec.OrderID})
				return
			case idempotency.StatusInProgress:
				c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "order_id": rec.OrderID})
				return
			case idempotency.StatusFailed:
				// let client retry
				c.JSON(http.StatusInternalServerError, gin.H{"error": "previous_attempt_failed", "order_id": rec.OrderID})
				return
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status"})
				return
			}
		}

		// best-effort: the ops dashboard learns about the new order
		if notifier != nil {
			_ = notifier.Publish(ctx, realtime.OpsRoom, realtime.EventNewOrder, order)
		}

		responseBody, _ := json.Marshal(gin.H{
			"order_id":     orderID,
			"order_number": order.OrderNumber,
			"status":       order.Status,
		})
		if err := idempStore.MarkDone(ctx, idempKey, string(responseBody), http.StatusCreated); err != nil {
			// the order exists but the stored response is unusable; mark the
			// record FAILED so a replay gets a retryable 500 instead of
			// hanging on IN_PROGRESS forever
			log.Printf("[handlers] mark done failed for key %s: %v", idempKey, err)
			if ferr := idempStore.MarkFailed(ctx, idempKey, fmt.Sprintf("mark done failed: %v", err)); ferr != nil {
				log.Printf("[handlers] mark failed also failed for key %s: %v", idempKey, ferr)
			}
		}

		c.Header("Location", fmt.Sprintf("/orders/%s", orderID))
		c.Data(http.StatusCreated, "application/json", responseBody)
	})

	r.GET("/orders/:id", func(c *gin.Context) {
		ctx := c.Request.Context()
		order, err := ordersStore.Get(ctx, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed", "detail": err.Error()})
			return
		}
		if order == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		c.JSON(http.StatusOK, order)
	})

	r.PATCH("/orders/:id/status", func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.UpdateStatusRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}

		order, err := machine.Transition(ctx, c.Param("id"), req.Status, req.Location)
		if err != nil {
			switch {
			case errors.Is(err, orders.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			case errors.Is(err, orders.ErrInvalidTransition):
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_transition", "detail": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "transition_failed", "detail": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, order)
	})

	r.POST("/orders/:id/location", func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.LocationUpdateRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}

		order, err := machine.AppendLocation(ctx, c.Param("id"), req.Location, req.Note)
		if err != nil {
			if errors.Is(err, orders.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "location_update_failed", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, order)
	})
}

// newOrderNumber derives the human-facing order number shown on receipts and
// used as the tracking room name.
func newOrderNumber(orderID string) string {
	compact := strings.ReplaceAll(orderID, "-", "")
	if len(compact) > 8 {
		compact = compact[:8]
	}
	return "DLV-" + strings.ToUpper(compact)
}
