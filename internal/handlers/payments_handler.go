package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/deliverly/order-reliability/internal/orders"
	"github.com/deliverly/order-reliability/internal/payments"
	"github.com/deliverly/order-reliability/internal/validation"
)

func registerPaymentRoutes(r *gin.Engine, v *validatorv10.Validate, reconciler *payments.Reconciler) {
	r.POST("/payments/initialize", func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.InitializePaymentRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}

		payment, err := reconciler.Initiate(ctx, payments.InitiateRequest{
			OrderID:     req.OrderID,
			Email:       req.Email,
			Amount:      req.Amount,
			CallbackURL: req.CallbackURL,
		})
		if err != nil {
			switch {
			case errors.Is(err, payments.ErrPaymentExists):
				c.JSON(http.StatusConflict, gin.H{"error": "payment_already_completed"})
			case errors.Is(err, payments.ErrInitiationInProgress):
				c.JSON(http.StatusConflict, gin.H{"error": "initiation_in_progress"})
			case errors.Is(err, orders.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			default:
				c.JSON(http.StatusBadGateway, gin.H{"error": "initialize_failed", "detail": err.Error()})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"reference":         payment.Reference,
			"authorization_url": payment.AuthorizationURL,
			"access_code":       payment.AccessCode,
		})
	})

	r.GET("/payments/verify/:reference", func(c *gin.Context) {
		ctx := c.Request.Context()

		outcome, err := reconciler.Verify(ctx, c.Param("reference"))
		if err != nil {
			if errors.Is(err, payments.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "payment_not_found"})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": "verify_failed", "detail": err.Error()})
			return
		}

		if !outcome.Paid {
			// business outcome, not a transport failure
			c.JSON(http.StatusBadRequest, gin.H{
				"status":    outcome.Payment.Status,
				"reference": outcome.Payment.Reference,
				"message":   "payment not successful",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    outcome.Payment.Status,
			"reference": outcome.Payment.Reference,
			"amount":    outcome.Payment.Amount,
			"paid_at":   outcome.Payment.PaidAt,
		})
	})

	r.POST("/payments/webhook", func(c *gin.Context) {
		ctx := c.Request.Context()

		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}

		signature := c.GetHeader("X-Paystack-Signature")
		if err := reconciler.HandleWebhook(ctx, signature, body); err != nil {
			if errors.Is(err, payments.ErrSignatureMismatch) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
				return
			}
			// 5xx so the gateway redelivers
			c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook_processing_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
