package main

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/deliverly/order-reliability/internal/delay"
)

// sweeper runs the scheduled backup scan over the orders table. The reactive
// path catches most delays; this catches orders nothing has touched since
// their estimate passed.
type sweeper struct {
	monitor *delay.Monitor
}

func newSweeper(monitor *delay.Monitor) *sweeper {
	return &sweeper{monitor: monitor}
}

// Handle is the Lambda entrypoint for the scheduled CloudWatch event.
func (s *sweeper) Handle(ctx context.Context, event events.CloudWatchEvent) error {
	log.Printf("[sweeper] scheduled sweep triggered at %s", event.Time.Format(time.RFC3339))
	return s.Run(ctx)
}

// Run performs one sweep and logs how many overdue orders were checked.
func (s *sweeper) Run(ctx context.Context) error {
	start := time.Now()
	checked, err := s.monitor.Sweep(ctx)
	if err != nil {
		log.Printf("[sweeper] sweep failed: %v", err)
		return err
	}
	log.Printf("[sweeper] sweep done checked=%d took=%s", checked, time.Since(start))
	return nil
}
