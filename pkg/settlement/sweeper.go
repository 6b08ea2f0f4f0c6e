package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/orders"
	"go.uber.org/zap"
)

// onDeliveryTimer runs when an in-process timer fires. The order is re-read under its lock and
// delivered only if it is still shipped.
func (coordinator *Coordinator) onDeliveryTimer(orderID ledger.OrderID) {
	ctx, cancel := context.WithTimeout(context.Background(), timerFireTimeout)
	defer cancel()
	delivered, err := coordinator.deliverIfShipped(ctx, orderID)
	if err != nil {
		coordinator.logger.Error("auto delivery failed", zap.String("order_id", orderID.String()), zap.Error(err))
		return
	}
	if delivered {
		coordinator.logger.Info("order auto delivered", zap.String("order_id", orderID.String()))
	}
}

func (coordinator *Coordinator) deliverIfShipped(ctx context.Context, orderID ledger.OrderID) (bool, error) {
	unlock := coordinator.orderLocks.Lock(orderID.String())
	defer unlock()

	order, err := coordinator.orders.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.Status != orders.StatusShipped {
		return false, nil
	}
	if _, err := coordinator.deliver(ctx, order); err != nil {
		return false, err
	}
	return true, nil
}

// SweepDueDeliveries delivers shipped orders whose deadline has passed. It covers timers lost to a
// restart and returns how many orders it delivered.
func (coordinator *Coordinator) SweepDueDeliveries(ctx context.Context) (int, error) {
	due, err := coordinator.orders.ListDueForDelivery(ctx, coordinator.nowFn(), coordinator.sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due deliveries: %w", err)
	}
	var (
		delivered int
		failures  []error
	)
	for _, order := range due {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
		ok, err := coordinator.deliverIfShipped(ctx, order.OrderID)
		if err != nil {
			failures = append(failures, fmt.Errorf("order %s: %w", order.OrderID, err))
			continue
		}
		if ok {
			delivered++
		}
	}
	return delivered, errors.Join(failures...)
}

// RunDeliverySweeper sweeps immediately and then every interval until ctx is done.
func (coordinator *Coordinator) RunDeliverySweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidCoordinatorConfig)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		delivered, err := coordinator.SweepDueDeliveries(ctx)
		if err != nil && ctx.Err() == nil {
			coordinator.logger.Error("delivery sweep failed", zap.Error(err))
		}
		if delivered > 0 {
			coordinator.logger.Info("delivery sweep completed", zap.Int("delivered", delivered))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
