// Package settlement ties order state transitions to their ledger effects.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/marketledger/internal/keyedmutex"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/orders"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultDeliveryDelay  = time.Hour
	defaultSweepBatchSize = 100
	timerFireTimeout      = 30 * time.Second
	reasonPaymentFailed   = "payment processing failed"
	reasonPaymentRejected = "payment failed"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(coordinator *Coordinator) {
		if logger != nil {
			coordinator.logger = logger
		}
	}
}

// WithChangeNotifier subscribes a notifier to committed mutations.
func WithChangeNotifier(notifier ChangeNotifier) Option {
	return func(coordinator *Coordinator) {
		if notifier != nil {
			coordinator.notifier = notifier
		}
	}
}

// WithDeliveryDelay overrides how long after shipping an order is delivered automatically.
func WithDeliveryDelay(delay time.Duration) Option {
	return func(coordinator *Coordinator) {
		if delay > 0 {
			coordinator.deliveryDelay = delay
		}
	}
}

// WithIDGenerator overrides order id generation.
func WithIDGenerator(generate func() string) Option {
	return func(coordinator *Coordinator) {
		if generate != nil {
			coordinator.newOrderID = generate
		}
	}
}

// WithSweepBatchSize bounds how many due orders one sweep delivers.
func WithSweepBatchSize(size int) Option {
	return func(coordinator *Coordinator) {
		if size > 0 {
			coordinator.sweepBatchSize = size
		}
	}
}

// Coordinator exposes the order operations and keeps order state and ledger effects in step.
type Coordinator struct {
	ledger         Ledger
	orders         orders.Store
	nowFn          func() int64
	logger         *zap.Logger
	notifier       ChangeNotifier
	deliveryDelay  time.Duration
	newOrderID     func() string
	sweepBatchSize int
	orderLocks     *keyedmutex.Set
	timer          *deliveryTimer
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(ledgerService Ledger, orderStore orders.Store, now func() int64, options ...Option) (*Coordinator, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidCoordinatorConfig)
	}
	if orderStore == nil {
		return nil, fmt.Errorf("%w: order store dependency is nil", ErrInvalidCoordinatorConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidCoordinatorConfig)
	}
	coordinator := &Coordinator{
		ledger:         ledgerService,
		orders:         orderStore,
		nowFn:          now,
		logger:         zap.NewNop(),
		notifier:       noopNotifier{},
		deliveryDelay:  defaultDeliveryDelay,
		newOrderID:     uuid.NewString,
		sweepBatchSize: defaultSweepBatchSize,
		orderLocks:     keyedmutex.New(),
	}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	coordinator.timer = newDeliveryTimer(coordinator.onDeliveryTimer)
	return coordinator, nil
}

// Close stops every pending delivery timer. Durable deadlines are still honoured by the sweeper.
func (coordinator *Coordinator) Close() {
	coordinator.timer.Stop()
}

// CreateOrderFromCart validates the cart and stores a pending, unpaid order.
func (coordinator *Coordinator) CreateOrderFromCart(ctx context.Context, buyerID ledger.UserID, cart orders.Cart) (orders.Order, error) {
	orderID, err := ledger.NewOrderID(coordinator.newOrderID())
	if err != nil {
		return orders.Order{}, err
	}
	order, err := orders.NewOrderFromCart(orderID, buyerID, cart, coordinator.nowFn())
	if err != nil {
		return orders.Order{}, err
	}
	if err := coordinator.orders.CreateOrder(ctx, order); err != nil {
		return orders.Order{}, err
	}
	coordinator.logger.Info("order created",
		zap.String("order_id", order.OrderID.String()),
		zap.String("buyer_id", buyerID.String()),
		zap.Int64("total_cents", order.Total()),
	)
	coordinator.notifier.OrderChanged(ctx, order)
	return order, nil
}

// PayOrder transfers each seller's share from the buyer. Wallet pre-checks fail without side
// effects. A transfer failure compensates the transfers already made and cancels the order.
func (coordinator *Coordinator) PayOrder(ctx context.Context, orderID ledger.OrderID) (orders.Order, error) {
	unlock := coordinator.orderLocks.Lock(orderID.String())
	defer unlock()

	order, err := coordinator.orders.GetOrder(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if order.Status != orders.StatusPending || order.PaymentStatus != orders.PaymentUnpaid {
		return orders.Order{}, fmt.Errorf("%w: order is %s/%s", orders.ErrInvalidStateTransition, order.Status, order.PaymentStatus)
	}
	if err := coordinator.checkBuyerFunds(ctx, order); err != nil {
		return orders.Order{}, err
	}

	var (
		paidSellers []ledger.UserID
		cause       error
	)
	for _, share := range order.SellerShares() {
		_, transferErr := coordinator.ledger.Transfer(ctx, ledger.TransferRequest{
			FromUserID: order.BuyerID,
			ToUserID:   share.SellerID,
			Amount:     share.AmountCents,
			OrderID:    order.OrderID,
			Memo:       "order " + order.OrderID.String(),
		})
		if transferErr != nil {
			cause = fmt.Errorf("transfer to %s: %w", share.SellerID, transferErr)
			break
		}
		paidSellers = append(paidSellers, share.SellerID)
	}

	if cause == nil {
		packed, markErr := order.MarkPaid(coordinator.nowFn())
		if markErr == nil {
			stored, updateErr := coordinator.orders.UpdateOrder(ctx, packed)
			if updateErr == nil {
				coordinator.logger.Info("order paid",
					zap.String("order_id", orderID.String()),
					zap.Int("sellers", len(paidSellers)),
				)
				coordinator.notifyWallets(ctx, order.BuyerID, paidSellers...)
				coordinator.notifier.OrderChanged(ctx, stored)
				return stored, nil
			}
			markErr = updateErr
		}
		cause = fmt.Errorf("record payment: %w", markErr)
	}
	return coordinator.failPayment(ctx, order, paidSellers, cause)
}

func (coordinator *Coordinator) checkBuyerFunds(ctx context.Context, order orders.Order) error {
	wallet, err := coordinator.ledger.Wallet(ctx, order.BuyerID)
	if err != nil {
		return err
	}
	if !wallet.IsActive {
		return ledger.ErrWalletInactive
	}
	if wallet.AvailableCents.Int64() < order.Total() {
		return fmt.Errorf("%w: need %d, have %d", ledger.ErrInsufficientBalance, order.Total(), wallet.AvailableCents)
	}
	return nil
}

// failPayment releases every hold the order has, including ones left by an earlier attempt whose
// compensation failed, and records the order as cancelled.
func (coordinator *Coordinator) failPayment(ctx context.Context, order orders.Order, paidSellers []ledger.UserID, cause error) (orders.Order, error) {
	refunds, err := coordinator.ledger.Refund(ctx, ledger.RefundRequest{
		BuyerID: order.BuyerID,
		OrderID: order.OrderID,
		Reason:  reasonPaymentFailed,
	})
	if err != nil {
		coordinator.logger.Error("payment compensation failed",
			zap.String("order_id", order.OrderID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return orders.Order{}, fmt.Errorf("%w: %w", ledger.ErrPaymentPartialFailure, errors.Join(cause, fmt.Errorf("compensation: %w", err)))
	}
	refundedSellers := refundedSellerIDs(order.BuyerID, refunds)
	compensated := len(paidSellers) > 0 || len(refundedSellers) > 0
	reason := reasonPaymentRejected
	if compensated {
		reason = reasonPaymentFailed
		coordinator.notifyWallets(ctx, order.BuyerID, refundedSellers...)
	}

	current, err := coordinator.orders.GetOrder(ctx, order.OrderID)
	if err != nil {
		return orders.Order{}, coordinator.paymentError(compensated, errors.Join(cause, err))
	}
	failed, err := current.MarkPaymentFailed(reason, compensated, coordinator.nowFn())
	if err != nil {
		return orders.Order{}, coordinator.paymentError(compensated, errors.Join(cause, err))
	}
	stored, err := coordinator.orders.UpdateOrder(ctx, failed)
	if err != nil {
		return orders.Order{}, coordinator.paymentError(compensated, errors.Join(cause, err))
	}
	coordinator.logger.Warn("order payment failed",
		zap.String("order_id", order.OrderID.String()),
		zap.Bool("compensated", compensated),
		zap.Error(cause),
	)
	coordinator.notifier.OrderChanged(ctx, stored)
	return stored, coordinator.paymentError(compensated, cause)
}

func refundedSellerIDs(buyerID ledger.UserID, refunds []ledger.Transaction) []ledger.UserID {
	var sellers []ledger.UserID
	for _, refund := range refunds {
		if refund.UserID != buyerID {
			sellers = append(sellers, refund.UserID)
		}
	}
	return sellers
}

func (coordinator *Coordinator) paymentError(compensated bool, cause error) error {
	if compensated {
		return fmt.Errorf("%w: %w", ledger.ErrPaymentPartialFailure, cause)
	}
	return cause
}

// ShipOrder records tracking data and arms the delivery timer.
func (coordinator *Coordinator) ShipOrder(ctx context.Context, orderID ledger.OrderID, tracking orders.TrackingInfo) (orders.Order, error) {
	unlock := coordinator.orderLocks.Lock(orderID.String())
	defer unlock()

	order, err := coordinator.orders.GetOrder(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	now := coordinator.nowFn()
	shipped, err := order.Ship(tracking, now+int64(coordinator.deliveryDelay/time.Second), now)
	if err != nil {
		return orders.Order{}, err
	}
	stored, err := coordinator.orders.UpdateOrder(ctx, shipped)
	if err != nil {
		return orders.Order{}, err
	}
	coordinator.timer.Arm(orderID, coordinator.deliveryDelay)
	coordinator.logger.Info("order shipped",
		zap.String("order_id", orderID.String()),
		zap.String("courier", stored.Tracking.Courier),
		zap.Int64("delivery_due_unix_utc", stored.DeliveryDueUnixUTC),
	)
	coordinator.notifier.OrderChanged(ctx, stored)
	return stored, nil
}

// ConfirmDelivery releases every seller's held funds and marks the order delivered. Confirming a
// delivered order returns it unchanged.
func (coordinator *Coordinator) ConfirmDelivery(ctx context.Context, orderID ledger.OrderID) (orders.Order, error) {
	unlock := coordinator.orderLocks.Lock(orderID.String())
	defer unlock()

	order, err := coordinator.orders.GetOrder(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if order.Status == orders.StatusDelivered {
		return order, nil
	}
	return coordinator.deliver(ctx, order)
}

func (coordinator *Coordinator) deliver(ctx context.Context, order orders.Order) (orders.Order, error) {
	if order.Status != orders.StatusShipped {
		return orders.Order{}, fmt.Errorf("%w: %s -> %s", orders.ErrInvalidStateTransition, order.Status, orders.StatusDelivered)
	}
	shares := order.SellerShares()
	sellers := make([]ledger.UserID, 0, len(shares))
	for _, share := range shares {
		if _, err := coordinator.ledger.ConfirmPending(ctx, ledger.ConfirmRequest{SellerID: share.SellerID, OrderID: order.OrderID}); err != nil {
			return orders.Order{}, fmt.Errorf("release funds to %s: %w", share.SellerID, err)
		}
		sellers = append(sellers, share.SellerID)
	}
	delivered, err := order.Deliver(coordinator.nowFn())
	if err != nil {
		return orders.Order{}, err
	}
	stored, err := coordinator.orders.UpdateOrder(ctx, delivered)
	if err != nil {
		return orders.Order{}, err
	}
	coordinator.timer.Disarm(order.OrderID)
	coordinator.logger.Info("order delivered", zap.String("order_id", order.OrderID.String()))
	for _, sellerID := range sellers {
		coordinator.notifier.WalletChanged(ctx, sellerID)
	}
	coordinator.notifier.OrderChanged(ctx, stored)
	return stored, nil
}

// CancelOrder cancels a pending or packed order, refunding the buyer when it was paid.
func (coordinator *Coordinator) CancelOrder(ctx context.Context, orderID ledger.OrderID, reason string) (orders.Order, error) {
	unlock := coordinator.orderLocks.Lock(orderID.String())
	defer unlock()

	order, err := coordinator.orders.GetOrder(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	cancelled, err := order.Cancel(reason, coordinator.nowFn())
	if err != nil {
		return orders.Order{}, err
	}
	refundNeeded := order.PaymentStatus == orders.PaymentPaid
	if !refundNeeded {
		// An unpaid order can still hold funds when payment compensation failed earlier.
		refundNeeded, err = coordinator.hasPayments(ctx, orderID)
		if err != nil {
			return orders.Order{}, err
		}
	}
	var sellers []ledger.UserID
	if refundNeeded {
		if _, err := coordinator.ledger.Refund(ctx, ledger.RefundRequest{
			BuyerID: order.BuyerID,
			OrderID: order.OrderID,
			Reason:  cancelled.CancelReason,
		}); err != nil {
			return orders.Order{}, fmt.Errorf("refund order: %w", err)
		}
		cancelled.PaymentStatus = orders.PaymentRefunded
		for _, share := range order.SellerShares() {
			sellers = append(sellers, share.SellerID)
		}
	}
	stored, err := coordinator.orders.UpdateOrder(ctx, cancelled)
	if err != nil {
		return orders.Order{}, err
	}
	coordinator.timer.Disarm(orderID)
	coordinator.logger.Info("order cancelled",
		zap.String("order_id", orderID.String()),
		zap.String("payment_status", stored.PaymentStatus.String()),
		zap.String("reason", stored.CancelReason),
	)
	if len(sellers) > 0 {
		coordinator.notifyWallets(ctx, order.BuyerID, sellers...)
	}
	coordinator.notifier.OrderChanged(ctx, stored)
	return stored, nil
}

func (coordinator *Coordinator) hasPayments(ctx context.Context, orderID ledger.OrderID) (bool, error) {
	transactions, err := coordinator.ledger.OrderTransactions(ctx, orderID)
	if err != nil {
		return false, err
	}
	for _, transaction := range transactions {
		if transaction.Type == ledger.TransactionPayment {
			return true, nil
		}
	}
	return false, nil
}

// GetWalletSummary returns the user's balances, creating the wallet on first access.
func (coordinator *Coordinator) GetWalletSummary(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	return coordinator.ledger.Summary(ctx, userID)
}

// GetOrder returns a stored order.
func (coordinator *Coordinator) GetOrder(ctx context.Context, orderID ledger.OrderID) (orders.Order, error) {
	return coordinator.orders.GetOrder(ctx, orderID)
}

// ListBuyerOrders returns the buyer's most recent orders.
func (coordinator *Coordinator) ListBuyerOrders(ctx context.Context, buyerID ledger.UserID, limit int) ([]orders.Order, error) {
	return coordinator.orders.ListBuyerOrders(ctx, buyerID, limit)
}

func (coordinator *Coordinator) notifyWallets(ctx context.Context, buyerID ledger.UserID, sellerIDs ...ledger.UserID) {
	coordinator.notifier.WalletChanged(ctx, buyerID)
	for _, sellerID := range sellerIDs {
		coordinator.notifier.WalletChanged(ctx, sellerID)
	}
}
