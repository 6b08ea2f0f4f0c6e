package orders

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
)

// Order is the settlement aggregate. Transition methods return an updated copy.
type Order struct {
	OrderID            ledger.OrderID
	BuyerID            ledger.UserID
	Items              []LineItem
	Status             Status
	PaymentStatus      PaymentStatus
	Shipping           ShippingInfo
	Tracking           TrackingInfo
	CancelReason       string
	DeliveryDueUnixUTC int64
	CreatedUnixUTC     int64
	PackedUnixUTC      int64
	ShippedUnixUTC     int64
	DeliveredUnixUTC   int64
	CancelledUnixUTC   int64
	Version            int64
}

var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusPacked, StatusCancelled},
	StatusPacked:  {StatusShipped, StatusCancelled},
	StatusShipped: {StatusDelivered},
}

// CanTransition reports whether the state machine allows moving from one status to another.
func CanTransition(from Status, to Status) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (order Order) transition(to Status) error {
	if !CanTransition(order.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, order.Status, to)
	}
	return nil
}

// Total sums every line item.
func (order Order) Total() int64 {
	var total int64
	for _, item := range order.Items {
		total += item.Subtotal()
	}
	return total
}

// SellerShares groups line items by seller in first-appearance order.
func (order Order) SellerShares() []SellerShare {
	positions := make(map[ledger.UserID]int)
	var shares []SellerShare
	for _, item := range order.Items {
		position, seen := positions[item.SellerID]
		if !seen {
			positions[item.SellerID] = len(shares)
			shares = append(shares, SellerShare{SellerID: item.SellerID})
			position = len(shares) - 1
		}
		shares[position].AmountCents += ledger.PositiveAmountCents(item.Subtotal())
	}
	return shares
}

// HasSeller reports whether the user sells at least one item of the order.
func (order Order) HasSeller(userID ledger.UserID) bool {
	for _, item := range order.Items {
		if item.SellerID == userID {
			return true
		}
	}
	return false
}

// MarkPaid records a successful payment and moves the order to packed.
func (order Order) MarkPaid(nowUnixUTC int64) (Order, error) {
	if order.PaymentStatus != PaymentUnpaid {
		return Order{}, fmt.Errorf("%w: payment status %s", ErrInvalidStateTransition, order.PaymentStatus)
	}
	if err := order.transition(StatusPacked); err != nil {
		return Order{}, err
	}
	order.Status = StatusPacked
	order.PaymentStatus = PaymentPaid
	order.PackedUnixUTC = nowUnixUTC
	return order, nil
}

// MarkPaymentFailed cancels an unpaid order after a failed payment. refunded records whether some
// transfers had to be compensated.
func (order Order) MarkPaymentFailed(reason string, refunded bool, nowUnixUTC int64) (Order, error) {
	if order.PaymentStatus != PaymentUnpaid {
		return Order{}, fmt.Errorf("%w: payment status %s", ErrInvalidStateTransition, order.PaymentStatus)
	}
	if err := order.transition(StatusCancelled); err != nil {
		return Order{}, err
	}
	order.Status = StatusCancelled
	order.PaymentStatus = PaymentFailed
	if refunded {
		order.PaymentStatus = PaymentRefunded
	}
	order.CancelReason = reason
	order.CancelledUnixUTC = nowUnixUTC
	return order, nil
}

// Ship records tracking data and the delivery deadline.
func (order Order) Ship(tracking TrackingInfo, deliveryDueUnixUTC int64, nowUnixUTC int64) (Order, error) {
	if err := order.transition(StatusShipped); err != nil {
		return Order{}, err
	}
	tracking.Courier = strings.TrimSpace(tracking.Courier)
	tracking.TrackingNumber = strings.TrimSpace(tracking.TrackingNumber)
	if tracking.TrackingNumber == "" {
		return Order{}, ErrMissingTracking
	}
	order.Status = StatusShipped
	order.Tracking = tracking
	order.ShippedUnixUTC = nowUnixUTC
	order.DeliveryDueUnixUTC = deliveryDueUnixUTC
	return order, nil
}

// Deliver completes a shipped order.
func (order Order) Deliver(nowUnixUTC int64) (Order, error) {
	if err := order.transition(StatusDelivered); err != nil {
		return Order{}, err
	}
	order.Status = StatusDelivered
	order.DeliveredUnixUTC = nowUnixUTC
	order.DeliveryDueUnixUTC = 0
	return order, nil
}

// Cancel moves a pending or packed order to cancelled. A paid order becomes refunded; the caller
// performs the refund before persisting.
func (order Order) Cancel(reason string, nowUnixUTC int64) (Order, error) {
	if err := order.transition(StatusCancelled); err != nil {
		return Order{}, err
	}
	order.Status = StatusCancelled
	if order.PaymentStatus == PaymentPaid {
		order.PaymentStatus = PaymentRefunded
	}
	order.CancelReason = strings.TrimSpace(reason)
	order.CancelledUnixUTC = nowUnixUTC
	return order, nil
}
