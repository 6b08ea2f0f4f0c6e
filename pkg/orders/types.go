package orders

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
)

// Status is the fulfilment state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPacked    Status = "packed"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.TrimSpace(raw)) {
	case StatusPending:
		return StatusPending, nil
	case StatusPacked:
		return StatusPacked, nil
	case StatusShipped:
		return StatusShipped, nil
	case StatusDelivered:
		return StatusDelivered, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the stored representation.
func (status Status) String() string {
	return string(status)
}

// IsTerminal reports whether no further transition is allowed.
func (status Status) IsTerminal() bool {
	return status == StatusDelivered || status == StatusCancelled
}

// PaymentStatus tracks the money side of an order.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

// ParsePaymentStatus validates a stored payment status.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	switch PaymentStatus(strings.TrimSpace(raw)) {
	case PaymentUnpaid:
		return PaymentUnpaid, nil
	case PaymentPaid:
		return PaymentPaid, nil
	case PaymentRefunded:
		return PaymentRefunded, nil
	case PaymentFailed:
		return PaymentFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, raw)
	}
}

// String returns the stored representation.
func (status PaymentStatus) String() string {
	return string(status)
}

// PaymentMethodWallet is the only accepted payment method.
const PaymentMethodWallet = "wallet"

// LineItem is the point-in-time snapshot of a purchased product.
type LineItem struct {
	ProductID      string
	SellerID       ledger.UserID
	UnitPriceCents ledger.PositiveAmountCents
	Quantity       int
}

// Subtotal returns unit price times quantity.
func (item LineItem) Subtotal() int64 {
	return item.UnitPriceCents.Int64() * int64(item.Quantity)
}

// ShippingInfo is the delivery address captured at checkout.
type ShippingInfo struct {
	RecipientName string `json:"recipient_name,omitempty"`
	AddressLine   string `json:"address_line,omitempty"`
	City          string `json:"city,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	Phone         string `json:"phone,omitempty"`
}

// TrackingInfo is recorded when a seller ships.
type TrackingInfo struct {
	Courier        string `json:"courier,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
}

// SellerShare is the portion of an order owed to one seller.
type SellerShare struct {
	SellerID    ledger.UserID
	AmountCents ledger.PositiveAmountCents
}

// Store persists orders.
type Store interface {
	// CreateOrder inserts a new order with version zero.
	CreateOrder(ctx context.Context, order Order) error
	// GetOrder returns ErrUnknownOrder when missing.
	GetOrder(ctx context.Context, orderID ledger.OrderID) (Order, error)
	// UpdateOrder stores the order when the stored version equals order.Version and returns it with the bumped version.
	UpdateOrder(ctx context.Context, order Order) (Order, error)
	// ListDueForDelivery returns shipped orders whose delivery deadline is at or before the given time.
	ListDueForDelivery(ctx context.Context, atUnixUTC int64, limit int) ([]Order, error)
	ListBuyerOrders(ctx context.Context, buyerID ledger.UserID, limit int) ([]Order, error)
}
