package orders

import (
	"fmt"
	"math"
	"strings"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
)

// CartItem is one checkout line as submitted by the storefront.
type CartItem struct {
	ProductID      string
	SellerID       string
	UnitPriceCents int64
	Quantity       int
	AvailableStock int
}

// Cart is the checkout request.
type Cart struct {
	Items         []CartItem
	PaymentMethod string
	Shipping      ShippingInfo
}

// NewOrderFromCart validates the cart and snapshots it into a pending, unpaid order.
func NewOrderFromCart(orderID ledger.OrderID, buyerID ledger.UserID, cart Cart, createdUnixUTC int64) (Order, error) {
	if orderID.IsZero() {
		return Order{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidOrderID)
	}
	if buyerID.IsZero() {
		return Order{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidUserID)
	}
	if len(cart.Items) == 0 {
		return Order{}, ErrEmptyCart
	}
	method := strings.ToLower(strings.TrimSpace(cart.PaymentMethod))
	if method == "" {
		method = PaymentMethodWallet
	}
	if method != PaymentMethodWallet {
		return Order{}, fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, cart.PaymentMethod)
	}

	items := make([]LineItem, 0, len(cart.Items))
	var total int64
	for index, cartItem := range cart.Items {
		item, err := snapshotItem(buyerID, cartItem)
		if err != nil {
			return Order{}, fmt.Errorf("item %d: %w", index, err)
		}
		subtotal := item.Subtotal()
		if subtotal/int64(item.Quantity) != item.UnitPriceCents.Int64() || total > math.MaxInt64-subtotal {
			return Order{}, fmt.Errorf("item %d: %w: total overflow", index, ledger.ErrInvalidAmount)
		}
		total += subtotal
		items = append(items, item)
	}

	return Order{
		OrderID:        orderID,
		BuyerID:        buyerID,
		Items:          items,
		Status:         StatusPending,
		PaymentStatus:  PaymentUnpaid,
		Shipping:       cart.Shipping,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func snapshotItem(buyerID ledger.UserID, cartItem CartItem) (LineItem, error) {
	productID := strings.TrimSpace(cartItem.ProductID)
	if productID == "" {
		return LineItem{}, ErrInvalidProductID
	}
	sellerID, err := ledger.NewUserID(cartItem.SellerID)
	if err != nil {
		return LineItem{}, err
	}
	if sellerID == buyerID {
		return LineItem{}, ErrSelfPurchase
	}
	unitPrice, err := ledger.NewPositiveAmountCents(cartItem.UnitPriceCents)
	if err != nil {
		return LineItem{}, err
	}
	if cartItem.Quantity <= 0 {
		return LineItem{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, cartItem.Quantity)
	}
	if cartItem.Quantity > cartItem.AvailableStock {
		return LineItem{}, fmt.Errorf("%w: %s has %d left", ErrInsufficientStock, productID, cartItem.AvailableStock)
	}
	return LineItem{
		ProductID:      productID,
		SellerID:       sellerID,
		UnitPriceCents: unitPrice,
		Quantity:       cartItem.Quantity,
	}, nil
}
