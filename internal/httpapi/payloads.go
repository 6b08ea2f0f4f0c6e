package httpapi

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/orders"
)

type pinRequest struct {
	Pin        string `json:"pin"`
	CurrentPin string `json:"current_pin"`
}

type payRequest struct {
	Pin string `json:"pin"`
}

type shipRequest struct {
	Courier        string `json:"courier"`
	TrackingNumber string `json:"tracking_number"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type depositRequest struct {
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Memo           string `json:"memo"`
}

type statusRequest struct {
	Active *bool `json:"active"`
}

type cartItemRequest struct {
	ProductID      string `json:"product_id"`
	SellerID       string `json:"seller_id"`
	UnitPrice      string `json:"unit_price"`
	Quantity       int    `json:"quantity"`
	AvailableStock int    `json:"available_stock"`
}

type createOrderRequest struct {
	Items         []cartItemRequest   `json:"items"`
	PaymentMethod string              `json:"payment_method"`
	Shipping      orders.ShippingInfo `json:"shipping"`
}

func (request createOrderRequest) cart() (orders.Cart, error) {
	items := make([]orders.CartItem, 0, len(request.Items))
	for _, item := range request.Items {
		unitCents, err := ParseAmountCents(item.UnitPrice)
		if err != nil {
			return orders.Cart{}, err
		}
		items = append(items, orders.CartItem{
			ProductID:      item.ProductID,
			SellerID:       item.SellerID,
			UnitPriceCents: unitCents,
			Quantity:       item.Quantity,
			AvailableStock: item.AvailableStock,
		})
	}
	return orders.Cart{
		Items:         items,
		PaymentMethod: request.PaymentMethod,
		Shipping:      request.Shipping,
	}, nil
}

type walletPayload struct {
	AvailableCents int64                `json:"available_cents"`
	Available      string               `json:"available"`
	PendingCents   int64                `json:"pending_cents"`
	Pending        string               `json:"pending"`
	Transactions   []transactionPayload `json:"transactions"`
}

type transactionPayload struct {
	TransactionID     string          `json:"transaction_id"`
	Type              string          `json:"type"`
	AmountCents       int64           `json:"amount_cents"`
	Amount            string          `json:"amount"`
	OrderID           string          `json:"order_id,omitempty"`
	SellerID          string          `json:"seller_id,omitempty"`
	BalanceAfterCents int64           `json:"balance_after_cents"`
	PendingAfterCents int64           `json:"pending_balance_after_cents"`
	Status            string          `json:"status"`
	IdempotencyKey    string          `json:"idempotency_key"`
	Metadata          json.RawMessage `json:"metadata"`
	CreatedUnixUTC    int64           `json:"created_unix_utc"`
}

type lineItemPayload struct {
	ProductID      string `json:"product_id"`
	SellerID       string `json:"seller_id"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	UnitPrice      string `json:"unit_price"`
	Quantity       int    `json:"quantity"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type orderPayload struct {
	OrderID            string              `json:"order_id"`
	BuyerID            string              `json:"buyer_id"`
	Status             string              `json:"status"`
	PaymentStatus      string              `json:"payment_status"`
	Items              []lineItemPayload   `json:"items"`
	TotalCents         int64               `json:"total_cents"`
	Total              string              `json:"total"`
	Shipping           orders.ShippingInfo `json:"shipping"`
	Tracking           orders.TrackingInfo `json:"tracking"`
	CancelReason       string              `json:"cancel_reason,omitempty"`
	DeliveryDueUnixUTC int64               `json:"delivery_due_unix_utc,omitempty"`
	CreatedUnixUTC     int64               `json:"created_unix_utc"`
	PackedUnixUTC      int64               `json:"packed_unix_utc,omitempty"`
	ShippedUnixUTC     int64               `json:"shipped_unix_utc,omitempty"`
	DeliveredUnixUTC   int64               `json:"delivered_unix_utc,omitempty"`
	CancelledUnixUTC   int64               `json:"cancelled_unix_utc,omitempty"`
	Version            int64               `json:"version"`
}

func newWalletPayload(balance ledger.Balance, transactions []ledger.Transaction) walletPayload {
	payload := walletPayload{
		AvailableCents: balance.AvailableCents.Int64(),
		Available:      FormatCents(balance.AvailableCents.Int64()),
		PendingCents:   balance.PendingCents.Int64(),
		Pending:        FormatCents(balance.PendingCents.Int64()),
		Transactions:   make([]transactionPayload, 0, len(transactions)),
	}
	for _, transaction := range transactions {
		payload.Transactions = append(payload.Transactions, newTransactionPayload(transaction))
	}
	return payload
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	metadata := transaction.Metadata.String()
	if metadata == "" {
		metadata = "{}"
	}
	return transactionPayload{
		TransactionID:     transaction.TransactionID.String(),
		Type:              transaction.Type.String(),
		AmountCents:       transaction.AmountCents.Int64(),
		Amount:            FormatCents(transaction.AmountCents.Int64()),
		OrderID:           transaction.OrderID.String(),
		SellerID:          transaction.SellerID.String(),
		BalanceAfterCents: transaction.BalanceAfter.Int64(),
		PendingAfterCents: transaction.PendingBalanceAfter.Int64(),
		Status:            transaction.Status.String(),
		IdempotencyKey:    transaction.IdempotencyKey.String(),
		Metadata:          json.RawMessage(metadata),
		CreatedUnixUTC:    transaction.CreatedUnixUTC,
	}
}

func newOrderPayload(order orders.Order) orderPayload {
	items := make([]lineItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, lineItemPayload{
			ProductID:      item.ProductID,
			SellerID:       item.SellerID.String(),
			UnitPriceCents: item.UnitPriceCents.Int64(),
			UnitPrice:      FormatCents(item.UnitPriceCents.Int64()),
			Quantity:       item.Quantity,
			SubtotalCents:  item.Subtotal(),
		})
	}
	return orderPayload{
		OrderID:            order.OrderID.String(),
		BuyerID:            order.BuyerID.String(),
		Status:             order.Status.String(),
		PaymentStatus:      order.PaymentStatus.String(),
		Items:              items,
		TotalCents:         order.Total(),
		Total:              FormatCents(order.Total()),
		Shipping:           order.Shipping,
		Tracking:           order.Tracking,
		CancelReason:       order.CancelReason,
		DeliveryDueUnixUTC: order.DeliveryDueUnixUTC,
		CreatedUnixUTC:     order.CreatedUnixUTC,
		PackedUnixUTC:      order.PackedUnixUTC,
		ShippedUnixUTC:     order.ShippedUnixUTC,
		DeliveredUnixUTC:   order.DeliveredUnixUTC,
		CancelledUnixUTC:   order.CancelledUnixUTC,
		Version:            order.Version,
	}
}
