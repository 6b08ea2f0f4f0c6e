package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/orders"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// WalletService is the part of ledger.Service exposed over HTTP.
type WalletService interface {
	Summary(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error)
	SetPin(ctx context.Context, userID ledger.UserID, pin string, currentPin string) error
	GuardPin(ctx context.Context, userID ledger.UserID, pin string) error
	Deposit(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.Transaction, error)
	SetActive(ctx context.Context, userID ledger.UserID, active bool) (ledger.Wallet, error)
}

// Marketplace is the part of settlement.Coordinator exposed over HTTP.
type Marketplace interface {
	CreateOrderFromCart(ctx context.Context, buyerID ledger.UserID, cart orders.Cart) (orders.Order, error)
	PayOrder(ctx context.Context, orderID ledger.OrderID) (orders.Order, error)
	ShipOrder(ctx context.Context, orderID ledger.OrderID, tracking orders.TrackingInfo) (orders.Order, error)
	ConfirmDelivery(ctx context.Context, orderID ledger.OrderID) (orders.Order, error)
	CancelOrder(ctx context.Context, orderID ledger.OrderID, reason string) (orders.Order, error)
	GetOrder(ctx context.Context, orderID ledger.OrderID) (orders.Order, error)
	ListBuyerOrders(ctx context.Context, buyerID ledger.UserID, limit int) ([]orders.Order, error)
}

// Handler serves wallet and order endpoints for the authenticated caller.
type Handler struct {
	logger      *zap.Logger
	wallets     WalletService
	marketplace Marketplace
	cfg         Config
	nowFn       func() time.Time
}

// NewHandler builds a Handler. cfg must already be validated.
func NewHandler(cfg Config, wallets WalletService, marketplace Marketplace, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:      logger,
		wallets:     wallets,
		marketplace: marketplace,
		cfg:         cfg,
		nowFn:       time.Now,
	}
}

func (handler *Handler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.caller(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.wallets.Summary(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "wallet summary failed", err)
		return
	}
	before := handler.nowFn().UTC().Add(time.Second).Unix()
	transactions, err := handler.wallets.ListTransactions(requestCtx, userID, before, handler.cfg.HistoryLimit)
	if err != nil {
		handler.respondError(ctx, "wallet history failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(balance, transactions)})
}

func (handler *Handler) handleSetPin(ctx *gin.Context) {
	userID, ok := handler.caller(ctx)
	if !ok {
		return
	}
	var request pinRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.wallets.SetPin(requestCtx, userID, request.Pin, request.CurrentPin); err != nil {
		handler.respondError(ctx, "set pin failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *Handler) handleListOrders(ctx *gin.Context) {
	userID, ok := handler.caller(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	listed, err := handler.marketplace.ListBuyerOrders(requestCtx, userID, handler.cfg.OrderListLimit)
	if err != nil {
		handler.respondError(ctx, "list orders failed", err)
		return
	}
	payload := make([]orderPayload, 0, len(listed))
	for _, order := range listed {
		payload = append(payload, newOrderPayload(order))
	}
	ctx.JSON(http.StatusOK, gin.H{"orders": payload})
}

func (handler *Handler) handleCreateOrder(ctx *gin.Context) {
	userID, ok := handler.caller(ctx)
	if !ok {
		return
	}
	var request createOrderRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	cart, err := request.cart()
	if err != nil {
		handler.respondError(ctx, "invalid cart", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	order, err := handler.marketplace.CreateOrderFromCart(requestCtx, userID, cart)
	if err != nil {
		handler.respondError(ctx, "create order failed", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"order": newOrderPayload(order)})
}

func (handler *Handler) handleGetOrder(ctx *gin.Context) {
	userID, order, ok := handler.loadOrder(ctx)
	if !ok {
		return
	}
	if order.BuyerID != userID && !order.HasSeller(userID) {
		ctx.JSON(http.StatusNotFound, errorResponse("order_not_found", "order not found"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"order": newOrderPayload(order)})
}

func (handler *Handler) handlePayOrder(ctx *gin.Context) {
	userID, order, ok := handler.loadBuyerOrder(ctx)
	if !ok {
		return
	}
	var request payRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.wallets.GuardPin(requestCtx, userID, request.Pin); err != nil {
		handler.respondError(ctx, "pin check failed", err)
		return
	}
	paid, err := handler.marketplace.PayOrder(requestCtx, order.OrderID)
	if err != nil {
		status, code := classifyError(err)
		if !paid.OrderID.IsZero() {
			handler.logger.Warn("payment failed", zap.String("order_id", order.OrderID.String()), zap.Error(err))
			ctx.JSON(status, gin.H{
				"error": gin.H{"code": code, "message": err.Error()},
				"order": newOrderPayload(paid),
			})
			return
		}
		handler.respondError(ctx, "pay order failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"order": newOrderPayload(paid)})
}

func (handler *Handler) handleShipOrder(ctx *gin.Context) {
	userID, order, ok := handler.loadOrder(ctx)
	if !ok {
		return
	}
	if !order.HasSeller(userID) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "only a seller of the order can ship it"))
		return
	}
	var request shipRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	shipped, err := handler.marketplace.ShipOrder(requestCtx, order.OrderID, orders.TrackingInfo{
		Courier:        request.Courier,
		TrackingNumber: request.TrackingNumber,
	})
	if err != nil {
		handler.respondError(ctx, "ship order failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"order": newOrderPayload(shipped)})
}

func (handler *Handler) handleConfirmDelivery(ctx *gin.Context) {
	userID, order, ok := handler.loadOrder(ctx)
	if !ok {
		return
	}
	if order.BuyerID != userID && !order.HasSeller(userID) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "only the buyer or a seller of the order can confirm delivery"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	delivered, err := handler.marketplace.ConfirmDelivery(requestCtx, order.OrderID)
	if err != nil {
		handler.respondError(ctx, "confirm delivery failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"order": newOrderPayload(delivered)})
}

func (handler *Handler) handleCancelOrder(ctx *gin.Context) {
	_, order, ok := handler.loadBuyerOrder(ctx)
	if !ok {
		return
	}
	var request cancelRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	cancelled, err := handler.marketplace.CancelOrder(requestCtx, order.OrderID, request.Reason)
	if err != nil {
		handler.respondError(ctx, "cancel order failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"order": newOrderPayload(cancelled)})
}

func (handler *Handler) handleAdminDeposit(ctx *gin.Context) {
	userID, ok := handler.adminTarget(ctx)
	if !ok {
		return
	}
	var request depositRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	cents, err := ParseAmountCents(request.Amount)
	if err != nil {
		handler.respondError(ctx, "invalid deposit amount", err)
		return
	}
	amount, err := ledger.NewPositiveAmountCents(cents)
	if err != nil {
		handler.respondError(ctx, "invalid deposit amount", err)
		return
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		handler.respondError(ctx, "invalid idempotency key", err)
		return
	}
	metadata, err := ledger.NewMetadataJSON(marshalMetadata(map[string]any{"memo": request.Memo, "source": "admin"}))
	if err != nil {
		handler.respondError(ctx, "invalid metadata", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	deposit, err := handler.wallets.Deposit(requestCtx, userID, amount, idempotencyKey, metadata)
	if err != nil {
		handler.respondError(ctx, "deposit failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": newTransactionPayload(deposit)})
}

func (handler *Handler) handleAdminStatus(ctx *gin.Context) {
	userID, ok := handler.adminTarget(ctx)
	if !ok {
		return
	}
	var request statusRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Active == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected {\"active\": bool}"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.wallets.SetActive(requestCtx, userID, *request.Active)
	if err != nil {
		handler.respondError(ctx, "set wallet status failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":   wallet.UserID.String(),
		"is_active": wallet.IsActive,
	})
}

func (handler *Handler) caller(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *Handler) adminTarget(ctx *gin.Context) (ledger.UserID, bool) {
	callerID, ok := handler.caller(ctx)
	if !ok {
		return ledger.UserID{}, false
	}
	if !handler.cfg.IsAdmin(callerID.String()) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "admin only"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, "invalid user id", err)
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *Handler) loadOrder(ctx *gin.Context) (ledger.UserID, orders.Order, bool) {
	userID, ok := handler.caller(ctx)
	if !ok {
		return ledger.UserID{}, orders.Order{}, false
	}
	orderID, err := ledger.NewOrderID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "invalid order id", err)
		return ledger.UserID{}, orders.Order{}, false
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	order, err := handler.marketplace.GetOrder(requestCtx, orderID)
	if err != nil {
		handler.respondError(ctx, "load order failed", err)
		return ledger.UserID{}, orders.Order{}, false
	}
	return userID, order, true
}

func (handler *Handler) loadBuyerOrder(ctx *gin.Context) (ledger.UserID, orders.Order, bool) {
	userID, order, ok := handler.loadOrder(ctx)
	if !ok {
		return ledger.UserID{}, orders.Order{}, false
	}
	if order.BuyerID != userID {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "only the buyer can do this"))
		return ledger.UserID{}, orders.Order{}, false
	}
	return userID, order, true
}

func (handler *Handler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *Handler) respondError(ctx *gin.Context, message string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(message, zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(status, errorResponse(code, message))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func marshalMetadata(metadata map[string]any) string {
	for key, value := range metadata {
		if text, ok := value.(string); ok && text == "" {
			delete(metadata, key)
		}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
