package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/orders"
	"github.com/gin-gonic/gin"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Checked in order; ErrPaymentPartialFailure wraps its cause and must match first.
var errorMappings = []errorMapping{
	{ledger.ErrPaymentPartialFailure, http.StatusConflict, "payment_failed"},
	{ledger.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
	{ledger.ErrWalletInactive, http.StatusForbidden, "wallet_inactive"},
	{ledger.ErrInvalidPin, http.StatusForbidden, "invalid_pin"},
	{ledger.ErrPinNotSet, http.StatusForbidden, "pin_not_set"},
	{ledger.ErrWalletNotFound, http.StatusNotFound, "wallet_not_found"},
	{ledger.ErrUnknownTransaction, http.StatusNotFound, "transaction_not_found"},
	{orders.ErrUnknownOrder, http.StatusNotFound, "order_not_found"},
	{orders.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{ledger.ErrSettlementConfirmed, http.StatusConflict, "settlement_confirmed"},
	{ledger.ErrTransactionClosed, http.StatusConflict, "transaction_closed"},
	{ledger.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_request"},
	{ledger.ErrConcurrentModification, http.StatusConflict, "conflict"},
	{orders.ErrOrderExists, http.StatusConflict, "conflict"},
	{ledger.ErrInsufficientPendingBalance, http.StatusConflict, "nothing_pending"},
	{orders.ErrEmptyCart, http.StatusBadRequest, "empty_cart"},
	{orders.ErrInsufficientStock, http.StatusBadRequest, "insufficient_stock"},
	{orders.ErrUnsupportedPaymentMethod, http.StatusBadRequest, "unsupported_payment_method"},
	{orders.ErrSelfPurchase, http.StatusBadRequest, "self_purchase"},
	{orders.ErrInvalidQuantity, http.StatusBadRequest, "invalid_quantity"},
	{orders.ErrInvalidProductID, http.StatusBadRequest, "invalid_product"},
	{orders.ErrMissingTracking, http.StatusBadRequest, "missing_tracking"},
	{ledger.ErrSelfTransfer, http.StatusBadRequest, "self_transfer"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrInvalidUserID, http.StatusBadRequest, "invalid_user"},
	{ledger.ErrInvalidOrderID, http.StatusBadRequest, "invalid_order"},
	{ledger.ErrInvalidIdempotencyKey, http.StatusBadRequest, "invalid_idempotency_key"},
	{ledger.ErrInvalidMetadataJSON, http.StatusBadRequest, "invalid_metadata"},
}

func classifyError(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
