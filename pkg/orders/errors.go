package orders

import (
	"errors"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
)

// Order-level error values.
var (
	ErrEmptyCart                = errors.New("empty cart")
	ErrInvalidQuantity          = errors.New("invalid quantity")
	ErrInsufficientStock        = errors.New("insufficient stock")
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	ErrSelfPurchase             = errors.New("buyer cannot purchase own listing")
	ErrInvalidProductID         = errors.New("invalid product id")
	ErrInvalidStateTransition   = errors.New("invalid state transition")
	ErrUnknownOrder             = errors.New("unknown order")
	ErrOrderExists              = errors.New("order already exists")
	ErrInvalidStatus            = errors.New("invalid order status")
	ErrInvalidPaymentStatus     = errors.New("invalid payment status")
	ErrMissingTracking          = errors.New("tracking number required")

	// ErrConcurrentModification is shared with the ledger so callers match one sentinel.
	ErrConcurrentModification = ledger.ErrConcurrentModification
)
