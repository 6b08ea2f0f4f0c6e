package settlement

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/orders"
)

// ErrInvalidCoordinatorConfig reports a missing collaborator.
var ErrInvalidCoordinatorConfig = errors.New("invalid coordinator config")

// Ledger is the part of ledger.Service the coordinator drives.
type Ledger interface {
	Wallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
	Summary(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	Transfer(ctx context.Context, request ledger.TransferRequest) (ledger.TransferResult, error)
	ConfirmPending(ctx context.Context, request ledger.ConfirmRequest) (ledger.Transaction, error)
	Refund(ctx context.Context, request ledger.RefundRequest) ([]ledger.Transaction, error)
	OrderTransactions(ctx context.Context, orderID ledger.OrderID) ([]ledger.Transaction, error)
}

// ChangeNotifier is told about committed mutations. Implementations must not block for long and
// must not fail the caller.
type ChangeNotifier interface {
	WalletChanged(ctx context.Context, userID ledger.UserID)
	OrderChanged(ctx context.Context, order orders.Order)
}

type noopNotifier struct{}

func (noopNotifier) WalletChanged(context.Context, ledger.UserID) {}

func (noopNotifier) OrderChanged(context.Context, orders.Order) {}
