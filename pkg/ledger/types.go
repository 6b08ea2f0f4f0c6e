package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is a non-negative balance in minor currency units.
type AmountCents int64

// PositiveAmountCents is a strictly positive amount used for fund movements.
type PositiveAmountCents int64

// SignedAmountCents is a transaction amount; negative values leave the owning wallet.
type SignedAmountCents int64

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// OrderID identifies the order a transaction settles. The zero value means "no order".
type OrderID struct {
	value string
}

// TransactionID identifies a stored ledger transaction.
type TransactionID struct {
	value string
}

// IdempotencyKey scopes duplicate detection per wallet owner.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary transaction metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewOrderID validates and normalizes an order id.
func NewOrderID(raw string) (OrderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrderID{}, fmt.Errorf("%w: empty value", ErrInvalidOrderID)
	}
	return OrderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OrderID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id OrderID) IsZero() bool {
	return id.value == ""
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewAmountCents validates a balance value.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmountCents(raw), nil
}

// Int64 returns the raw value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents widens the amount to a balance value.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// Credit returns the amount as an incoming transaction amount.
func (amount PositiveAmountCents) Credit() SignedAmountCents {
	return SignedAmountCents(amount)
}

// Debit returns the amount as an outgoing transaction amount.
func (amount PositiveAmountCents) Debit() SignedAmountCents {
	return SignedAmountCents(-amount)
}

// Int64 returns the raw value.
func (amount SignedAmountCents) Int64() int64 {
	return int64(amount)
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionPayment          TransactionType = "payment"
	TransactionReceivePending   TransactionType = "receive_pending"
	TransactionReceiveConfirmed TransactionType = "receive_confirmed"
	TransactionRefund           TransactionType = "refund"
	TransactionDeposit          TransactionType = "deposit"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionPayment:
		return TransactionPayment, nil
	case TransactionReceivePending:
		return TransactionReceivePending, nil
	case TransactionReceiveConfirmed:
		return TransactionReceiveConfirmed, nil
	case TransactionRefund:
		return TransactionRefund, nil
	case TransactionDeposit:
		return TransactionDeposit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// TransactionStatus defines transaction lifecycle.
type TransactionStatus string

const (
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusReversed  TransactionStatus = "reversed"
)

// ParseTransactionStatus validates a stored transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(strings.TrimSpace(raw)) {
	case TransactionStatusCompleted:
		return TransactionStatusCompleted, nil
	case TransactionStatusReversed:
		return TransactionStatusReversed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// String returns the stored representation.
func (status TransactionStatus) String() string {
	return string(status)
}

// Transaction is an append-only ledger record stamped with the owner's balances after it applied.
type Transaction struct {
	TransactionID       TransactionID
	UserID              UserID
	Type                TransactionType
	AmountCents         SignedAmountCents
	OrderID             OrderID
	SellerID            UserID
	BalanceAfter        AmountCents
	PendingBalanceAfter AmountCents
	Status              TransactionStatus
	IdempotencyKey      IdempotencyKey
	Metadata            MetadataJSON
	CreatedUnixUTC      int64
}

// Balance is the wallet summary exposed to collaborators.
type Balance struct {
	AvailableCents AmountCents
	PendingCents   AmountCents
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// GetWallet returns ErrWalletNotFound for unknown users. forUpdate locks the row until the transaction ends.
	GetWallet(ctx context.Context, userID UserID, forUpdate bool) (Wallet, error)
	// CreateWallet returns ErrWalletExists when the user already owns a wallet.
	CreateWallet(ctx context.Context, wallet Wallet) error
	// UpdateWallet persists balances when the stored version equals wallet.Version and bumps it.
	UpdateWallet(ctx context.Context, wallet Wallet) error
	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error)
	ListOrderTransactions(ctx context.Context, orderID OrderID) ([]Transaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionID TransactionID, from, to TransactionStatus) error
}
