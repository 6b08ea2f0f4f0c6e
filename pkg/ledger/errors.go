package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrWalletNotFound             = errors.New("wallet not found")
	ErrWalletExists               = errors.New("wallet already exists")
	ErrWalletInactive             = errors.New("wallet inactive")
	ErrInsufficientBalance        = errors.New("insufficient balance")
	ErrInsufficientPendingBalance = errors.New("insufficient pending balance")
	ErrPaymentPartialFailure      = errors.New("payment partial failure")
	ErrConcurrentModification     = errors.New("concurrent modification")
	ErrSettlementConfirmed        = errors.New("settlement already confirmed")
	ErrSelfTransfer               = errors.New("transfer to self")
	ErrDuplicateIdempotencyKey    = errors.New("duplicate idempotency key")
	ErrUnknownTransaction         = errors.New("unknown transaction")
	ErrTransactionClosed          = errors.New("transaction already reversed")
	ErrPinNotSet                  = errors.New("pin not set")
	ErrInvalidPin                 = errors.New("invalid pin")
	ErrInvalidUserID              = errors.New("invalid user id")
	ErrInvalidOrderID             = errors.New("invalid order id")
	ErrInvalidTransactionID       = errors.New("invalid transaction id")
	ErrInvalidIdempotencyKey      = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON        = errors.New("invalid metadata json")
	ErrInvalidTransactionType     = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus   = errors.New("invalid transaction status")
	ErrInvalidServiceConfig       = errors.New("invalid service config")
	ErrInvalidBalance             = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
