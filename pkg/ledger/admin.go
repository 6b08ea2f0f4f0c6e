package ledger

import (
	"context"
	"fmt"
)

// Deposit credits the user's available balance, creating the wallet if needed.
func (service *Service) Deposit(ctx context.Context, userID UserID, amount PositiveAmountCents, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Transaction, error) {
	var deposit Transaction
	operationError := service.deposit(ctx, userID, amount, idempotencyKey, metadata, &deposit)
	service.logOperation(ctx, OperationLog{
		Operation:      operationDeposit,
		UserID:         userID,
		Amount:         amount.ToAmountCents(),
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return deposit, nil
}

func (service *Service) deposit(ctx context.Context, userID UserID, amount PositiveAmountCents, idempotencyKey IdempotencyKey, metadata MetadataJSON, deposit *Transaction) error {
	if userID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if idempotencyKey.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if err := validateMovement(amount); err != nil {
		return err
	}

	unlock := service.locks.Lock(userID.String())
	defer unlock()

	return service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			wallet, err := service.getOrCreateWallet(ctx, txStore, userID, true)
			if err != nil {
				return err
			}
			updated, err := wallet.Credit(amount, false)
			if err != nil {
				return err
			}
			if err := txStore.UpdateWallet(ctx, updated); err != nil {
				return err
			}
			inserted, err := txStore.InsertTransaction(ctx, Transaction{
				UserID:              userID,
				Type:                TransactionDeposit,
				AmountCents:         amount.Credit(),
				BalanceAfter:        updated.AvailableCents,
				PendingBalanceAfter: updated.PendingCents,
				Status:              TransactionStatusCompleted,
				IdempotencyKey:      idempotencyKey,
				Metadata:            metadata,
				CreatedUnixUTC:      service.nowFn(),
			})
			if err != nil {
				return err
			}
			*deposit = inserted
			return nil
		})
	})
}

// SetActive toggles whether the wallet may send or receive funds. Refunds ignore the flag.
func (service *Service) SetActive(ctx context.Context, userID UserID, active bool) (Wallet, error) {
	var result Wallet
	operationError := func() error {
		if userID.IsZero() {
			return fmt.Errorf("%w: empty value", ErrInvalidUserID)
		}
		unlock := service.locks.Lock(userID.String())
		defer unlock()
		return service.withRetry(ctx, func() error {
			return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
				wallet, err := txStore.GetWallet(ctx, userID, true)
				if err != nil {
					return err
				}
				wallet.IsActive = active
				if err := txStore.UpdateWallet(ctx, wallet); err != nil {
					return err
				}
				wallet.Version++
				result = wallet
				return nil
			})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationActivate,
		UserID:    userID,
		Error:     operationError,
	})
	if operationError != nil {
		return Wallet{}, operationError
	}
	return result, nil
}

// VoidTransaction marks a completed record as reversed. Balances are not touched and settlement
// keeps counting the record; compensating movements go through Refund.
func (service *Service) VoidTransaction(ctx context.Context, transactionID TransactionID) error {
	var operationError error
	if transactionID.String() == "" {
		operationError = fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	} else {
		operationError = service.store.UpdateTransactionStatus(ctx, transactionID, TransactionStatusCompleted, TransactionStatusReversed)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationVoid,
		Error:     operationError,
	})
	return operationError
}
