package ledger

import (
	"context"
	"fmt"
)

// TransferRequest moves funds from a buyer's available balance into a seller's pending balance.
type TransferRequest struct {
	FromUserID UserID
	ToUserID   UserID
	Amount     PositiveAmountCents
	OrderID    OrderID
	Memo       string
}

// TransferResult holds the two records written by a transfer.
type TransferResult struct {
	Debit  Transaction
	Credit Transaction
}

// Transfer debits the sender and credits the receiver's pending balance in one store transaction.
// The receiver wallet is created when missing. Both records share the key "<order>:payment:<receiver>".
func (service *Service) Transfer(ctx context.Context, request TransferRequest) (TransferResult, error) {
	var result TransferResult
	idempotencyKey, operationError := service.transfer(ctx, request, &result)
	service.logOperation(ctx, OperationLog{
		Operation:      operationTransfer,
		UserID:         request.FromUserID,
		CounterpartyID: request.ToUserID,
		OrderID:        request.OrderID,
		Amount:         request.Amount.ToAmountCents(),
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return TransferResult{}, operationError
	}
	return result, nil
}

func (service *Service) transfer(ctx context.Context, request TransferRequest, result *TransferResult) (IdempotencyKey, error) {
	if request.FromUserID.IsZero() || request.ToUserID.IsZero() {
		return IdempotencyKey{}, fmt.Errorf("%w: transfer participants are required", ErrInvalidUserID)
	}
	if request.OrderID.IsZero() {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidOrderID)
	}
	if request.FromUserID == request.ToUserID {
		return IdempotencyKey{}, ErrSelfTransfer
	}
	if err := validateMovement(request.Amount); err != nil {
		return IdempotencyKey{}, err
	}
	idempotencyKey, err := deriveIdempotencyKey(request.OrderID, idempotencySuffixPayment, request.ToUserID.String())
	if err != nil {
		return IdempotencyKey{}, err
	}
	metadata, err := buildMetadata(map[string]any{metadataKeyMemo: request.Memo})
	if err != nil {
		return idempotencyKey, err
	}

	unlock := service.locks.Lock(request.FromUserID.String(), request.ToUserID.String())
	defer unlock()

	return idempotencyKey, service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			wallets, err := service.lockWallets(ctx, txStore,
				walletRequirement{userID: request.FromUserID},
				walletRequirement{userID: request.ToUserID, create: true},
			)
			if err != nil {
				return err
			}
			sender, err := wallets[request.FromUserID].Debit(request.Amount)
			if err != nil {
				return err
			}
			receiver, err := wallets[request.ToUserID].Credit(request.Amount, true)
			if err != nil {
				return err
			}
			if err := txStore.UpdateWallet(ctx, sender); err != nil {
				return err
			}
			if err := txStore.UpdateWallet(ctx, receiver); err != nil {
				return err
			}

			now := service.nowFn()
			debit, err := txStore.InsertTransaction(ctx, Transaction{
				UserID:              request.FromUserID,
				Type:                TransactionPayment,
				AmountCents:         request.Amount.Debit(),
				OrderID:             request.OrderID,
				SellerID:            request.ToUserID,
				BalanceAfter:        sender.AvailableCents,
				PendingBalanceAfter: sender.PendingCents,
				Status:              TransactionStatusCompleted,
				IdempotencyKey:      idempotencyKey,
				Metadata:            metadata,
				CreatedUnixUTC:      now,
			})
			if err != nil {
				return err
			}
			credit, err := txStore.InsertTransaction(ctx, Transaction{
				UserID:              request.ToUserID,
				Type:                TransactionReceivePending,
				AmountCents:         request.Amount.Credit(),
				OrderID:             request.OrderID,
				SellerID:            request.ToUserID,
				BalanceAfter:        receiver.AvailableCents,
				PendingBalanceAfter: receiver.PendingCents,
				Status:              TransactionStatusCompleted,
				IdempotencyKey:      idempotencyKey,
				Metadata:            metadata,
				CreatedUnixUTC:      now,
			})
			if err != nil {
				return err
			}
			result.Debit = debit
			result.Credit = credit
			return nil
		})
	})
}
