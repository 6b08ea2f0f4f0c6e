package ledger

import (
	"context"
	"fmt"
	"sort"
)

// ConfirmRequest releases a seller's held funds for an order.
type ConfirmRequest struct {
	SellerID UserID
	OrderID  OrderID
}

// RefundRequest reverses every unconfirmed hold of an order back to the buyer.
type RefundRequest struct {
	BuyerID UserID
	OrderID OrderID
	Reason  string
}

type sellerHolding struct {
	heldCents int64
	confirmed *Transaction
}

// summarizeHoldings computes, per seller, the amount still held for an order and whether it was
// already released. Seller-side refund rows carry SellerID equal to their owner. Status is ignored:
// voiding a record never moves money, so a voided hold is still held in the seller's pending balance.
func summarizeHoldings(transactions []Transaction) map[UserID]*sellerHolding {
	holdings := make(map[UserID]*sellerHolding)
	holdingFor := func(sellerID UserID) *sellerHolding {
		holding, ok := holdings[sellerID]
		if !ok {
			holding = &sellerHolding{}
			holdings[sellerID] = holding
		}
		return holding
	}
	for index := range transactions {
		transaction := transactions[index]
		switch transaction.Type {
		case TransactionReceivePending:
			holdingFor(transaction.UserID).heldCents += transaction.AmountCents.Int64()
		case TransactionRefund:
			if transaction.UserID == transaction.SellerID {
				holdingFor(transaction.UserID).heldCents += transaction.AmountCents.Int64()
			}
		case TransactionReceiveConfirmed:
			holdingFor(transaction.UserID).confirmed = &transaction
		}
	}
	return holdings
}

func sortedSellers(holdings map[UserID]*sellerHolding) []UserID {
	sellers := make([]UserID, 0, len(holdings))
	for sellerID := range holdings {
		sellers = append(sellers, sellerID)
	}
	sort.Slice(sellers, func(left, right int) bool {
		return sellers[left].String() < sellers[right].String()
	})
	return sellers
}

// ConfirmPending moves everything the order still holds for the seller into the seller's available
// balance. A second call returns the original confirmation without moving funds.
func (service *Service) ConfirmPending(ctx context.Context, request ConfirmRequest) (Transaction, error) {
	var confirmation Transaction
	idempotencyKey, operationError := service.confirmPending(ctx, request, &confirmation)
	service.logOperation(ctx, OperationLog{
		Operation:      operationConfirm,
		UserID:         request.SellerID,
		OrderID:        request.OrderID,
		Amount:         AmountCents(confirmation.AmountCents.Int64()),
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return confirmation, nil
}

func (service *Service) confirmPending(ctx context.Context, request ConfirmRequest, confirmation *Transaction) (IdempotencyKey, error) {
	if request.SellerID.IsZero() {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.OrderID.IsZero() {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidOrderID)
	}
	idempotencyKey, err := deriveIdempotencyKey(request.OrderID, idempotencySuffixConfirm, request.SellerID.String())
	if err != nil {
		return IdempotencyKey{}, err
	}

	unlock := service.locks.Lock(request.SellerID.String())
	defer unlock()

	return idempotencyKey, service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			wallet, err := txStore.GetWallet(ctx, request.SellerID, true)
			if err != nil {
				return err
			}
			orderTransactions, err := txStore.ListOrderTransactions(ctx, request.OrderID)
			if err != nil {
				return err
			}
			holding := summarizeHoldings(orderTransactions)[request.SellerID]
			if holding != nil && holding.confirmed != nil {
				*confirmation = *holding.confirmed
				return nil
			}
			if holding == nil || holding.heldCents <= 0 {
				return fmt.Errorf("%w: nothing held for order %s", ErrInsufficientPendingBalance, request.OrderID)
			}
			amount := PositiveAmountCents(holding.heldCents)
			updated, err := wallet.ConfirmPending(amount)
			if err != nil {
				return err
			}
			if err := txStore.UpdateWallet(ctx, updated); err != nil {
				return err
			}
			inserted, err := txStore.InsertTransaction(ctx, Transaction{
				UserID:              request.SellerID,
				Type:                TransactionReceiveConfirmed,
				AmountCents:         amount.Credit(),
				OrderID:             request.OrderID,
				SellerID:            request.SellerID,
				BalanceAfter:        updated.AvailableCents,
				PendingBalanceAfter: updated.PendingCents,
				Status:              TransactionStatusCompleted,
				IdempotencyKey:      idempotencyKey,
				CreatedUnixUTC:      service.nowFn(),
			})
			if err != nil {
				return err
			}
			*confirmation = inserted
			return nil
		})
	})
}

// Refund cancels every seller hold of an order and restores the total to the buyer's available
// balance in one store transaction. It fails with ErrSettlementConfirmed once any seller has been
// confirmed and returns no records when nothing is held.
func (service *Service) Refund(ctx context.Context, request RefundRequest) ([]Transaction, error) {
	var written []Transaction
	idempotencyKey, operationError := service.refund(ctx, request, &written)
	var refunded AmountCents
	for _, transaction := range written {
		if transaction.UserID == request.BuyerID {
			refunded = AmountCents(transaction.AmountCents.Int64())
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		UserID:         request.BuyerID,
		OrderID:        request.OrderID,
		Amount:         refunded,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return written, nil
}

func (service *Service) refund(ctx context.Context, request RefundRequest, written *[]Transaction) (IdempotencyKey, error) {
	if request.BuyerID.IsZero() {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.OrderID.IsZero() {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidOrderID)
	}
	idempotencyKey, err := deriveIdempotencyKey(request.OrderID, idempotencySuffixRefund)
	if err != nil {
		return IdempotencyKey{}, err
	}
	metadata, err := buildMetadata(map[string]any{metadataKeyReason: request.Reason})
	if err != nil {
		return idempotencyKey, err
	}

	return idempotencyKey, service.withRetry(ctx, func() error {
		preview, err := service.store.ListOrderTransactions(ctx, request.OrderID)
		if err != nil {
			return err
		}
		participants := sortedSellers(summarizeHoldings(preview))
		lockKeys := []string{request.BuyerID.String()}
		requirements := []walletRequirement{{userID: request.BuyerID}}
		for _, sellerID := range participants {
			lockKeys = append(lockKeys, sellerID.String())
			requirements = append(requirements, walletRequirement{userID: sellerID})
		}
		unlock := service.locks.Lock(lockKeys...)
		defer unlock()

		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			*written = nil
			wallets, err := service.lockWallets(ctx, txStore, requirements...)
			if err != nil {
				return err
			}
			orderTransactions, err := txStore.ListOrderTransactions(ctx, request.OrderID)
			if err != nil {
				return err
			}
			holdings := summarizeHoldings(orderTransactions)
			sellers := sortedSellers(holdings)
			for _, sellerID := range sellers {
				if holdings[sellerID].confirmed != nil {
					return fmt.Errorf("%w: seller %s already released", ErrSettlementConfirmed, sellerID)
				}
			}

			now := service.nowFn()
			var totalCents int64
			for _, sellerID := range sellers {
				heldCents := holdings[sellerID].heldCents
				if heldCents <= 0 {
					continue
				}
				seller, locked := wallets[sellerID]
				if !locked {
					return fmt.Errorf("%w: seller %s joined order during refund", ErrConcurrentModification, sellerID)
				}
				sellerKey, err := deriveIdempotencyKey(request.OrderID, idempotencySuffixRefund, sellerID.String())
				if err != nil {
					return err
				}
				amount := PositiveAmountCents(heldCents)
				updated, err := seller.CancelPending(amount)
				if err != nil {
					return err
				}
				if err := txStore.UpdateWallet(ctx, updated); err != nil {
					return err
				}
				reversal, err := txStore.InsertTransaction(ctx, Transaction{
					UserID:              sellerID,
					Type:                TransactionRefund,
					AmountCents:         amount.Debit(),
					OrderID:             request.OrderID,
					SellerID:            sellerID,
					BalanceAfter:        updated.AvailableCents,
					PendingBalanceAfter: updated.PendingCents,
					Status:              TransactionStatusCompleted,
					IdempotencyKey:      sellerKey,
					Metadata:            metadata,
					CreatedUnixUTC:      now,
				})
				if err != nil {
					return err
				}
				*written = append(*written, reversal)
				totalCents += heldCents
			}
			if totalCents == 0 {
				return nil
			}

			total := PositiveAmountCents(totalCents)
			buyer, err := wallets[request.BuyerID].Restore(total)
			if err != nil {
				return err
			}
			if err := txStore.UpdateWallet(ctx, buyer); err != nil {
				return err
			}
			restored, err := txStore.InsertTransaction(ctx, Transaction{
				UserID:              request.BuyerID,
				Type:                TransactionRefund,
				AmountCents:         total.Credit(),
				OrderID:             request.OrderID,
				BalanceAfter:        buyer.AvailableCents,
				PendingBalanceAfter: buyer.PendingCents,
				Status:              TransactionStatusCompleted,
				IdempotencyKey:      idempotencyKey,
				Metadata:            metadata,
				CreatedUnixUTC:      now,
			})
			if err != nil {
				return err
			}
			*written = append(*written, restored)
			return nil
		})
	})
}
