package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/MarkoPoloResearchLab/marketledger/internal/keyedmutex"
	"golang.org/x/crypto/bcrypt"
)

// Service contains the wallet ledger domain logic over a Store.
type Service struct {
	store       Store
	nowFn       func() int64
	logger      OperationLogger
	locks       *keyedmutex.Set
	maxAttempts int
	pinCost     int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		nowFn:       now,
		locks:       keyedmutex.New(),
		maxAttempts: defaultMaxAttempts,
		pinCost:     bcrypt.DefaultCost,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Summary returns the available and pending balances, creating the wallet on first access.
func (service *Service) Summary(ctx context.Context, userID UserID) (Balance, error) {
	var balance Balance
	err := service.withRetry(ctx, func() error {
		wallet, err := service.getOrCreateWallet(ctx, service.store, userID, false)
		if err != nil {
			return err
		}
		balance = wallet.Balance()
		return nil
	})
	return balance, err
}

// Wallet returns the stored wallet without creating it.
func (service *Service) Wallet(ctx context.Context, userID UserID) (Wallet, error) {
	if userID.IsZero() {
		return Wallet{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return service.store.GetWallet(ctx, userID, false)
}

// ListTransactions lists a user's transactions created before a cutoff time, newest first.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return service.store.ListTransactions(ctx, userID, beforeUnixUTC, limit)
}

// OrderTransactions lists every transaction tied to an order.
func (service *Service) OrderTransactions(ctx context.Context, orderID OrderID) ([]Transaction, error) {
	if orderID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidOrderID)
	}
	return service.store.ListOrderTransactions(ctx, orderID)
}

func (service *Service) getOrCreateWallet(ctx context.Context, store Store, userID UserID, forUpdate bool) (Wallet, error) {
	wallet, err := store.GetWallet(ctx, userID, forUpdate)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, err
	}
	created, err := NewWallet(userID, service.nowFn())
	if err != nil {
		return Wallet{}, err
	}
	if err := store.CreateWallet(ctx, created); err != nil {
		if errors.Is(err, ErrWalletExists) {
			return Wallet{}, fmt.Errorf("%w: %w", ErrConcurrentModification, err)
		}
		return Wallet{}, err
	}
	return created, nil
}

type walletRequirement struct {
	userID UserID
	create bool
}

// lockWallets loads and row-locks wallets in ascending user id order.
func (service *Service) lockWallets(ctx context.Context, txStore Store, requirements ...walletRequirement) (map[UserID]Wallet, error) {
	ordered := append([]walletRequirement(nil), requirements...)
	sort.SliceStable(ordered, func(left, right int) bool {
		return ordered[left].userID.String() < ordered[right].userID.String()
	})
	wallets := make(map[UserID]Wallet, len(ordered))
	for _, requirement := range ordered {
		if _, loaded := wallets[requirement.userID]; loaded {
			continue
		}
		var (
			wallet Wallet
			err    error
		)
		if requirement.create {
			wallet, err = service.getOrCreateWallet(ctx, txStore, requirement.userID, true)
		} else {
			wallet, err = txStore.GetWallet(ctx, requirement.userID, true)
		}
		if err != nil {
			return nil, err
		}
		wallets[requirement.userID] = wallet
	}
	return wallets, nil
}

func (service *Service) withRetry(ctx context.Context, fn func() error) error {
	var lastError error
	for attempt := 0; attempt < service.maxAttempts; attempt++ {
		lastError = fn()
		if !errors.Is(lastError, ErrConcurrentModification) {
			return lastError
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return WrapError(errorOperationService, errorSubjectRetry, errorCodeExhausted, lastError)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(orderID OrderID, segments ...string) (IdempotencyKey, error) {
	combined := orderID.String()
	for _, segment := range segments {
		combined += idempotencyKeyDelimiter + segment
	}
	return NewIdempotencyKey(combined)
}

func buildMetadata(fields map[string]any) (MetadataJSON, error) {
	compact := make(map[string]any, len(fields))
	for key, value := range fields {
		if text, isText := value.(string); isText && text == "" {
			continue
		}
		compact[key] = value
	}
	raw, err := json.Marshal(compact)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}
