package ledger

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}

func TestSummaryCreatesWalletLazily(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "newcomer")

	if _, err := service.Wallet(context.Background(), userID); !errors.Is(err, ErrWalletNotFound) {
		test.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
	balance, err := service.Summary(context.Background(), userID)
	if err != nil {
		test.Fatalf("summary: %v", err)
	}
	if balance != (Balance{}) {
		test.Fatalf("expected empty balance, got %+v", balance)
	}
	wallet := store.mustWallet(test, userID)
	if !wallet.IsActive || wallet.CreatedUnixUTC != 100 {
		test.Fatalf("unexpected wallet: %+v", wallet)
	}
}

func TestSummaryReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	storeErr := errors.New("connection refused")
	service := mustNewService(test, failingStore{err: storeErr})
	if _, err := service.Summary(context.Background(), mustUserID(test, "user")); !errors.Is(err, storeErr) {
		test.Fatalf("expected store error, got %v", err)
	}
}

func TestDepositCreditsAvailable(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "depositor")
	key := mustIdempotencyKey(test, "topup-1")

	deposit, err := service.Deposit(context.Background(), userID, mustPositiveAmount(test, 2500), key, mustMetadata(test, `{"source":"card"}`))
	if err != nil {
		test.Fatalf("deposit: %v", err)
	}
	if deposit.Type != TransactionDeposit || deposit.BalanceAfter != 2500 {
		test.Fatalf("unexpected deposit: %+v", deposit)
	}
	_, err = service.Deposit(context.Background(), userID, mustPositiveAmount(test, 2500), key, MetadataJSON{})
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	if got := store.mustWallet(test, userID); got.AvailableCents != 2500 {
		test.Fatalf("duplicate deposit changed balance: %+v", got.Balance())
	}
}

func TestSetActiveAndVoid(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedWallet(test, "member", 0)
	service := mustNewService(test, store)

	wallet, err := service.SetActive(context.Background(), userID, false)
	if err != nil {
		test.Fatalf("set active: %v", err)
	}
	if wallet.IsActive {
		test.Fatalf("expected inactive wallet")
	}
	_, err = service.Deposit(context.Background(), userID, mustPositiveAmount(test, 1), mustIdempotencyKey(test, "k"), MetadataJSON{})
	if !errors.Is(err, ErrWalletInactive) {
		test.Fatalf("expected ErrWalletInactive, got %v", err)
	}
	if _, err := service.SetActive(context.Background(), mustUserID(test, "ghost"), true); !errors.Is(err, ErrWalletNotFound) {
		test.Fatalf("expected ErrWalletNotFound, got %v", err)
	}

	if _, err := service.SetActive(context.Background(), userID, true); err != nil {
		test.Fatalf("reactivate: %v", err)
	}
	deposit, err := service.Deposit(context.Background(), userID, mustPositiveAmount(test, 1), mustIdempotencyKey(test, "k"), MetadataJSON{})
	if err != nil {
		test.Fatalf("deposit: %v", err)
	}
	if err := service.VoidTransaction(context.Background(), deposit.TransactionID); err != nil {
		test.Fatalf("void: %v", err)
	}
	if err := service.VoidTransaction(context.Background(), deposit.TransactionID); !errors.Is(err, ErrTransactionClosed) {
		test.Fatalf("expected ErrTransactionClosed, got %v", err)
	}
	if err := service.VoidTransaction(context.Background(), TransactionID{}); !errors.Is(err, ErrInvalidTransactionID) {
		test.Fatalf("expected ErrInvalidTransactionID, got %v", err)
	}
}

func TestListTransactionsNewestFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := int64(0)
	service, err := NewService(store, func() int64 { clock++; return clock })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	userID := mustUserID(test, "history")
	for _, key := range []string{"a", "b", "c"} {
		if _, err := service.Deposit(context.Background(), userID, mustPositiveAmount(test, 10), mustIdempotencyKey(test, key), MetadataJSON{}); err != nil {
			test.Fatalf("deposit %s: %v", key, err)
		}
	}
	listed, err := service.ListTransactions(context.Background(), userID, 1<<62, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].IdempotencyKey.String() != "c" || listed[1].IdempotencyKey.String() != "b" {
		test.Fatalf("unexpected listing: %+v", listed)
	}
}

func TestPinLifecycle(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedWallet(test, "pin-user", 0)
	service := mustNewService(test, store, WithPinCost(bcrypt.MinCost))

	if err := service.GuardPin(context.Background(), userID, ""); err != nil {
		test.Fatalf("guard without pin: %v", err)
	}
	if err := service.VerifyPin(context.Background(), userID, "1234"); !errors.Is(err, ErrPinNotSet) {
		test.Fatalf("expected ErrPinNotSet, got %v", err)
	}
	if err := service.SetPin(context.Background(), userID, "12ab", ""); !errors.Is(err, ErrInvalidPin) {
		test.Fatalf("expected ErrInvalidPin for letters, got %v", err)
	}
	if err := service.SetPin(context.Background(), userID, "1234567", ""); !errors.Is(err, ErrInvalidPin) {
		test.Fatalf("expected ErrInvalidPin for length, got %v", err)
	}
	if err := service.SetPin(context.Background(), userID, "2468", ""); err != nil {
		test.Fatalf("set pin: %v", err)
	}
	if err := service.GuardPin(context.Background(), userID, "0000"); !errors.Is(err, ErrInvalidPin) {
		test.Fatalf("expected ErrInvalidPin, got %v", err)
	}
	if err := service.GuardPin(context.Background(), userID, "2468"); err != nil {
		test.Fatalf("guard with pin: %v", err)
	}
	if err := service.SetPin(context.Background(), userID, "1357", "9999"); !errors.Is(err, ErrInvalidPin) {
		test.Fatalf("expected current pin check, got %v", err)
	}
	if err := service.SetPin(context.Background(), userID, "1357", "2468"); err != nil {
		test.Fatalf("change pin: %v", err)
	}
	if err := service.VerifyPin(context.Background(), userID, "1357"); err != nil {
		test.Fatalf("verify new pin: %v", err)
	}
}
