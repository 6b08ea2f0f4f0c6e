package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

type stubStore struct {
	mu           sync.Mutex
	wallets      map[UserID]Wallet
	transactions []Transaction
	nextID       int
	// updateConflicts makes the next N UpdateWallet calls report a version conflict.
	updateConflicts int
	insertErr       error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{wallets: make(map[UserID]Wallet)}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	walletSnapshot := make(map[UserID]Wallet, len(store.wallets))
	for userID, wallet := range store.wallets {
		walletSnapshot[userID] = wallet
	}
	transactionSnapshot := append([]Transaction(nil), store.transactions...)
	store.mu.Unlock()

	if err := fn(ctx, store); err != nil {
		store.mu.Lock()
		store.wallets = walletSnapshot
		store.transactions = transactionSnapshot
		store.mu.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) GetWallet(_ context.Context, userID UserID, _ bool) (Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	wallet, ok := store.wallets[userID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return wallet, nil
}

func (store *stubStore) CreateWallet(_ context.Context, wallet Wallet) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.wallets[wallet.UserID]; exists {
		return ErrWalletExists
	}
	store.wallets[wallet.UserID] = wallet
	return nil
}

func (store *stubStore) UpdateWallet(_ context.Context, wallet Wallet) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.updateConflicts > 0 {
		store.updateConflicts--
		return ErrConcurrentModification
	}
	stored, ok := store.wallets[wallet.UserID]
	if !ok {
		return ErrWalletNotFound
	}
	if stored.Version != wallet.Version {
		return ErrConcurrentModification
	}
	wallet.Version++
	store.wallets[wallet.UserID] = wallet
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertErr != nil {
		return Transaction{}, store.insertErr
	}
	for _, existing := range store.transactions {
		if existing.UserID == transaction.UserID && existing.IdempotencyKey == transaction.IdempotencyKey {
			return Transaction{}, ErrDuplicateIdempotencyKey
		}
	}
	store.nextID++
	transactionID, err := NewTransactionID(fmt.Sprintf("tx-%d", store.nextID))
	if err != nil {
		return Transaction{}, err
	}
	transaction.TransactionID = transactionID
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var listed []Transaction
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && transaction.CreatedUnixUTC < beforeUnixUTC {
			listed = append(listed, transaction)
		}
	}
	sort.SliceStable(listed, func(left, right int) bool {
		return listed[left].CreatedUnixUTC > listed[right].CreatedUnixUTC
	})
	if limit > 0 && len(listed) > limit {
		listed = listed[:limit]
	}
	return listed, nil
}

func (store *stubStore) ListOrderTransactions(_ context.Context, orderID OrderID) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var listed []Transaction
	for _, transaction := range store.transactions {
		if transaction.OrderID == orderID {
			listed = append(listed, transaction)
		}
	}
	return listed, nil
}

func (store *stubStore) UpdateTransactionStatus(_ context.Context, transactionID TransactionID, from, to TransactionStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for index := range store.transactions {
		if store.transactions[index].TransactionID != transactionID {
			continue
		}
		if store.transactions[index].Status != from {
			return ErrTransactionClosed
		}
		store.transactions[index].Status = to
		return nil
	}
	return ErrUnknownTransaction
}

func (store *stubStore) seedWallet(test *testing.T, rawUserID string, availableCents int64) UserID {
	test.Helper()
	userID := mustUserID(test, rawUserID)
	wallet, err := NewWallet(userID, 1)
	if err != nil {
		test.Fatalf("new wallet: %v", err)
	}
	wallet.AvailableCents = mustAmountCents(test, availableCents)
	store.wallets[userID] = wallet
	return userID
}

func (store *stubStore) mustWallet(test *testing.T, userID UserID) Wallet {
	test.Helper()
	wallet, ok := store.wallets[userID]
	if !ok {
		test.Fatalf("wallet %s not found", userID)
	}
	return wallet
}

func (store *stubStore) transactionsOf(userID UserID) []Transaction {
	var owned []Transaction
	for _, transaction := range store.transactions {
		if transaction.UserID == userID {
			owned = append(owned, transaction)
		}
	}
	return owned
}

type failingStore struct {
	err error
}

func (store failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store failingStore) GetWallet(context.Context, UserID, bool) (Wallet, error) {
	return Wallet{}, store.err
}

func (store failingStore) CreateWallet(context.Context, Wallet) error {
	return store.err
}

func (store failingStore) UpdateWallet(context.Context, Wallet) error {
	return store.err
}

func (store failingStore) InsertTransaction(context.Context, Transaction) (Transaction, error) {
	return Transaction{}, store.err
}

func (store failingStore) ListTransactions(context.Context, UserID, int64, int) ([]Transaction, error) {
	return nil, store.err
}

func (store failingStore) ListOrderTransactions(context.Context, OrderID) ([]Transaction, error) {
	return nil, store.err
}

func (store failingStore) UpdateTransactionStatus(context.Context, TransactionID, TransactionStatus, TransactionStatus) error {
	return store.err
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustOrderID(test *testing.T, raw string) OrderID {
	test.Helper()
	orderID, err := NewOrderID(raw)
	if err != nil {
		test.Fatalf("order id: %v", err)
	}
	return orderID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	amount, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("positive amount: %v", err)
	}
	return amount
}

func mustAmountCents(test *testing.T, raw int64) AmountCents {
	test.Helper()
	amount, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}
