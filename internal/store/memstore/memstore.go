// Package memstore keeps wallets, transactions and orders in process memory. A transaction holds
// the store-wide lock and rolls back to a snapshot on error.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/orders"
	"github.com/google/uuid"
)

type state struct {
	wallets      map[ledger.UserID]ledger.Wallet
	transactions []ledger.Transaction
	orders       map[ledger.OrderID]orders.Order
}

func (current *state) clone() *state {
	cloned := &state{
		wallets:      make(map[ledger.UserID]ledger.Wallet, len(current.wallets)),
		transactions: append([]ledger.Transaction(nil), current.transactions...),
		orders:       make(map[ledger.OrderID]orders.Order, len(current.orders)),
	}
	for userID, wallet := range current.wallets {
		cloned.wallets[userID] = wallet
	}
	for orderID, order := range current.orders {
		cloned.orders[orderID] = copyOrder(order)
	}
	return cloned
}

// Store implements ledger.Store and orders.Store.
type Store struct {
	mu    *sync.Mutex
	data  **state
	inTx  bool
	newID func() string
}

// New returns an empty store.
func New() *Store {
	initial := &state{
		wallets: make(map[ledger.UserID]ledger.Wallet),
		orders:  make(map[ledger.OrderID]orders.Order),
	}
	return &Store{
		mu:    &sync.Mutex{},
		data:  &initial,
		newID: uuid.NewString,
	}
}

// WithTx runs fn under the store lock. Nested calls join the outer transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := (*store.data).clone()
	txStore := &Store{mu: store.mu, data: store.data, inTx: true, newID: store.newID}
	if err := fn(ctx, txStore); err != nil {
		*store.data = snapshot
		return err
	}
	return nil
}

func (store *Store) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

// GetWallet returns the stored wallet. Row locking is implied by the store lock.
func (store *Store) GetWallet(ctx context.Context, userID ledger.UserID, _ bool) (ledger.Wallet, error) {
	defer store.lock()()
	wallet, ok := (*store.data).wallets[userID]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return wallet, nil
}

// CreateWallet inserts a new wallet.
func (store *Store) CreateWallet(ctx context.Context, wallet ledger.Wallet) error {
	defer store.lock()()
	if _, exists := (*store.data).wallets[wallet.UserID]; exists {
		return ledger.ErrWalletExists
	}
	(*store.data).wallets[wallet.UserID] = wallet
	return nil
}

// UpdateWallet stores the wallet when its version matches and bumps the version.
func (store *Store) UpdateWallet(ctx context.Context, wallet ledger.Wallet) error {
	defer store.lock()()
	stored, ok := (*store.data).wallets[wallet.UserID]
	if !ok {
		return ledger.ErrWalletNotFound
	}
	if stored.Version != wallet.Version {
		return ledger.ErrConcurrentModification
	}
	wallet.Version++
	(*store.data).wallets[wallet.UserID] = wallet
	return nil
}

// InsertTransaction appends a record, rejecting a repeated (user, idempotency key) pair.
func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (ledger.Transaction, error) {
	defer store.lock()()
	for _, existing := range (*store.data).transactions {
		if existing.UserID == transaction.UserID && existing.IdempotencyKey == transaction.IdempotencyKey {
			return ledger.Transaction{}, ledger.ErrDuplicateIdempotencyKey
		}
	}
	transactionID, err := ledger.NewTransactionID(store.newID())
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction.TransactionID = transactionID
	(*store.data).transactions = append((*store.data).transactions, transaction)
	return transaction, nil
}

// ListTransactions returns a user's records created before the cutoff, newest first.
func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	defer store.lock()()
	var listed []ledger.Transaction
	for _, transaction := range (*store.data).transactions {
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

// ListOrderTransactions returns the records of an order in insertion order.
func (store *Store) ListOrderTransactions(ctx context.Context, orderID ledger.OrderID) ([]ledger.Transaction, error) {
	defer store.lock()()
	var listed []ledger.Transaction
	for _, transaction := range (*store.data).transactions {
		if transaction.OrderID == orderID {
			listed = append(listed, transaction)
		}
	}
	return listed, nil
}

// UpdateTransactionStatus flips a record's status when it currently equals from.
func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID ledger.TransactionID, from, to ledger.TransactionStatus) error {
	defer store.lock()()
	transactions := (*store.data).transactions
	for index := range transactions {
		if transactions[index].TransactionID != transactionID {
			continue
		}
		if transactions[index].Status != from {
			return ledger.ErrTransactionClosed
		}
		transactions[index].Status = to
		return nil
	}
	return ledger.ErrUnknownTransaction
}

// CreateOrder inserts a new order.
func (store *Store) CreateOrder(ctx context.Context, order orders.Order) error {
	defer store.lock()()
	if _, exists := (*store.data).orders[order.OrderID]; exists {
		return orders.ErrOrderExists
	}
	order.Version = 0
	(*store.data).orders[order.OrderID] = copyOrder(order)
	return nil
}

// GetOrder returns a copy of the stored order.
func (store *Store) GetOrder(ctx context.Context, orderID ledger.OrderID) (orders.Order, error) {
	defer store.lock()()
	order, ok := (*store.data).orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrUnknownOrder
	}
	return copyOrder(order), nil
}

// UpdateOrder compares versions before storing.
func (store *Store) UpdateOrder(ctx context.Context, order orders.Order) (orders.Order, error) {
	defer store.lock()()
	stored, ok := (*store.data).orders[order.OrderID]
	if !ok {
		return orders.Order{}, orders.ErrUnknownOrder
	}
	if stored.Version != order.Version {
		return orders.Order{}, orders.ErrConcurrentModification
	}
	order.Version++
	(*store.data).orders[order.OrderID] = copyOrder(order)
	return copyOrder(order), nil
}

// ListDueForDelivery returns shipped orders due at or before atUnixUTC, earliest first.
func (store *Store) ListDueForDelivery(ctx context.Context, atUnixUTC int64, limit int) ([]orders.Order, error) {
	defer store.lock()()
	var due []orders.Order
	for _, order := range (*store.data).orders {
		if order.Status == orders.StatusShipped && order.DeliveryDueUnixUTC > 0 && order.DeliveryDueUnixUTC <= atUnixUTC {
			due = append(due, copyOrder(order))
		}
	}
	sort.Slice(due, func(left, right int) bool {
		if due[left].DeliveryDueUnixUTC == due[right].DeliveryDueUnixUTC {
			return due[left].OrderID.String() < due[right].OrderID.String()
		}
		return due[left].DeliveryDueUnixUTC < due[right].DeliveryDueUnixUTC
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListBuyerOrders returns the buyer's orders, newest first.
func (store *Store) ListBuyerOrders(ctx context.Context, buyerID ledger.UserID, limit int) ([]orders.Order, error) {
	defer store.lock()()
	var listed []orders.Order
	for _, order := range (*store.data).orders {
		if order.BuyerID == buyerID {
			listed = append(listed, copyOrder(order))
		}
	}
	sort.Slice(listed, func(left, right int) bool {
		if listed[left].CreatedUnixUTC == listed[right].CreatedUnixUTC {
			return listed[left].OrderID.String() > listed[right].OrderID.String()
		}
		return listed[left].CreatedUnixUTC > listed[right].CreatedUnixUTC
	})
	if limit > 0 && len(listed) > limit {
		listed = listed[:limit]
	}
	return listed, nil
}

func copyOrder(order orders.Order) orders.Order {
	order.Items = append([]orders.LineItem(nil), order.Items...)
	return order
}
