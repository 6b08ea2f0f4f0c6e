package gormstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/orders"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	errorOperationStore      = "store"
	errorSubjectWallet       = "wallet"
	errorSubjectTransaction  = "transaction"
	errorSubjectOrder        = "order"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeUpdate          = "update"
	errorCodeUpdateStatus    = "update_status"
	errorCodeVersionConflict = "version_conflict"
)

// Store implements ledger.Store and orders.Store using GORM.
// Row locks are requested with FOR UPDATE; the sqlite dialect ignores them and relies on database-level locking.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetWallet(ctx context.Context, userID ledger.UserID, forUpdate bool) (ledger.Wallet, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Wallet
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
		}
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	wallet, err := mapWallet(model)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func (store *Store) CreateWallet(ctx context.Context, wallet ledger.Wallet) error {
	model := Wallet{
		UserID:         wallet.UserID.String(),
		AvailableCents: wallet.AvailableCents.Int64(),
		PendingCents:   wallet.PendingCents.Int64(),
		IsActive:       wallet.IsActive,
		PinHash:        wallet.PinHash,
		Version:        wallet.Version,
		CreatedUnixUTC: wallet.CreatedUnixUTC,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectWallet, errorCodeDuplicate, ledger.ErrWalletExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateWallet(ctx context.Context, wallet ledger.Wallet) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ? AND version = ?", wallet.UserID.String(), wallet.Version).
		Updates(map[string]any{
			"available_cents": wallet.AvailableCents.Int64(),
			"pending_cents":   wallet.PendingCents.Int64(),
			"is_active":       wallet.IsActive,
			"pin_hash":        wallet.PinHash,
			"version":         wallet.Version + 1,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeVersionConflict, ledger.ErrConcurrentModification)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (ledger.Transaction, error) {
	model := WalletTransaction{
		UserID:              transaction.UserID.String(),
		Type:                transaction.Type.String(),
		AmountCents:         transaction.AmountCents.Int64(),
		OrderID:             transaction.OrderID.String(),
		SellerID:            transaction.SellerID.String(),
		BalanceAfter:        transaction.BalanceAfter.Int64(),
		PendingBalanceAfter: transaction.PendingBalanceAfter.Int64(),
		Status:              transaction.Status.String(),
		IdempotencyKey:      transaction.IdempotencyKey.String(),
		Metadata:            datatypesJSON(transaction.Metadata.String()),
		CreatedUnixUTC:      transaction.CreatedUnixUTC,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transactionID, err := ledger.NewTransactionID(model.TransactionID)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	transaction.TransactionID = transactionID
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	var rows []WalletTransaction
	query := store.db.WithContext(ctx).
		Where("user_id = ? AND created_unix_utc < ?", userID.String(), beforeUnixUTC).
		Order("created_unix_utc DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) ListOrderTransactions(ctx context.Context, orderID ledger.OrderID) ([]ledger.Transaction, error) {
	var rows []WalletTransaction
	err := store.db.WithContext(ctx).
		Where("order_id = ?", orderID.String()).
		Order("created_unix_utc ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID ledger.TransactionID, from, to ledger.TransactionStatus) error {
	result := store.db.WithContext(ctx).
		Model(&WalletTransaction{}).
		Where("transaction_id = ? AND status = ?", transactionID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&WalletTransaction{}).Where("transaction_id = ?", transactionID.String()).Count(&count).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrUnknownTransaction)
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrTransactionClosed)
}

func (store *Store) CreateOrder(ctx context.Context, order orders.Order) error {
	model, err := orderModel(order)
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	model.Version = 0
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectOrder, errorCodeDuplicate, orders.ErrOrderExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetOrder(ctx context.Context, orderID ledger.OrderID) (orders.Order, error) {
	var model Order
	err := store.db.WithContext(ctx).Where("order_id = ?", orderID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return orders.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, orders.ErrUnknownOrder)
		}
		return orders.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	order, err := mapOrder(model)
	if err != nil {
		return orders.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	return order, nil
}

// UpdateOrder writes every mutable column guarded by the stored version.
func (store *Store) UpdateOrder(ctx context.Context, order orders.Order) (orders.Order, error) {
	model, err := orderModel(order)
	if err != nil {
		return orders.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&Order{}).
		Where("order_id = ? AND version = ?", model.OrderID, order.Version).
		Updates(map[string]any{
			"status":                model.Status,
			"payment_status":        model.PaymentStatus,
			"items":                 model.Items,
			"shipping":              model.Shipping,
			"tracking":              model.Tracking,
			"cancel_reason":         model.CancelReason,
			"delivery_due_unix_utc": model.DeliveryDueUnixUTC,
			"packed_unix_utc":       model.PackedUnixUTC,
			"shipped_unix_utc":      model.ShippedUnixUTC,
			"delivered_unix_utc":    model.DeliveredUnixUTC,
			"cancelled_unix_utc":    model.CancelledUnixUTC,
			"version":               order.Version + 1,
		})
	if result.Error != nil {
		return orders.Order{}, wrapStoreError(errorSubjectOrder, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&Order{}).Where("order_id = ?", model.OrderID).Count(&count).Error; err != nil {
			return orders.Order{}, wrapStoreError(errorSubjectOrder, errorCodeUpdate, err)
		}
		if count == 0 {
			return orders.Order{}, wrapStoreError(errorSubjectOrder, errorCodeUpdate, orders.ErrUnknownOrder)
		}
		return orders.Order{}, wrapStoreError(errorSubjectOrder, errorCodeVersionConflict, orders.ErrConcurrentModification)
	}
	order.Version++
	return order, nil
}

func (store *Store) ListDueForDelivery(ctx context.Context, atUnixUTC int64, limit int) ([]orders.Order, error) {
	query := store.db.WithContext(ctx).
		Where("status = ? AND delivery_due_unix_utc > 0 AND delivery_due_unix_utc <= ?", orders.StatusShipped.String(), atUnixUTC).
		Order("delivery_due_unix_utc ASC").
		Order("order_id ASC")
	return store.findOrders(query, limit)
}

func (store *Store) ListBuyerOrders(ctx context.Context, buyerID ledger.UserID, limit int) ([]orders.Order, error) {
	query := store.db.WithContext(ctx).
		Where("buyer_id = ?", buyerID.String()).
		Order("created_unix_utc DESC").
		Order("order_id DESC")
	return store.findOrders(query, limit)
}

func (store *Store) findOrders(query *gorm.DB, limit int) ([]orders.Order, error) {
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Order
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectOrder, errorCodeList, err)
	}
	listed := make([]orders.Order, 0, len(rows))
	for _, row := range rows {
		order, err := mapOrder(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
		}
		listed = append(listed, order)
	}
	return listed, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapWallet(model Wallet) (ledger.Wallet, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	available, err := ledger.NewAmountCents(model.AvailableCents)
	if err != nil {
		return ledger.Wallet{}, err
	}
	pending, err := ledger.NewAmountCents(model.PendingCents)
	if err != nil {
		return ledger.Wallet{}, err
	}
	return ledger.Wallet{
		UserID:         userID,
		AvailableCents: available,
		PendingCents:   pending,
		IsActive:       model.IsActive,
		PinHash:        model.PinHash,
		Version:        model.Version,
		CreatedUnixUTC: model.CreatedUnixUTC,
	}, nil
}

func mapTransactions(rows []WalletTransaction) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapTransaction(row WalletTransaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(row.Status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	balanceAfter, err := ledger.NewAmountCents(row.BalanceAfter)
	if err != nil {
		return ledger.Transaction{}, err
	}
	pendingAfter, err := ledger.NewAmountCents(row.PendingBalanceAfter)
	if err != nil {
		return ledger.Transaction{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction := ledger.Transaction{
		TransactionID:       transactionID,
		UserID:              userID,
		Type:                transactionType,
		AmountCents:         ledger.SignedAmountCents(row.AmountCents),
		BalanceAfter:        balanceAfter,
		PendingBalanceAfter: pendingAfter,
		Status:              status,
		IdempotencyKey:      idempotencyKey,
		Metadata:            metadata,
		CreatedUnixUTC:      row.CreatedUnixUTC,
	}
	if row.OrderID != "" {
		if transaction.OrderID, err = ledger.NewOrderID(row.OrderID); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if row.SellerID != "" {
		if transaction.SellerID, err = ledger.NewUserID(row.SellerID); err != nil {
			return ledger.Transaction{}, err
		}
	}
	return transaction, nil
}

func orderModel(order orders.Order) (Order, error) {
	records := make([]lineItemRecord, 0, len(order.Items))
	for _, item := range order.Items {
		records = append(records, lineItemRecord{
			ProductID:      item.ProductID,
			SellerID:       item.SellerID.String(),
			UnitPriceCents: item.UnitPriceCents.Int64(),
			Quantity:       item.Quantity,
		})
	}
	items, err := json.Marshal(records)
	if err != nil {
		return Order{}, err
	}
	shipping, err := json.Marshal(order.Shipping)
	if err != nil {
		return Order{}, err
	}
	tracking, err := json.Marshal(order.Tracking)
	if err != nil {
		return Order{}, err
	}
	return Order{
		OrderID:            order.OrderID.String(),
		BuyerID:            order.BuyerID.String(),
		Status:             order.Status.String(),
		PaymentStatus:      order.PaymentStatus.String(),
		Items:              datatypes.JSON(items),
		Shipping:           datatypes.JSON(shipping),
		Tracking:           datatypes.JSON(tracking),
		CancelReason:       order.CancelReason,
		DeliveryDueUnixUTC: order.DeliveryDueUnixUTC,
		CreatedUnixUTC:     order.CreatedUnixUTC,
		PackedUnixUTC:      order.PackedUnixUTC,
		ShippedUnixUTC:     order.ShippedUnixUTC,
		DeliveredUnixUTC:   order.DeliveredUnixUTC,
		CancelledUnixUTC:   order.CancelledUnixUTC,
		Version:            order.Version,
	}, nil
}

func mapOrder(model Order) (orders.Order, error) {
	orderID, err := ledger.NewOrderID(model.OrderID)
	if err != nil {
		return orders.Order{}, err
	}
	buyerID, err := ledger.NewUserID(model.BuyerID)
	if err != nil {
		return orders.Order{}, err
	}
	status, err := orders.ParseStatus(model.Status)
	if err != nil {
		return orders.Order{}, err
	}
	paymentStatus, err := orders.ParsePaymentStatus(model.PaymentStatus)
	if err != nil {
		return orders.Order{}, err
	}
	var records []lineItemRecord
	if err := json.Unmarshal(model.Items, &records); err != nil {
		return orders.Order{}, err
	}
	items := make([]orders.LineItem, 0, len(records))
	for _, record := range records {
		sellerID, err := ledger.NewUserID(record.SellerID)
		if err != nil {
			return orders.Order{}, err
		}
		unitPrice, err := ledger.NewPositiveAmountCents(record.UnitPriceCents)
		if err != nil {
			return orders.Order{}, err
		}
		items = append(items, orders.LineItem{
			ProductID:      record.ProductID,
			SellerID:       sellerID,
			UnitPriceCents: unitPrice,
			Quantity:       record.Quantity,
		})
	}
	order := orders.Order{
		OrderID:            orderID,
		BuyerID:            buyerID,
		Items:              items,
		Status:             status,
		PaymentStatus:      paymentStatus,
		CancelReason:       model.CancelReason,
		DeliveryDueUnixUTC: model.DeliveryDueUnixUTC,
		CreatedUnixUTC:     model.CreatedUnixUTC,
		PackedUnixUTC:      model.PackedUnixUTC,
		ShippedUnixUTC:     model.ShippedUnixUTC,
		DeliveredUnixUTC:   model.DeliveredUnixUTC,
		CancelledUnixUTC:   model.CancelledUnixUTC,
		Version:            model.Version,
	}
	if err := json.Unmarshal(model.Shipping, &order.Shipping); err != nil {
		return orders.Order{}, err
	}
	if err := json.Unmarshal(model.Tracking, &order.Tracking); err != nil {
		return orders.Order{}, err
	}
	return order, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
