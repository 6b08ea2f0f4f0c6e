package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// The schema is owned by gormstore.AutoMigrate; these statements target the same tables.
const (
	constraintWalletPrimary         = "wallets_pkey"
	constraintTransactionIdempotent = "uniq_wallet_tx_idem"
	pgUniqueViolationCode           = "23505"
	errorOperationStore             = "store"
	errorSubjectWallet              = "wallet"
	errorSubjectTransaction         = "transaction"
	errorCodeBegin                  = "begin"
	errorCodeCommit                 = "commit"
	errorCodeCreate                 = "create"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeUpdate                 = "update"
	errorCodeUpdateStatus           = "update_status"
	errorCodeVersionConflict        = "version_conflict"

	sqlSelectWallet = `
		select user_id, available_cents, pending_cents, is_active, pin_hash, version, created_unix_utc
		from wallets
		where user_id = $1
	`

	sqlLockSuffix = ` for update`

	sqlInsertWallet = `
		insert into wallets(user_id, available_cents, pending_cents, is_active, pin_hash, version, created_unix_utc)
		values ($1, $2, $3, $4, $5, $6, $7)
	`

	sqlUpdateWallet = `
		update wallets
		set available_cents = $3, pending_cents = $4, is_active = $5, pin_hash = $6, version = version + 1
		where user_id = $1 and version = $2
	`

	sqlInsertTransaction = `
		insert into wallet_transactions(
			transaction_id, user_id, type, amount_cents, order_id, seller_id,
			balance_after, pending_balance_after, status, idempotency_key, metadata, created_unix_utc
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			coalesce(nullif($10,''),'{}')::jsonb,
			$11
		)
		returning transaction_id::text
	`

	sqlTransactionColumns = `
		select
			transaction_id::text, user_id, type, amount_cents, order_id, seller_id,
			balance_after, pending_balance_after, status, idempotency_key,
			coalesce(metadata::text,'{}'), created_unix_utc
		from wallet_transactions
	`

	sqlListTransactionsBefore = sqlTransactionColumns + `
		where user_id = $1 and created_unix_utc < $2
		order by created_unix_utc desc
		limit $3
	`

	sqlListOrderTransactions = sqlTransactionColumns + `
		where order_id = $1
		order by created_unix_utc asc
	`

	sqlUpdateTransactionStatus = `
		update wallet_transactions
		set status = $3
		where transaction_id = $1::uuid and status = $2
	`

	sqlTransactionExists = `
		select exists(select 1 from wallet_transactions where transaction_id = $1::uuid)
	`
)

// querier is the subset of pgx shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
}

type queries struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &TxStore{queries: queries{db: tx}}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store queries) GetWallet(ctx context.Context, userID ledger.UserID, forUpdate bool) (ledger.Wallet, error) {
	statement := sqlSelectWallet
	if forUpdate {
		statement += sqlLockSuffix
	}
	var (
		userValue      string
		availableValue int64
		pendingValue   int64
		wallet         ledger.Wallet
	)
	err := store.db.QueryRow(ctx, statement, userID.String()).Scan(
		&userValue,
		&availableValue,
		&pendingValue,
		&wallet.IsActive,
		&wallet.PinHash,
		&wallet.Version,
		&wallet.CreatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
		}
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	if wallet.UserID, err = ledger.NewUserID(userValue); err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	if wallet.AvailableCents, err = ledger.NewAmountCents(availableValue); err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	if wallet.PendingCents, err = ledger.NewAmountCents(pendingValue); err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func (store queries) CreateWallet(ctx context.Context, wallet ledger.Wallet) error {
	_, err := store.db.Exec(ctx, sqlInsertWallet,
		wallet.UserID.String(),
		wallet.AvailableCents.Int64(),
		wallet.PendingCents.Int64(),
		wallet.IsActive,
		wallet.PinHash,
		wallet.Version,
		wallet.CreatedUnixUTC,
	)
	if isConstraintViolation(err, constraintWalletPrimary) {
		return wrapStoreError(errorSubjectWallet, errorCodeDuplicate, ledger.ErrWalletExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func (store queries) UpdateWallet(ctx context.Context, wallet ledger.Wallet) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWallet,
		wallet.UserID.String(),
		wallet.Version,
		wallet.AvailableCents.Int64(),
		wallet.PendingCents.Int64(),
		wallet.IsActive,
		wallet.PinHash,
	)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeVersionConflict, ledger.ErrConcurrentModification)
	}
	return nil
}

func (store queries) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (ledger.Transaction, error) {
	var transactionIDValue string
	err := store.db.QueryRow(ctx, sqlInsertTransaction,
		transaction.UserID.String(),
		transaction.Type.String(),
		transaction.AmountCents.Int64(),
		transaction.OrderID.String(),
		transaction.SellerID.String(),
		transaction.BalanceAfter.Int64(),
		transaction.PendingBalanceAfter.Int64(),
		transaction.Status.String(),
		transaction.IdempotencyKey.String(),
		transaction.Metadata.String(),
		transaction.CreatedUnixUTC,
	).Scan(&transactionIDValue)
	if isConstraintViolation(err, constraintTransactionIdempotent) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	if transaction.TransactionID, err = ledger.NewTransactionID(transactionIDValue); err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store queries) ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	var limitValue any
	if limit > 0 {
		limitValue = limit
	}
	rows, err := store.db.Query(ctx, sqlListTransactionsBefore, userID.String(), beforeUnixUTC, limitValue)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store queries) ListOrderTransactions(ctx context.Context, orderID ledger.OrderID) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListOrderTransactions, orderID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store queries) UpdateTransactionStatus(ctx context.Context, transactionID ledger.TransactionID, from, to ledger.TransactionStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateTransactionStatus, transactionID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlTransactionExists, transactionID.String()).Scan(&exists); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrUnknownTransaction)
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrTransactionClosed)
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionIDValue string
			userValue          string
			typeValue          string
			amountValue        int64
			orderValue         string
			sellerValue        string
			balanceValue       int64
			pendingValue       int64
			statusValue        string
			idempotencyValue   string
			metadataValue      string
			createdUnixUTC     int64
		)
		if err := rows.Scan(
			&transactionIDValue,
			&userValue,
			&typeValue,
			&amountValue,
			&orderValue,
			&sellerValue,
			&balanceValue,
			&pendingValue,
			&statusValue,
			&idempotencyValue,
			&metadataValue,
			&createdUnixUTC,
		); err != nil {
			return nil, err
		}
		transaction := ledger.Transaction{
			AmountCents:    ledger.SignedAmountCents(amountValue),
			CreatedUnixUTC: createdUnixUTC,
		}
		var err error
		if transaction.TransactionID, err = ledger.NewTransactionID(transactionIDValue); err != nil {
			return nil, err
		}
		if transaction.UserID, err = ledger.NewUserID(userValue); err != nil {
			return nil, err
		}
		if transaction.Type, err = ledger.ParseTransactionType(typeValue); err != nil {
			return nil, err
		}
		if orderValue != "" {
			if transaction.OrderID, err = ledger.NewOrderID(orderValue); err != nil {
				return nil, err
			}
		}
		if sellerValue != "" {
			if transaction.SellerID, err = ledger.NewUserID(sellerValue); err != nil {
				return nil, err
			}
		}
		if transaction.BalanceAfter, err = ledger.NewAmountCents(balanceValue); err != nil {
			return nil, err
		}
		if transaction.PendingBalanceAfter, err = ledger.NewAmountCents(pendingValue); err != nil {
			return nil, err
		}
		if transaction.Status, err = ledger.ParseTransactionStatus(statusValue); err != nil {
			return nil, err
		}
		if transaction.IdempotencyKey, err = ledger.NewIdempotencyKey(idempotencyValue); err != nil {
			return nil, err
		}
		if transaction.Metadata, err = ledger.NewMetadataJSON(metadataValue); err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isConstraintViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
