package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/marketledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/marketledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/marketledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/orders"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverMemory   = "memory"
)

type stores struct {
	ledger      ledger.Store
	orders      orders.Store
	description string
	closers     []func()
}

func (opened *stores) close() {
	for index := len(opened.closers) - 1; index >= 0; index-- {
		opened.closers[index]()
	}
}

func openStores(ctx context.Context, cfg *runtimeConfig) (*stores, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if driver == driverMemory {
		store := memstore.New()
		return &stores{ledger: store, orders: store, description: driverMemory}, nil
	}
	if cfg.LedgerStore == ledgerStorePgx && driver != driverPostgres {
		return nil, fmt.Errorf("ledger store %q requires a postgres database url", ledgerStorePgx)
	}

	var dialector gorm.Dialector
	switch driver {
	case driverPostgres:
		dialector = postgres.Open(cfg.DatabaseURL)
	case driverSQLite:
		dialector = sqlite.Open(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	opened := &stores{closers: []func(){func() { _ = sqlDB.Close() }}}
	if err := gormstore.AutoMigrate(db.WithContext(ctx)); err != nil {
		opened.close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	gormStore := gormstore.New(db)
	opened.ledger = gormStore
	opened.orders = gormStore
	opened.description = ledgerStoreGorm + "/" + driver
	if cfg.LedgerStore == ledgerStorePgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			opened.close()
			return nil, fmt.Errorf("pgx pool: %w", err)
		}
		opened.closers = append(opened.closers, pool.Close)
		opened.ledger = pgstore.New(pool)
		opened.description = ledgerStorePgx + "/" + driver
	}
	return opened, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "memory://") {
		return driverMemory, "", nil
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "marketledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
