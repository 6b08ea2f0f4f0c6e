// Package oplog writes ledger operation logs through zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"go.uber.org/zap"
)

const statusOK = "ok"

// ZapLogger implements ledger.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New wraps a zap logger. A nil logger discards entries.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("ledger")}
}

// LogOperation emits failed operations at warn level and the rest at info.
func (operationLogger *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.CounterpartyID.IsZero() {
		fields = append(fields, zap.String("counterparty_id", entry.CounterpartyID.String()))
	}
	if !entry.OrderID.IsZero() {
		fields = append(fields, zap.String("order_id", entry.OrderID.String()))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if key := entry.IdempotencyKey.String(); key != "" {
		fields = append(fields, zap.String("idempotency_key", key))
	}
	if entry.Status != statusOK || entry.Error != nil {
		operationLogger.logger.Warn("ledger operation", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
