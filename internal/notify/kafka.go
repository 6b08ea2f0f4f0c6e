package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/orders"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	eventWalletChanged = "wallet_changed"
	eventOrderChanged  = "order_changed"

	publishTimeout = 2 * time.Second
)

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
}

// ChangeEvent is the payload published for every committed change.
type ChangeEvent struct {
	Type            string `json:"type"`
	UserID          string `json:"user_id,omitempty"`
	OrderID         string `json:"order_id,omitempty"`
	BuyerID         string `json:"buyer_id,omitempty"`
	Status          string `json:"status,omitempty"`
	PaymentStatus   string `json:"payment_status,omitempty"`
	TotalCents      int64  `json:"total_cents,omitempty"`
	Version         int64  `json:"version,omitempty"`
	OccurredUnixUTC int64  `json:"occurred_unix_utc"`
}

// KafkaPublisher emits ChangeEvents keyed by entity id so one entity's events stay on one partition.
type KafkaPublisher struct {
	writer  messageWriter
	nowFn   func() int64
	logger  *zap.Logger
	timeout time.Duration
}

// NewKafkaWriter returns a synchronous writer with a hash balancer. Batches flush almost at once so a
// single event does not wait for the default one second batch window.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: publishTimeout,
	}
}

// NewKafkaPublisher builds a publisher over a kafka writer. Each publish is bounded by a short timeout
// and failures are only logged.
func NewKafkaPublisher(writer messageWriter, now func() int64, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: writer, nowFn: now, logger: logger, timeout: publishTimeout}
}

func (publisher *KafkaPublisher) WalletChanged(ctx context.Context, userID ledger.UserID) {
	publisher.publish(ctx, userID.String(), ChangeEvent{
		Type:            eventWalletChanged,
		UserID:          userID.String(),
		OccurredUnixUTC: publisher.nowFn(),
	})
}

func (publisher *KafkaPublisher) OrderChanged(ctx context.Context, order orders.Order) {
	publisher.publish(ctx, order.OrderID.String(), ChangeEvent{
		Type:            eventOrderChanged,
		OrderID:         order.OrderID.String(),
		BuyerID:         order.BuyerID.String(),
		Status:          order.Status.String(),
		PaymentStatus:   order.PaymentStatus.String(),
		TotalCents:      order.Total(),
		Version:         order.Version,
		OccurredUnixUTC: publisher.nowFn(),
	})
}

func (publisher *KafkaPublisher) publish(ctx context.Context, key string, event ChangeEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		publisher.logger.Error("change event encoding failed", zap.String("type", event.Type), zap.Error(err))
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, publisher.timeout)
	defer cancel()
	err = publisher.writer.WriteMessages(publishCtx, kafka.Message{Key: []byte(key), Value: payload})
	if err != nil {
		publisher.logger.Warn("change event publish failed", zap.String("type", event.Type), zap.String("key", key), zap.Error(err))
	}
}
