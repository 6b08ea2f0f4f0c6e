package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/orders"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type stubDeleter struct {
	keys []string
	err  error
}

func (deleter *stubDeleter) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	deleter.keys = append(deleter.keys, keys...)
	cmd := redis.NewIntCmd(ctx)
	if deleter.err != nil {
		cmd.SetErr(deleter.err)
		return cmd
	}
	cmd.SetVal(int64(len(keys)))
	return cmd
}

type stubWriter struct {
	messages []kafka.Message
	err      error
}

func (writer *stubWriter) WriteMessages(_ context.Context, messages ...kafka.Message) error {
	if writer.err != nil {
		return writer.err
	}
	writer.messages = append(writer.messages, messages...)
	return nil
}

type recordingNotifier struct {
	events []string
}

func (notifier *recordingNotifier) WalletChanged(_ context.Context, userID ledger.UserID) {
	notifier.events = append(notifier.events, "wallet:"+userID.String())
}

func (notifier *recordingNotifier) OrderChanged(_ context.Context, order orders.Order) {
	notifier.events = append(notifier.events, "order:"+order.OrderID.String())
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func sampleOrder(test *testing.T) orders.Order {
	test.Helper()
	orderID, err := ledger.NewOrderID("order-9")
	if err != nil {
		test.Fatalf("order id: %v", err)
	}
	return orders.Order{
		OrderID:       orderID,
		BuyerID:       mustUserID(test, "buyer"),
		Items:         []orders.LineItem{{ProductID: "p", SellerID: mustUserID(test, "seller"), UnitPriceCents: 250, Quantity: 2}},
		Status:        orders.StatusPacked,
		PaymentStatus: orders.PaymentPaid,
		Version:       3,
	}
}

func TestRedisInvalidatorEvictsKeys(test *testing.T) {
	test.Parallel()
	deleter := &stubDeleter{}
	invalidator := NewRedisInvalidator(deleter, zap.NewNop())

	invalidator.WalletChanged(context.Background(), mustUserID(test, "buyer"))
	invalidator.OrderChanged(context.Background(), sampleOrder(test))

	expected := []string{"wallet:buyer:summary", "order:order-9"}
	if len(deleter.keys) != len(expected) {
		test.Fatalf("expected keys %v, got %v", expected, deleter.keys)
	}
	for index := range expected {
		if deleter.keys[index] != expected[index] {
			test.Fatalf("expected keys %v, got %v", expected, deleter.keys)
		}
	}
}

func TestRedisInvalidatorSwallowsErrors(test *testing.T) {
	test.Parallel()
	deleter := &stubDeleter{err: errors.New("connection refused")}
	invalidator := NewRedisInvalidator(deleter, nil)
	invalidator.WalletChanged(context.Background(), mustUserID(test, "buyer"))
	if len(deleter.keys) != 1 {
		test.Fatalf("expected one eviction attempt, got %d", len(deleter.keys))
	}
}

func TestKafkaPublisherEncodesEvents(test *testing.T) {
	test.Parallel()
	writer := &stubWriter{}
	publisher := NewKafkaPublisher(writer, func() int64 { return 42 }, zap.NewNop())

	publisher.WalletChanged(context.Background(), mustUserID(test, "seller"))
	publisher.OrderChanged(context.Background(), sampleOrder(test))

	if len(writer.messages) != 2 {
		test.Fatalf("expected two messages, got %d", len(writer.messages))
	}
	if string(writer.messages[0].Key) != "seller" || string(writer.messages[1].Key) != "order-9" {
		test.Fatalf("unexpected keys %q %q", writer.messages[0].Key, writer.messages[1].Key)
	}
	var walletEvent ChangeEvent
	if err := json.Unmarshal(writer.messages[0].Value, &walletEvent); err != nil {
		test.Fatalf("decode wallet event: %v", err)
	}
	if walletEvent.Type != eventWalletChanged || walletEvent.UserID != "seller" || walletEvent.OccurredUnixUTC != 42 {
		test.Fatalf("unexpected wallet event %+v", walletEvent)
	}
	var orderEvent ChangeEvent
	if err := json.Unmarshal(writer.messages[1].Value, &orderEvent); err != nil {
		test.Fatalf("decode order event: %v", err)
	}
	if orderEvent.Type != eventOrderChanged || orderEvent.Status != "packed" || orderEvent.PaymentStatus != "paid" || orderEvent.TotalCents != 500 || orderEvent.Version != 3 {
		test.Fatalf("unexpected order event %+v", orderEvent)
	}
}

func TestKafkaPublisherSwallowsWriteErrors(test *testing.T) {
	test.Parallel()
	publisher := NewKafkaPublisher(&stubWriter{err: errors.New("broker down")}, func() int64 { return 1 }, nil)
	publisher.OrderChanged(context.Background(), sampleOrder(test))
}

type blockingWriter struct {
	sawDeadline bool
}

func (writer *blockingWriter) WriteMessages(ctx context.Context, _ ...kafka.Message) error {
	_, writer.sawDeadline = ctx.Deadline()
	<-ctx.Done()
	return ctx.Err()
}

func TestKafkaPublisherBoundsSlowBrokers(test *testing.T) {
	test.Parallel()
	writer := &blockingWriter{}
	publisher := NewKafkaPublisher(writer, func() int64 { return 1 }, zap.NewNop())
	publisher.timeout = 20 * time.Millisecond

	started := time.Now()
	publisher.WalletChanged(context.Background(), mustUserID(test, "buyer"))
	if elapsed := time.Since(started); elapsed > time.Second {
		test.Fatalf("publish blocked for %s", elapsed)
	}
	if !writer.sawDeadline {
		test.Fatalf("expected the write to carry a deadline")
	}
}

func TestFanoutPreservesOrderAndSkipsNil(test *testing.T) {
	test.Parallel()
	first := &recordingNotifier{}
	second := &recordingNotifier{}
	fanout := NewFanout(first, nil, second)
	if len(fanout) != 2 {
		test.Fatalf("expected two subscribers, got %d", len(fanout))
	}
	fanout.WalletChanged(context.Background(), mustUserID(test, "buyer"))
	fanout.OrderChanged(context.Background(), sampleOrder(test))
	for _, notifier := range []*recordingNotifier{first, second} {
		if len(notifier.events) != 2 || notifier.events[0] != "wallet:buyer" || notifier.events[1] != "order:order-9" {
			test.Fatalf("unexpected events %v", notifier.events)
		}
	}
}
