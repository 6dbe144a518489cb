package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/orderfeed/ingest/internal/bus"
	"github.com/orderfeed/ingest/internal/repository"
	apperrors "github.com/orderfeed/ingest/pkg/errors"
	redispkg "github.com/orderfeed/ingest/pkg/redis"
	"github.com/orderfeed/ingest/pkg/validate"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newStores(t *testing.T) (*repository.MemoryOrderStore, *repository.MemoryErrorStore) {
	t.Helper()
	orders, err := repository.NewMemoryOrderStore("", 0)
	if err != nil {
		t.Fatalf("order store: %v", err)
	}
	t.Cleanup(func() { orders.Close() })

	errs, err := repository.NewMemoryErrorStore("", 0)
	if err != nil {
		t.Fatalf("error store: %v", err)
	}
	t.Cleanup(func() { errs.Close() })
	return orders, errs
}

func mustEnvelope(t *testing.T, id string, kind bus.Kind, payload interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(bus.Event{
		ID:        id,
		Kind:      kind,
		Payload:   payload,
		EmittedAt: "2024-01-15T10:30:00.000Z",
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func TestConsumerRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer raw.Close()
	client := redispkg.NewStreamClient(raw)

	orders, errs := newStores(t)

	// 进件侧：总线 -> 发布器 -> 流
	b := bus.New(nil, nil)
	p := NewPublisher(client, "", "", nil, nil)
	p.Attach(b)

	b.Emit(bus.EventValidOrder, bus.ValidOrderPayload{
		Order: repository.OrderEvent{
			ID:              "o-1",
			ExternalOrderID: "ORD-1",
			PartnerID:       repository.PartnerA,
			SequenceNumber:  1,
			ProductID:       "SKU-1",
			CustomerID:      "C1",
			Quantity:        5,
			UnitPrice:       20,
			GrossAmount:     100,
			TaxAmount:       10,
			NetAmount:       110,
			TransactionTime: "2024-01-15T10:30:00.000Z",
			ProcessedAt:     "2024-01-15T10:30:01.000Z",
		},
		ReceivedAt: "2024-01-15T10:30:01.000Z",
	})
	b.Emit(bus.EventErrorOrder, bus.ErrorOrderPayload{
		PartnerID:       repository.PartnerB,
		OriginalOrderID: "TXN-9",
		Errors: []validate.FieldError{
			{Field: "qty", Code: apperrors.CodeNegativeNumber, Message: "must be positive"},
		},
		Timestamp: "2024-01-15T10:31:00.000Z",
	})
	p.Close()

	// 落库侧：流 -> 消费者 -> 仓储
	c := NewConsumer(client, orders, errs, ConsumerConfig{
		Group:    "persist",
		Consumer: "feed-1",
		Options: &redispkg.ConsumerOptions{
			BatchSize:            10,
			BlockTime:            100 * time.Millisecond,
			PendingCheckInterval: time.Minute,
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	waitFor(t, func() bool {
		n, _ := orders.Count(context.Background(), repository.OrderFilters{})
		e, _ := errs.Count(context.Background(), repository.ErrorFilters{})
		return n == 1 && e == 1
	})

	cancel()
	<-done

	got, err := orders.FindByID(context.Background(), "o-1")
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if got.ExternalOrderID != "ORD-1" || got.PartnerID != repository.PartnerA || got.NetAmount != 110 {
		t.Fatalf("order mangled: %+v", got)
	}

	page, err := errs.FindMany(context.Background(), repository.ErrorFilters{}, repository.Pagination{}, repository.SortDesc)
	if err != nil {
		t.Fatalf("find errors: %v", err)
	}
	if len(page.Data) != 1 {
		t.Fatalf("error records = %d, want 1", len(page.Data))
	}
	rec := page.Data[0]
	if rec.PartnerID != repository.PartnerB || rec.ExternalOrderID != "TXN-9" {
		t.Fatalf("error record mangled: %+v", rec)
	}
	if rec.ErrorCode != apperrors.CodeNegativeNumber {
		t.Fatalf("error code = %s, want %s", rec.ErrorCode, apperrors.CodeNegativeNumber)
	}
	if ok, _, _ := c.Monitor().Healthy(time.Now(), time.Minute); !ok {
		t.Fatal("consumer loop should report healthy after consuming")
	}
}

func TestConsumerHandleDispatch(t *testing.T) {
	orders, errs := newStores(t)
	c := NewConsumer(redispkg.NewStreamClient(nil), orders, errs, ConsumerConfig{}, nil)
	ctx := context.Background()

	valid := mustEnvelope(t, "evt-1", bus.EventValidOrder, bus.ValidOrderPayload{
		Order: repository.OrderEvent{ID: "o-1", PartnerID: repository.PartnerA, SequenceNumber: 1},
	})
	if err := c.handle(ctx, &redispkg.Message{ID: "1-0", Stream: DefaultValidOrderStream, Data: valid}); err != nil {
		t.Fatalf("handle valid: %v", err)
	}
	if _, err := orders.FindByID(ctx, "o-1"); err != nil {
		t.Fatalf("order not stored: %v", err)
	}

	errEnv := mustEnvelope(t, "evt-2", bus.EventErrorOrder, bus.ErrorOrderPayload{
		PartnerID: repository.PartnerA,
		Errors: []validate.FieldError{
			{Field: "orderId", Code: apperrors.CodeMissingRequiredField, Message: "required field missing"},
		},
		Timestamp: "2024-01-15T10:31:00.000Z",
	})
	if err := c.handle(ctx, &redispkg.Message{ID: "1-1", Stream: DefaultErrorOrderStream, Data: errEnv}); err != nil {
		t.Fatalf("handle error: %v", err)
	}
	// 记录主键取事件 ID
	rec, err := errs.FindByID(ctx, "evt-2")
	if err != nil {
		t.Fatalf("error record not stored under event id: %v", err)
	}
	if rec.ErrorCode != apperrors.CodeMissingRequiredField {
		t.Fatalf("error code = %s", rec.ErrorCode)
	}

	unknown := mustEnvelope(t, "evt-3", bus.Kind("order.unknown"), map[string]string{"x": "y"})
	if err := c.handle(ctx, &redispkg.Message{ID: "1-2", Stream: DefaultValidOrderStream, Data: unknown}); err != nil {
		t.Fatalf("unknown kind should be dropped, got %v", err)
	}
	if n, _ := orders.Count(ctx, repository.OrderFilters{}); n != 1 {
		t.Fatalf("order count = %d, want 1", n)
	}
}

func TestConsumerHandleRejectsBadMessages(t *testing.T) {
	orders, errs := newStores(t)
	c := NewConsumer(redispkg.NewStreamClient(nil), orders, errs, ConsumerConfig{}, nil)
	ctx := context.Background()

	if err := c.handle(ctx, &redispkg.Message{ID: "1-0", Data: []byte("{")}); err == nil {
		t.Fatal("expected envelope unmarshal error")
	}

	badPayload, err := json.Marshal(map[string]interface{}{
		"id":      "evt-1",
		"kind":    string(bus.EventValidOrder),
		"payload": "not-an-object",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.handle(ctx, &redispkg.Message{ID: "1-1", Data: badPayload}); err == nil {
		t.Fatal("expected payload unmarshal error")
	}

	noID := mustEnvelope(t, "evt-2", bus.EventValidOrder, bus.ValidOrderPayload{
		Order: repository.OrderEvent{PartnerID: repository.PartnerA},
	})
	if err := c.handle(ctx, &redispkg.Message{ID: "1-2", Data: noID}); err == nil {
		t.Fatal("expected missing order id error")
	}
	if n, _ := orders.Count(ctx, repository.OrderFilters{}); n != 0 {
		t.Fatalf("order count = %d, want 0", n)
	}
}

func TestConsumerRedeliveryIsIdempotent(t *testing.T) {
	orders, errs := newStores(t)
	c := NewConsumer(redispkg.NewStreamClient(nil), orders, errs, ConsumerConfig{}, nil)
	ctx := context.Background()

	valid := mustEnvelope(t, "evt-1", bus.EventValidOrder, bus.ValidOrderPayload{
		Order: repository.OrderEvent{ID: "o-1", PartnerID: repository.PartnerA, SequenceNumber: 1},
	})
	errEnv := mustEnvelope(t, "evt-2", bus.EventErrorOrder, bus.ErrorOrderPayload{
		PartnerID: repository.PartnerB,
		Timestamp: "2024-01-15T10:31:00.000Z",
	})

	for i := 0; i < 3; i++ {
		if err := c.handle(ctx, &redispkg.Message{ID: "1-0", Data: valid}); err != nil {
			t.Fatalf("handle valid #%d: %v", i, err)
		}
		if err := c.handle(ctx, &redispkg.Message{ID: "1-1", Data: errEnv}); err != nil {
			t.Fatalf("handle error #%d: %v", i, err)
		}
	}

	if n, _ := orders.Count(ctx, repository.OrderFilters{}); n != 1 {
		t.Fatalf("order count = %d, want 1", n)
	}
	if n, _ := errs.Count(ctx, repository.ErrorFilters{}); n != 1 {
		t.Fatalf("error count = %d, want 1", n)
	}
}

func TestConsumerWithoutErrorStore(t *testing.T) {
	orders, _ := newStores(t)
	c := NewConsumer(redispkg.NewStreamClient(nil), orders, nil, ConsumerConfig{}, nil)

	if len(c.streams) != 1 || c.streams[0] != DefaultValidOrderStream {
		t.Fatalf("streams = %v, want only %s", c.streams, DefaultValidOrderStream)
	}

	// 即使收到错误事件也只是确认丢弃
	errEnv := mustEnvelope(t, "evt-1", bus.EventErrorOrder, bus.ErrorOrderPayload{PartnerID: repository.PartnerA})
	if err := c.handle(context.Background(), &redispkg.Message{ID: "1-0", Data: errEnv}); err != nil {
		t.Fatalf("handle: %v", err)
	}
}

func TestConsumerDefaults(t *testing.T) {
	orders, errs := newStores(t)
	c := NewConsumer(redispkg.NewStreamClient(nil), orders, errs, ConsumerConfig{}, nil)

	if c.group != "feed-persist" {
		t.Fatalf("group = %s, want feed-persist", c.group)
	}
	if len(c.streams) != 2 {
		t.Fatalf("streams = %v, want both defaults", c.streams)
	}
	if c.streams[0] != DefaultValidOrderStream || c.streams[1] != DefaultErrorOrderStream {
		t.Fatalf("streams = %v", c.streams)
	}
}
