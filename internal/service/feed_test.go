package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/orderfeed/ingest/internal/bus"
	"github.com/orderfeed/ingest/internal/repository"
	"github.com/orderfeed/ingest/internal/sequence"
	apperrors "github.com/orderfeed/ingest/pkg/errors"
)

func newFeedHarness(t *testing.T) (*FeedService, *bus.EventBus) {
	t.Helper()
	gen, err := sequence.New("", 0)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	t.Cleanup(func() { gen.Close() })

	b := bus.New(nil, nil)
	return NewFeedService(gen, b, nil, nil), b
}

func validOrderPayloads(b *bus.EventBus) []bus.ValidOrderPayload {
	events := b.History(bus.EventValidOrder)
	out := make([]bus.ValidOrderPayload, 0, len(events))
	for _, e := range events {
		out = append(out, e.Payload.(bus.ValidOrderPayload))
	}
	return out
}

func errorOrderPayloads(b *bus.EventBus) []bus.ErrorOrderPayload {
	events := b.History(bus.EventErrorOrder)
	out := make([]bus.ErrorOrderPayload, 0, len(events))
	for _, e := range events {
		out = append(out, e.Payload.(bus.ErrorOrderPayload))
	}
	return out
}

func TestProcessSingleAcceptsValidPayload(t *testing.T) {
	svc, b := newFeedHarness(t)

	res := svc.ProcessSingle(context.Background(), repository.PartnerA, validA())
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.PartnerID != repository.PartnerA || res.OrderID != "ORD-1" || res.SequenceNumber != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	valid := validOrderPayloads(b)
	if len(valid) != 1 {
		t.Fatalf("expected exactly one valid event, got %d", len(valid))
	}
	o := valid[0].Order
	if o.GrossAmount != 100.0 || o.TaxAmount != 10.0 || o.NetAmount != 110.0 {
		t.Fatalf("amounts = %v/%v/%v", o.GrossAmount, o.TaxAmount, o.NetAmount)
	}
	if valid[0].ReceivedAt == "" {
		t.Fatalf("receivedAt not set")
	}
	if got := len(b.History(bus.EventErrorOrder)); got != 0 {
		t.Fatalf("expected no error events, got %d", got)
	}
}

func TestProcessSinglePartnerSequencesIndependent(t *testing.T) {
	svc, _ := newFeedHarness(t)
	ctx := context.Background()

	for i, id := range []string{"ORD-1", "ORD-2", "ORD-3"} {
		m := validA()
		m["orderId"] = id
		res := svc.ProcessSingle(ctx, repository.PartnerA, m)
		if !res.Success || res.SequenceNumber != int64(i+1) {
			t.Fatalf("order %s: %+v", id, res)
		}
	}

	res := svc.ProcessSingle(ctx, repository.PartnerB, validB())
	if !res.Success || res.SequenceNumber != 1 {
		t.Fatalf("first B order should take sequence 1, got %+v", res)
	}
}

func TestProcessSingleRejectionBurnsNoSequence(t *testing.T) {
	svc, b := newFeedHarness(t)
	ctx := context.Background()

	bad := validA()
	bad["orderId"] = "ORD-X"
	bad["quantity"] = -5.0
	res := svc.ProcessSingle(ctx, repository.PartnerA, bad)
	if res.Success {
		t.Fatalf("negative quantity accepted: %+v", res)
	}
	if res.OrderID != "ORD-X" {
		t.Fatalf("originalOrderId not surfaced: %+v", res)
	}
	if code, ok := fieldCode(res.Errors, "quantity"); !ok || code != apperrors.CodeNegativeNumber {
		t.Fatalf("expected quantity NEGATIVE_NUMBER, got %v", res.Errors)
	}

	// 恰好一条错误事件，零条有效事件
	if got := len(errorOrderPayloads(b)); got != 1 {
		t.Fatalf("expected one error event, got %d", got)
	}
	if got := len(validOrderPayloads(b)); got != 0 {
		t.Fatalf("expected no valid events, got %d", got)
	}

	// 被拒负载不消耗序号：下一笔合法订单拿到 1
	res = svc.ProcessSingle(ctx, repository.PartnerA, validA())
	if !res.Success || res.SequenceNumber != 1 {
		t.Fatalf("sequence was burned by rejection: %+v", res)
	}
}

func TestProcessSingleRejectsNonObjectPayload(t *testing.T) {
	svc, b := newFeedHarness(t)

	res := svc.ProcessSingle(context.Background(), repository.PartnerA, "not-json-object")
	if res.Success {
		t.Fatalf("scalar payload accepted")
	}
	if res.OrderID != "" {
		t.Fatalf("orderId should be empty for scalar payload, got %q", res.OrderID)
	}

	errs := errorOrderPayloads(b)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if errs[0].OriginalOrderID != "" {
		t.Fatalf("originalOrderId should be omitted: %+v", errs[0])
	}
	if errs[0].RawInput != "not-json-object" {
		t.Fatalf("raw input not preserved: %+v", errs[0].RawInput)
	}
}

func TestProcessSingleExtractsOriginalOrderID(t *testing.T) {
	svc, b := newFeedHarness(t)

	bad := map[string]any{"orderId": "ORD-9", "quantity": "x"}
	svc.ProcessSingle(context.Background(), repository.PartnerA, bad)

	errs := errorOrderPayloads(b)
	if len(errs) != 1 || errs[0].OriginalOrderID != "ORD-9" {
		t.Fatalf("originalOrderId not extracted: %+v", errs)
	}
	if errs[0].Timestamp == "" {
		t.Fatalf("timestamp not set")
	}
}

func TestProcessSingleUnknownPartner(t *testing.T) {
	svc, b := newFeedHarness(t)

	res := svc.ProcessSingle(context.Background(), repository.PartnerID("PARTNER_X"), validA())
	if res.Success {
		t.Fatalf("unknown partner accepted")
	}
	if code, ok := fieldCode(res.Errors, "partnerId"); !ok || code != apperrors.CodeUnknownPartner {
		t.Fatalf("expected UNKNOWN_PARTNER, got %v", res.Errors)
	}
	if got := len(errorOrderPayloads(b)); got != 1 {
		t.Fatalf("expected one error event, got %d", got)
	}
}

func TestProcessBatchPartialFailure(t *testing.T) {
	svc, _ := newFeedHarness(t)

	mid := validA()
	mid["orderId"] = "ORD-2"
	mid["quantity"] = 0.0
	last := validA()
	last["orderId"] = "ORD-3"

	out := svc.ProcessBatch(context.Background(), repository.PartnerA, []any{validA(), mid, last})
	if out.Total != 3 || out.Accepted != 2 || out.Rejected != 1 {
		t.Fatalf("batch counters = %d/%d/%d, want 3/2/1", out.Total, out.Accepted, out.Rejected)
	}
	if len(out.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out.Results))
	}
	if !out.Results[0].Success || out.Results[0].SequenceNumber != 1 {
		t.Fatalf("first result: %+v", out.Results[0])
	}
	if out.Results[1].Success {
		t.Fatalf("middle result should fail: %+v", out.Results[1])
	}
	if !out.Results[2].Success || out.Results[2].SequenceNumber != 2 {
		t.Fatalf("third result should take sequence 2: %+v", out.Results[2])
	}
}

func TestDuplicateRejectionPolicy(t *testing.T) {
	svc, b := newFeedHarness(t)
	ctx := context.Background()

	store, err := repository.NewMemoryOrderStore("", 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	svc.EnableDuplicateRejection(store)

	existing := &repository.OrderEvent{
		ID:              "internal-1",
		ExternalOrderID: "ORD-1",
		PartnerID:       repository.PartnerA,
		SequenceNumber:  1,
		TransactionTime: "2024-01-15T10:30:00.000Z",
		ProcessedAt:     "2024-01-15T10:30:00.000Z",
	}
	if err := store.Save(ctx, existing); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	res := svc.ProcessSingle(ctx, repository.PartnerA, validA())
	if res.Success {
		t.Fatalf("duplicate accepted: %+v", res)
	}
	if code, ok := fieldCode(res.Errors, "orderId"); !ok || code != apperrors.CodeDuplicateOrder {
		t.Fatalf("expected DUPLICATE_ORDER, got %v", res.Errors)
	}
	if got := len(errorOrderPayloads(b)); got != 1 {
		t.Fatalf("expected one error event, got %d", got)
	}

	// 重复拒收不消耗序号
	fresh := validA()
	fresh["orderId"] = "ORD-2"
	if res := svc.ProcessSingle(ctx, repository.PartnerA, fresh); !res.Success || res.SequenceNumber != 1 {
		t.Fatalf("sequence burned by duplicate rejection: %+v", res)
	}

	// 不同合作方同号不算重复
	bp := validB()
	bp["transactionId"] = "ORD-1"
	if res := svc.ProcessSingle(ctx, repository.PartnerB, bp); !res.Success {
		t.Fatalf("cross-partner external id treated as duplicate: %+v", res)
	}
}

type failingChecker struct{}

func (failingChecker) ExistsByExternalID(context.Context, string, repository.PartnerID) (bool, error) {
	return false, errors.New("store offline")
}

func TestDuplicateCheckFailureAdmits(t *testing.T) {
	svc, _ := newFeedHarness(t)
	svc.EnableDuplicateRejection(failingChecker{})

	if res := svc.ProcessSingle(context.Background(), repository.PartnerA, validA()); !res.Success {
		t.Fatalf("degraded duplicate check must not block ingestion: %+v", res)
	}
}

func TestConcurrentProcessSingleDenseSequences(t *testing.T) {
	svc, _ := newFeedHarness(t)
	ctx := context.Background()

	const workers = 30
	results := make([]ProcessingResult, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			m := validA()
			m["orderId"] = fmt.Sprintf("ORD-%03d", idx)
			results[idx] = svc.ProcessSingle(ctx, repository.PartnerA, m)
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, workers)
	for _, r := range results {
		if !r.Success {
			t.Fatalf("concurrent submit failed: %+v", r)
		}
		if seen[r.SequenceNumber] {
			t.Fatalf("sequence %d issued twice", r.SequenceNumber)
		}
		seen[r.SequenceNumber] = true
	}
	for n := int64(1); n <= workers; n++ {
		if !seen[n] {
			t.Fatalf("sequence %d missing, set not dense", n)
		}
	}
}
