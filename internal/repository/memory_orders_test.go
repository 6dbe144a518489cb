package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func makeOrder(id string, partner PartnerID, seq int64, processedAt string, gross float64) *OrderEvent {
	return &OrderEvent{
		ID:              id,
		ExternalOrderID: "EXT-" + id,
		PartnerID:       partner,
		SequenceNumber:  seq,
		ProductID:       "PROD-1",
		CustomerID:      "CUST-1",
		Quantity:        2,
		UnitPrice:       10.0,
		TaxRate:         0.1,
		GrossAmount:     gross,
		TaxAmount:       RoundCents(gross * 0.1),
		NetAmount:       RoundCents(gross * 1.1),
		TransactionTime: processedAt,
		ProcessedAt:     processedAt,
	}
}

func newOrderStore(t *testing.T) *MemoryOrderStore {
	t.Helper()
	s, err := NewMemoryOrderStore("", 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOrderSaveAndFindByID(t *testing.T) {
	s := newOrderStore(t)
	ctx := context.Background()

	in := makeOrder("o1", PartnerA, 1, "2025-01-01T10:00:00.000Z", 20.0)
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.FindByID(ctx, "o1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ExternalOrderID != "EXT-o1" || got.SequenceNumber != 1 {
		t.Fatalf("unexpected order: %+v", got)
	}

	// 返回副本：调用方修改不得影响仓储
	got.GrossAmount = 999
	again, _ := s.FindByID(ctx, "o1")
	if again.GrossAmount != 20.0 {
		t.Fatalf("store leaked internal state, gross = %v", again.GrossAmount)
	}

	if _, err := s.FindByID(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderExternalIndexNewestWins(t *testing.T) {
	s := newOrderStore(t)
	ctx := context.Background()

	first := makeOrder("o1", PartnerA, 1, "2025-01-01T10:00:00.000Z", 10.0)
	second := makeOrder("o2", PartnerA, 2, "2025-01-01T11:00:00.000Z", 30.0)
	second.ExternalOrderID = first.ExternalOrderID

	s.Save(ctx, first)
	s.Save(ctx, second)

	got, err := s.FindByExternalID(ctx, first.ExternalOrderID, PartnerA)
	if err != nil {
		t.Fatalf("find by external: %v", err)
	}
	if got.ID != "o2" {
		t.Fatalf("expected newest record o2, got %s", got.ID)
	}

	// 外部 ID 按合作方隔离
	if _, err := s.FindByExternalID(ctx, first.ExternalOrderID, PartnerB); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for other partner, got %v", err)
	}

	ok, err := s.ExistsByExternalID(ctx, first.ExternalOrderID, PartnerA)
	if err != nil || !ok {
		t.Fatalf("expected exists = true, got %v %v", ok, err)
	}
	ok, _ = s.ExistsByExternalID(ctx, "unknown", PartnerA)
	if ok {
		t.Fatal("expected exists = false for unknown external id")
	}
}

func TestOrderFindManyDefaultSort(t *testing.T) {
	s := newOrderStore(t)
	ctx := context.Background()

	s.Save(ctx, makeOrder("old", PartnerA, 1, "2025-01-01T08:00:00.000Z", 10))
	s.Save(ctx, makeOrder("new", PartnerA, 3, "2025-01-01T10:00:00.000Z", 30))
	s.Save(ctx, makeOrder("mid", PartnerA, 2, "2025-01-01T09:00:00.000Z", 20))

	page, err := s.FindMany(ctx, OrderFilters{}, Pagination{}, OrderSort{})
	if err != nil {
		t.Fatalf("find many: %v", err)
	}
	if page.Total != 3 || page.Page != 1 || page.PageSize != 20 {
		t.Fatalf("unexpected page meta: %+v", page)
	}
	wantIDs := []string{"new", "mid", "old"}
	for i, want := range wantIDs {
		if page.Data[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, page.Data[i].ID)
		}
	}
}

func TestOrderFindManySortVariants(t *testing.T) {
	s := newOrderStore(t)
	ctx := context.Background()

	s.Save(ctx, makeOrder("a", PartnerA, 2, "2025-01-01T08:00:00.000Z", 30))
	s.Save(ctx, makeOrder("b", PartnerA, 1, "2025-01-01T09:00:00.000Z", 10))
	s.Save(ctx, makeOrder("c", PartnerA, 3, "2025-01-01T07:00:00.000Z", 20))

	tests := []struct {
		name string
		sort OrderSort
		want []string
	}{
		{"sequence asc", OrderSort{Field: SortSequenceNumber, Direction: SortAsc}, []string{"b", "a", "c"}},
		{"gross desc", OrderSort{Field: SortGrossAmount, Direction: SortDesc}, []string{"a", "c", "b"}},
		{"transaction asc", OrderSort{Field: SortTransactionTime, Direction: SortAsc}, []string{"c", "a", "b"}},
	}

	for _, tt := range tests {
		page, err := s.FindMany(ctx, OrderFilters{}, Pagination{}, tt.sort)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		for i, want := range tt.want {
			if page.Data[i].ID != want {
				t.Fatalf("%s position %d: expected %s, got %s", tt.name, i, want, page.Data[i].ID)
			}
		}
	}
}

func TestOrderFindManyStableTieBreak(t *testing.T) {
	s := newOrderStore(t)
	ctx := context.Background()

	// 相同 processedAt 的记录按插入序返回
	same := "2025-01-01T10:00:00.000Z"
	s.Save(ctx, makeOrder("first", PartnerA, 1, same, 10))
	s.Save(ctx, makeOrder("second", PartnerA, 2, same, 10))
	s.Save(ctx, makeOrder("third", PartnerA, 3, same, 10))

	page, _ := s.FindMany(ctx, OrderFilters{}, Pagination{}, OrderSort{})
	want := []string{"first", "second", "third"}
	for i := range want {
		if page.Data[i].ID != want[i] {
			t.Fatalf("tie-break broken at %d: expected %s, got %s", i, want[i], page.Data[i].ID)
		}
	}
}

func TestOrderFindManyPagination(t *testing.T) {
	s := newOrderStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		ts := FormatInstant(base.Add(time.Duration(i) * time.Minute))
		s.Save(ctx, makeOrder(fmt.Sprintf("o%02d", i), PartnerA, int64(i+1), ts, 10))
	}

	page, err := s.FindMany(ctx, OrderFilters{}, Pagination{Page: 2, PageSize: 10}, OrderSort{Field: SortSequenceNumber, Direction: SortAsc})
	if err != nil {
		t.Fatalf("find many: %v", err)
	}
	if page.Total != 25 || page.TotalPages != 3 || !page.HasMore {
		t.Fatalf("unexpected meta: %+v", page)
	}
	if len(page.Data) != 10 {
		t.Fatalf("expected 10 rows on page 2, got %d", len(page.Data))
	}
	if page.Data[0].SequenceNumber != 11 {
		t.Fatalf("expected page 2 to start at seq 11, got %d", page.Data[0].SequenceNumber)
	}

	last, _ := s.FindMany(ctx, OrderFilters{}, Pagination{Page: 3, PageSize: 10}, OrderSort{})
	if len(last.Data) != 5 || last.HasMore {
		t.Fatalf("unexpected final page: len=%d hasMore=%v", len(last.Data), last.HasMore)
	}

	// 超界页码返回空数据而非错误
	empty, err := s.FindMany(ctx, OrderFilters{}, Pagination{Page: 99, PageSize: 10}, OrderSort{})
	if err != nil {
		t.Fatalf("out of range page: %v", err)
	}
	if len(empty.Data) != 0 || empty.Total != 25 {
		t.Fatalf("expected empty page with total preserved, got %+v", empty)
	}
}

func TestOrderFindManyFilters(t *testing.T) {
	s := newOrderStore(t)
	ctx := context.Background()

	a := makeOrder("a1", PartnerA, 1, "2025-01-10T10:00:00.000Z", 50)
	a.CustomerID = "CUST-A"
	b := makeOrder("b1", PartnerB, 1, "2025-01-20T10:00:00.000Z", 150)
	b.CustomerID = "CUST-B"
	s.Save(ctx, a)
	s.Save(ctx, b)

	page, _ := s.FindMany(ctx, OrderFilters{PartnerID: PartnerB}, Pagination{}, OrderSort{})
	if page.Total != 1 || page.Data[0].ID != "b1" {
		t.Fatalf("partner filter failed: %+v", page)
	}

	min := 100.0
	page, _ = s.FindMany(ctx, OrderFilters{MinAmount: &min}, Pagination{}, OrderSort{})
	if page.Total != 1 || page.Data[0].ID != "b1" {
		t.Fatalf("amount filter failed: %+v", page)
	}

	from := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	page, _ = s.FindMany(ctx, OrderFilters{FromDate: &from}, Pagination{}, OrderSort{})
	if page.Total != 1 || page.Data[0].ID != "b1" {
		t.Fatalf("date filter failed: %+v", page)
	}
}

func TestOrderStatistics(t *testing.T) {
	s := newOrderStore(t)
	ctx := context.Background()

	o1 := makeOrder("o1", PartnerA, 5, "2025-01-01T10:00:00.000Z", 10.00)
	o1.TaxAmount = 1.00
	o1.NetAmount = 11.00
	o2 := makeOrder("o2", PartnerA, 7, "2025-01-01T11:00:00.000Z", 20.66)
	o2.TaxAmount = 2.07
	o2.NetAmount = 22.73
	s.Save(ctx, o1)
	s.Save(ctx, o2)

	stats, err := s.GetStatistics(ctx, OrderFilters{})
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.TotalOrders != 2 {
		t.Fatalf("expected 2 orders, got %d", stats.TotalOrders)
	}
	if stats.OrdersByPartner[PartnerA] != 2 {
		t.Fatalf("expected PARTNER_A = 2, got %d", stats.OrdersByPartner[PartnerA])
	}
	// 未出现的合作方也要出现在结果里并且为 0
	if n, ok := stats.OrdersByPartner[PartnerB]; !ok || n != 0 {
		t.Fatalf("expected PARTNER_B = 0 present, got %d %v", n, ok)
	}
	if stats.HighestSequence[PartnerA] != 7 {
		t.Fatalf("expected highest sequence 7, got %d", stats.HighestSequence[PartnerA])
	}
	if hs, ok := stats.HighestSequence[PartnerB]; !ok || hs != 0 {
		t.Fatalf("expected PARTNER_B highest = 0 present, got %d %v", hs, ok)
	}
	if stats.TotalGrossAmount != 30.66 {
		t.Fatalf("expected gross 30.66, got %v", stats.TotalGrossAmount)
	}
	if stats.TotalTaxAmount != 3.07 {
		t.Fatalf("expected tax 3.07, got %v", stats.TotalTaxAmount)
	}
	if stats.AverageOrderValue != 15.33 {
		t.Fatalf("expected average 15.33, got %v", stats.AverageOrderValue)
	}

	// 过滤子集上的统计
	filtered, _ := s.GetStatistics(ctx, OrderFilters{PartnerID: PartnerB})
	if filtered.TotalOrders != 0 || filtered.AverageOrderValue != 0 {
		t.Fatalf("expected empty stats for PARTNER_B, got %+v", filtered)
	}
}

func TestOrderCountAndClear(t *testing.T) {
	s := newOrderStore(t)
	ctx := context.Background()

	s.Save(ctx, makeOrder("a", PartnerA, 1, "2025-01-01T10:00:00.000Z", 10))
	s.Save(ctx, makeOrder("b", PartnerB, 1, "2025-01-01T10:00:00.000Z", 10))

	if n, _ := s.Count(ctx, OrderFilters{}); n != 2 {
		t.Fatalf("expected count 2, got %d", n)
	}
	if n, _ := s.Count(ctx, OrderFilters{PartnerID: PartnerA}); n != 1 {
		t.Fatalf("expected filtered count 1, got %d", n)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := s.Count(ctx, OrderFilters{}); n != 0 {
		t.Fatalf("expected count 0 after clear, got %d", n)
	}
	// 清空必须连索引一起清
	if ok, _ := s.ExistsByExternalID(ctx, "EXT-a", PartnerA); ok {
		t.Fatal("expected external index cleared")
	}
}

func TestOrderSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	ctx := context.Background()

	s, err := NewMemoryOrderStore(path, time.Hour)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	s.Save(ctx, makeOrder("o1", PartnerA, 1, "2025-01-01T10:00:00.000Z", 20))
	s.SaveBatch(ctx, []*OrderEvent{
		makeOrder("o2", PartnerB, 1, "2025-01-01T11:00:00.000Z", 30),
		makeOrder("o3", PartnerB, 2, "2025-01-01T12:00:00.000Z", 40),
	})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewMemoryOrderStore(path, time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if n, _ := reopened.Count(ctx, OrderFilters{}); n != 3 {
		t.Fatalf("expected 3 orders after reload, got %d", n)
	}
	got, err := reopened.FindByExternalID(ctx, "EXT-o3", PartnerB)
	if err != nil || got.SequenceNumber != 2 {
		t.Fatalf("expected o3 rebuilt with index, got %+v err %v", got, err)
	}
}
