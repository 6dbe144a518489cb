package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/orderfeed/ingest/pkg/health"
)

// DefaultOrdersFlushInterval 订单快照默认防抖间隔
const DefaultOrdersFlushInterval = 500 * time.Millisecond

// RoundCents 金额取两位小数，半分向上（round(x*100)/100）
func RoundCents(x float64) float64 {
	return math.Round(x*100) / 100
}

type externalKey struct {
	partner  PartnerID
	external string
}

// MemoryOrderStore 内存订单仓储，全量状态防抖落盘为 JSON 快照。
// 单写多读：所有写操作串行，SaveBatch 对读方表现为单步。
type MemoryOrderStore struct {
	mu      sync.RWMutex
	orders  []*OrderEvent          // 插入序
	byID    map[string]int         // id -> orders 下标
	byExt   map[externalKey]string // (partnerId, externalOrderId) -> 最近一次保存的 id
	writer  *snapshotWriter
	monitor *health.LoopMonitor
}

// NewMemoryOrderStore 创建仓储并加载已有快照。
// path 为空表示纯内存（测试模式），interval<=0 取默认 500ms。
func NewMemoryOrderStore(path string, interval time.Duration) (*MemoryOrderStore, error) {
	if interval <= 0 {
		interval = DefaultOrdersFlushInterval
	}

	s := &MemoryOrderStore{
		byID:    make(map[string]int),
		byExt:   make(map[externalKey]string),
		monitor: &health.LoopMonitor{},
	}
	s.writer = newSnapshotWriter(path, interval, s.marshalLocked)
	s.writer.SetMonitor(s.monitor)

	data, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		var orders []*OrderEvent
		if err := json.Unmarshal(data, &orders); err != nil {
			return nil, fmt.Errorf("decode orders snapshot %s: %w", path, err)
		}
		for _, o := range orders {
			s.upsertLocked(o)
		}
	}

	return s, nil
}

// Monitor 暴露落盘健康状态
func (s *MemoryOrderStore) Monitor() *health.LoopMonitor { return s.monitor }

// OnPersistError 注册落盘失败回调
func (s *MemoryOrderStore) OnPersistError(fn func(error)) { s.writer.OnError(fn) }

// Flush 立即落盘
func (s *MemoryOrderStore) Flush() error { return s.writer.Flush() }

// Close 停止防抖并做最终落盘
func (s *MemoryOrderStore) Close() error { return s.writer.Close() }

func (s *MemoryOrderStore) marshalLocked() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.MarshalIndent(s.orders, "", "  ")
}

// upsertLocked 调用方须持有写锁（或处于单线程初始化阶段）
func (s *MemoryOrderStore) upsertLocked(o *OrderEvent) {
	if o == nil {
		return
	}
	cp := *o
	if idx, ok := s.byID[cp.ID]; ok {
		s.orders[idx] = &cp
	} else {
		s.byID[cp.ID] = len(s.orders)
		s.orders = append(s.orders, &cp)
	}
	if cp.ExternalOrderID != "" {
		s.byExt[externalKey{cp.PartnerID, cp.ExternalOrderID}] = cp.ID
	}
}

// Save 保存单条订单并更新外部 ID 索引
func (s *MemoryOrderStore) Save(ctx context.Context, order *OrderEvent) error {
	s.mu.Lock()
	s.upsertLocked(order)
	s.mu.Unlock()

	s.writer.Schedule()
	return nil
}

// SaveBatch 批量保存，读方只会看到批前或批后状态
func (s *MemoryOrderStore) SaveBatch(ctx context.Context, orders []*OrderEvent) error {
	s.mu.Lock()
	for _, o := range orders {
		s.upsertLocked(o)
	}
	s.mu.Unlock()

	s.writer.Schedule()
	return nil
}

// FindByID 按内部 ID 查找
func (s *MemoryOrderStore) FindByID(ctx context.Context, id string) (*OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *s.orders[idx]
	return &cp, nil
}

// FindByExternalID 按外部 ID 查找，重复提交时命中最近一次保存的记录
func (s *MemoryOrderStore) FindByExternalID(ctx context.Context, externalID string, partner PartnerID) (*OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExt[externalKey{partner, externalID}]
	if !ok {
		return nil, ErrOrderNotFound
	}
	idx, ok := s.byID[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *s.orders[idx]
	return &cp, nil
}

// ExistsByExternalID 外部 ID 是否已入库
func (s *MemoryOrderStore) ExistsByExternalID(ctx context.Context, externalID string, partner PartnerID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byExt[externalKey{partner, externalID}]
	return ok, nil
}

// filteredLocked 调用方须持有读锁，结果保持插入序
func (s *MemoryOrderStore) filteredLocked(f OrderFilters) []*OrderEvent {
	out := make([]*OrderEvent, 0, len(s.orders))
	for _, o := range s.orders {
		if f.Matches(o) {
			out = append(out, o)
		}
	}
	return out
}

// FindMany 过滤 -> 排序 -> 分页
func (s *MemoryOrderStore) FindMany(ctx context.Context, filters OrderFilters, page Pagination, sortBy OrderSort) (*OrderPage, error) {
	page = page.Normalize()
	sortBy = sortBy.Normalize()

	s.mu.RLock()
	matched := s.filteredLocked(filters)
	s.mu.RUnlock()

	sortOrders(matched, sortBy)

	total := len(matched)
	totalPages := 0
	if total > 0 {
		totalPages = (total + page.PageSize - 1) / page.PageSize
	}

	start := (page.Page - 1) * page.PageSize
	end := start + page.PageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	data := make([]*OrderEvent, 0, end-start)
	for _, o := range matched[start:end] {
		cp := *o
		data = append(data, &cp)
	}

	return &OrderPage{
		Data:       data,
		Total:      total,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: totalPages,
		HasMore:    page.Page < totalPages,
	}, nil
}

// sortOrders 按指定字段稳定排序，时间字段先解析为毫秒再比较。
// 稳定排序保证同值记录维持插入序。
func sortOrders(orders []*OrderEvent, by OrderSort) {
	type keyed struct {
		o  *OrderEvent
		ms int64
		f  float64
	}
	keys := make([]keyed, len(orders))
	for i, o := range orders {
		k := keyed{o: o}
		switch by.Field {
		case SortTransactionTime:
			k.ms = instantMs(o.TransactionTime)
		case SortGrossAmount:
			k.f = o.GrossAmount
		case SortSequenceNumber:
			k.ms = o.SequenceNumber
		default: // processedAt
			k.ms = instantMs(o.ProcessedAt)
		}
		keys[i] = k
	}

	asc := by.Direction == SortAsc
	sort.SliceStable(keys, func(i, j int) bool {
		var less bool
		if by.Field == SortGrossAmount {
			less = keys[i].f < keys[j].f
		} else {
			less = keys[i].ms < keys[j].ms
		}
		if asc {
			return less
		}
		if by.Field == SortGrossAmount {
			return keys[i].f > keys[j].f
		}
		return keys[i].ms > keys[j].ms
	})

	for i := range keys {
		orders[i] = keys[i].o
	}
}

// GetStatistics 过滤子集上的聚合，金额返回前取两位小数
func (s *MemoryOrderStore) GetStatistics(ctx context.Context, filters OrderFilters) (*OrderStatistics, error) {
	s.mu.RLock()
	matched := s.filteredLocked(filters)
	s.mu.RUnlock()

	stats := &OrderStatistics{
		OrdersByPartner: make(map[PartnerID]int, len(Partners())),
		HighestSequence: make(map[PartnerID]int64, len(Partners())),
	}
	for _, p := range Partners() {
		stats.OrdersByPartner[p] = 0
		stats.HighestSequence[p] = 0
	}

	var gross, tax, net float64
	for _, o := range matched {
		stats.TotalOrders++
		stats.OrdersByPartner[o.PartnerID]++
		gross += o.GrossAmount
		tax += o.TaxAmount
		net += o.NetAmount
		if o.SequenceNumber > stats.HighestSequence[o.PartnerID] {
			stats.HighestSequence[o.PartnerID] = o.SequenceNumber
		}
	}

	stats.TotalGrossAmount = RoundCents(gross)
	stats.TotalTaxAmount = RoundCents(tax)
	stats.TotalNetAmount = RoundCents(net)
	if stats.TotalOrders > 0 {
		stats.AverageOrderValue = RoundCents(gross / float64(stats.TotalOrders))
	}

	return stats, nil
}

// Count 过滤后计数
func (s *MemoryOrderStore) Count(ctx context.Context, filters OrderFilters) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if (filters == OrderFilters{}) {
		return len(s.orders), nil
	}
	n := 0
	for _, o := range s.orders {
		if filters.Matches(o) {
			n++
		}
	}
	return n, nil
}

// Clear 清空全部状态（含索引），清空后同样落盘
func (s *MemoryOrderStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.orders = nil
	s.byID = make(map[string]int)
	s.byExt = make(map[externalKey]string)
	s.mu.Unlock()

	s.writer.Schedule()
	return nil
}

var _ OrderStore = (*MemoryOrderStore)(nil)
