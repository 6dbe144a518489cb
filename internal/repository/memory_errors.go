package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/orderfeed/ingest/pkg/errors"
	"github.com/orderfeed/ingest/pkg/health"
)

// DefaultErrorsFlushInterval 错误快照默认防抖间隔
const DefaultErrorsFlushInterval = 500 * time.Millisecond

// MemoryErrorStore 内存错误仓储，结构与订单仓储一致：
// 插入序切片 + ID 索引 + 防抖 JSON 快照。
type MemoryErrorStore struct {
	mu      sync.RWMutex
	events  []*ErrorEvent // 插入序
	byID    map[string]int
	writer  *snapshotWriter
	monitor *health.LoopMonitor
}

// NewMemoryErrorStore 创建仓储并加载已有快照。
// path 为空表示纯内存（测试模式），interval<=0 取默认 500ms。
func NewMemoryErrorStore(path string, interval time.Duration) (*MemoryErrorStore, error) {
	if interval <= 0 {
		interval = DefaultErrorsFlushInterval
	}

	s := &MemoryErrorStore{
		byID:    make(map[string]int),
		monitor: &health.LoopMonitor{},
	}
	s.writer = newSnapshotWriter(path, interval, s.marshalLocked)
	s.writer.SetMonitor(s.monitor)

	data, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		var events []*ErrorEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("decode errors snapshot %s: %w", path, err)
		}
		for _, e := range events {
			s.upsertLocked(e)
		}
	}

	return s, nil
}

// Monitor 暴露落盘健康状态
func (s *MemoryErrorStore) Monitor() *health.LoopMonitor { return s.monitor }

// OnPersistError 注册落盘失败回调
func (s *MemoryErrorStore) OnPersistError(fn func(error)) { s.writer.OnError(fn) }

// Flush 立即落盘
func (s *MemoryErrorStore) Flush() error { return s.writer.Flush() }

// Close 停止防抖并做最终落盘
func (s *MemoryErrorStore) Close() error { return s.writer.Close() }

func (s *MemoryErrorStore) marshalLocked() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.MarshalIndent(s.events, "", "  ")
}

// upsertLocked 调用方须持有写锁（或处于单线程初始化阶段）
func (s *MemoryErrorStore) upsertLocked(e *ErrorEvent) {
	if e == nil {
		return
	}
	cp := *e
	if idx, ok := s.byID[cp.ID]; ok {
		s.events[idx] = &cp
	} else {
		s.byID[cp.ID] = len(s.events)
		s.events = append(s.events, &cp)
	}
}

// Save 保存错误记录，ID 为空时分配 UUID 并回写入参
func (s *MemoryErrorStore) Save(ctx context.Context, event *ErrorEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	s.mu.Lock()
	s.upsertLocked(event)
	s.mu.Unlock()

	s.writer.Schedule()
	return nil
}

// FindByID 按内部 ID 查找
func (s *MemoryErrorStore) FindByID(ctx context.Context, id string) (*ErrorEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return nil, ErrErrorEventNotFound
	}
	cp := *s.events[idx]
	return &cp, nil
}

// filteredLocked 调用方须持有读锁，结果保持插入序
func (s *MemoryErrorStore) filteredLocked(f ErrorFilters) []*ErrorEvent {
	out := make([]*ErrorEvent, 0, len(s.events))
	for _, e := range s.events {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// FindMany 过滤 -> 按 timestamp 排序 -> 分页
func (s *MemoryErrorStore) FindMany(ctx context.Context, filters ErrorFilters, page Pagination, dir SortDirection) (*ErrorPage, error) {
	page = page.Normalize()
	if dir != SortAsc {
		dir = SortDesc
	}

	s.mu.RLock()
	matched := s.filteredLocked(filters)
	s.mu.RUnlock()

	sortErrors(matched, dir)

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

	data := make([]*ErrorEvent, 0, end-start)
	for _, e := range matched[start:end] {
		cp := *e
		data = append(data, &cp)
	}

	return &ErrorPage{
		Data:       data,
		Total:      total,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: totalPages,
		HasMore:    page.Page < totalPages,
	}, nil
}

// sortErrors 按 timestamp 稳定排序，同值维持插入序
func sortErrors(events []*ErrorEvent, dir SortDirection) {
	keys := make([]int64, len(events))
	for i, e := range events {
		keys[i] = instantMs(e.Timestamp)
	}
	idx := make([]int, len(events))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		if dir == SortAsc {
			return keys[idx[i]] < keys[idx[j]]
		}
		return keys[idx[i]] > keys[idx[j]]
	})
	sorted := make([]*ErrorEvent, len(events))
	for i, k := range idx {
		sorted[i] = events[k]
	}
	copy(events, sorted)
}

// GetStatistics 过滤子集上的聚合，合作方维度全量初始化为 0
func (s *MemoryErrorStore) GetStatistics(ctx context.Context, filters ErrorFilters) (*ErrorStatistics, error) {
	s.mu.RLock()
	matched := s.filteredLocked(filters)
	s.mu.RUnlock()

	stats := &ErrorStatistics{
		ErrorsByPartner: make(map[PartnerID]int, len(Partners())),
		ErrorsByCode:    make(map[apperrors.Code]int),
	}
	for _, p := range Partners() {
		stats.ErrorsByPartner[p] = 0
	}

	dayAgo := time.Now().Add(-24 * time.Hour).UnixMilli()
	for _, e := range matched {
		stats.TotalErrors++
		stats.ErrorsByPartner[e.PartnerID]++
		stats.ErrorsByCode[e.ErrorCode]++
		if instantMs(e.Timestamp) >= dayAgo {
			stats.Last24Hours++
		}
	}

	return stats, nil
}

// Count 过滤后计数
func (s *MemoryErrorStore) Count(ctx context.Context, filters ErrorFilters) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if (filters == ErrorFilters{}) {
		return len(s.events), nil
	}
	n := 0
	for _, e := range s.events {
		if filters.Matches(e) {
			n++
		}
	}
	return n, nil
}

// DeleteOlderThan 删除 cutoff 之前的记录，返回删除条数。
// 保留期清理每小时由 cron 触发一次。
func (s *MemoryErrorStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	cutoffMs := cutoff.UnixMilli()

	s.mu.Lock()
	kept := make([]*ErrorEvent, 0, len(s.events))
	for _, e := range s.events {
		if instantMs(e.Timestamp) >= cutoffMs {
			kept = append(kept, e)
		}
	}
	removed := len(s.events) - len(kept)
	if removed > 0 {
		s.events = kept
		s.byID = make(map[string]int, len(kept))
		for i, e := range kept {
			s.byID[e.ID] = i
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.writer.Schedule()
	}
	return removed, nil
}

// Clear 清空全部状态，清空后同样落盘
func (s *MemoryErrorStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.events = nil
	s.byID = make(map[string]int)
	s.mu.Unlock()

	s.writer.Schedule()
	return nil
}

var _ ErrorStore = (*MemoryErrorStore)(nil)
