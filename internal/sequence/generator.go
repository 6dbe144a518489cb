// Package sequence 合作方序列号生成器
package sequence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/orderfeed/ingest/internal/repository"
)

// DefaultFlushInterval 计数器快照默认防抖间隔
const DefaultFlushInterval = 100 * time.Millisecond

// Generator 按合作方发放严格递增的序列号。
// 读改写在锁内完成，落盘防抖进行；Next 返回前内存值已经生效，
// 不会等待任何 I/O。
type Generator struct {
	mu       sync.Mutex
	counters map[repository.PartnerID]int64
	timer    *time.Timer

	path     string
	interval time.Duration

	writeMu sync.Mutex
	onError func(error)
}

// New 创建生成器并加载已持久化的计数器。
// path 为空表示纯内存（测试模式），interval<=0 取默认 100ms。
// 非正常退出后从最后一次落盘值继续：允许跳号，不允许重号。
func New(path string, interval time.Duration) (*Generator, error) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	g := &Generator{
		counters: make(map[repository.PartnerID]int64, len(repository.Partners())),
		path:     path,
		interval: interval,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
		} else if len(data) > 0 {
			var persisted map[repository.PartnerID]int64
			if err := json.Unmarshal(data, &persisted); err != nil {
				return nil, fmt.Errorf("decode sequences %s: %w", path, err)
			}
			for p, n := range persisted {
				g.counters[p] = n
			}
		}
	}

	return g, nil
}

// OnPersistError 注册落盘失败回调。落盘失败不影响发号，
// 回调用于把故障送往错误通道与指标。
func (g *Generator) OnPersistError(fn func(error)) {
	if g == nil {
		return
	}
	g.onError = fn
}

// Next 发放下一个序列号并调度落盘
func (g *Generator) Next(partner repository.PartnerID) int64 {
	g.mu.Lock()
	g.counters[partner]++
	n := g.counters[partner]
	g.scheduleLocked()
	g.mu.Unlock()
	return n
}

// Current 返回当前计数，不消耗序列号
func (g *Generator) Current(partner repository.PartnerID) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counters[partner]
}

// Reset 清零单个合作方计数（仅测试）
func (g *Generator) Reset(partner repository.PartnerID) {
	g.mu.Lock()
	delete(g.counters, partner)
	g.scheduleLocked()
	g.mu.Unlock()
}

// ResetAll 清零全部计数（仅测试）
func (g *Generator) ResetAll() {
	g.mu.Lock()
	g.counters = make(map[repository.PartnerID]int64, len(repository.Partners()))
	g.scheduleLocked()
	g.mu.Unlock()
}

// scheduleLocked 调用方须持有 g.mu；静默 interval 后落盘，期间再次变更重置计时
func (g *Generator) scheduleLocked() {
	if g.path == "" {
		return
	}
	if g.timer == nil {
		g.timer = time.AfterFunc(g.interval, g.flushAsync)
		return
	}
	g.timer.Reset(g.interval)
}

func (g *Generator) flushAsync() {
	if err := g.Flush(); err != nil && g.onError != nil {
		g.onError(err)
	}
}

// Flush 立即落盘当前计数
func (g *Generator) Flush() error {
	if g == nil || g.path == "" {
		return nil
	}

	g.mu.Lock()
	snapshot := make(map[repository.PartnerID]int64, len(g.counters))
	for p, n := range g.counters {
		snapshot[p] = n
	}
	g.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sequences: %w", err)
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	dir := filepath.Dir(g.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, g.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Close 停止防抖计时并做最终落盘，保证退出前不丢尾部发号
func (g *Generator) Close() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()
	return g.Flush()
}
