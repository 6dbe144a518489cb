package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/orderfeed/ingest/pkg/health"
)

// snapshotWriter 把内存全量状态防抖落盘：一串变更合并为静默间隔后的一次覆盖写。
// marshal 在落盘时回调，只允许持有仓储的读锁。
type snapshotWriter struct {
	path     string
	interval time.Duration
	marshal  func() ([]byte, error)

	mu    sync.Mutex
	timer *time.Timer

	writeMu sync.Mutex

	monitor *health.LoopMonitor
	onError func(error)
}

func newSnapshotWriter(path string, interval time.Duration, marshal func() ([]byte, error)) *snapshotWriter {
	return &snapshotWriter{
		path:     path,
		interval: interval,
		marshal:  marshal,
	}
}

// SetMonitor 注册健康监控，落盘成败会反映到 /health
func (w *snapshotWriter) SetMonitor(m *health.LoopMonitor) {
	if w == nil {
		return
	}
	w.monitor = m
}

// OnError 注册落盘失败回调
func (w *snapshotWriter) OnError(fn func(error)) {
	if w == nil {
		return
	}
	w.onError = fn
}

// Schedule 标记状态已变更，静默 interval 后写盘；期间再次变更会重置计时
func (w *snapshotWriter) Schedule() {
	if w == nil || w.path == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		w.timer = time.AfterFunc(w.interval, w.flushAsync)
		return
	}
	w.timer.Reset(w.interval)
}

func (w *snapshotWriter) flushAsync() {
	if err := w.Flush(); err != nil {
		if w.monitor != nil {
			w.monitor.SetError(err)
		}
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	if w.monitor != nil {
		w.monitor.Tick()
		w.monitor.ClearError()
	}
}

// Flush 立即写盘，shutdown 时调用以保证不丢尾部变更
func (w *snapshotWriter) Flush() error {
	if w == nil || w.path == "" {
		return nil
	}

	data, err := w.marshal()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Close 停止计时并做最终写盘
func (w *snapshotWriter) Close() error {
	if w == nil || w.path == "" {
		return nil
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.Flush()
}

// loadSnapshot 启动时读取快照，文件缺失视为空状态
func loadSnapshot(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
