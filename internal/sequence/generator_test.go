package sequence

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orderfeed/ingest/internal/repository"
)

func TestNextStartsAtOnePerPartner(t *testing.T) {
	g, err := New("", 0)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	defer g.Close()

	if n := g.Next(repository.PartnerA); n != 1 {
		t.Fatalf("expected first PARTNER_A sequence = 1, got %d", n)
	}
	if n := g.Next(repository.PartnerA); n != 2 {
		t.Fatalf("expected second PARTNER_A sequence = 2, got %d", n)
	}
	// 各合作方计数互不影响
	if n := g.Next(repository.PartnerB); n != 1 {
		t.Fatalf("expected first PARTNER_B sequence = 1, got %d", n)
	}
	if n := g.Next(repository.PartnerA); n != 3 {
		t.Fatalf("expected third PARTNER_A sequence = 3, got %d", n)
	}
}

func TestCurrentDoesNotConsume(t *testing.T) {
	g, err := New("", 0)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	defer g.Close()

	if n := g.Current(repository.PartnerA); n != 0 {
		t.Fatalf("expected initial current = 0, got %d", n)
	}
	g.Next(repository.PartnerA)
	g.Next(repository.PartnerA)
	if n := g.Current(repository.PartnerA); n != 2 {
		t.Fatalf("expected current = 2, got %d", n)
	}
	if n := g.Next(repository.PartnerA); n != 3 {
		t.Fatalf("expected next = 3 after reading current, got %d", n)
	}
}

func TestResetAndResetAll(t *testing.T) {
	g, err := New("", 0)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	defer g.Close()

	g.Next(repository.PartnerA)
	g.Next(repository.PartnerA)
	g.Next(repository.PartnerB)

	g.Reset(repository.PartnerA)
	if n := g.Current(repository.PartnerA); n != 0 {
		t.Fatalf("expected PARTNER_A reset to 0, got %d", n)
	}
	if n := g.Current(repository.PartnerB); n != 1 {
		t.Fatalf("expected PARTNER_B untouched at 1, got %d", n)
	}

	g.ResetAll()
	if n := g.Current(repository.PartnerB); n != 0 {
		t.Fatalf("expected PARTNER_B reset to 0, got %d", n)
	}
	if n := g.Next(repository.PartnerA); n != 1 {
		t.Fatalf("expected restart at 1 after reset, got %d", n)
	}
}

func TestConcurrentNextIsDense(t *testing.T) {
	g, err := New("", 0)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	defer g.Close()

	const workers = 50
	const perWorker = 20

	var wg sync.WaitGroup
	seqs := make([]int64, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seqs[base+i] = g.Next(repository.PartnerA)
			}
		}(w * perWorker)
	}
	wg.Wait()

	seen := make(map[int64]bool, len(seqs))
	var max int64
	for _, n := range seqs {
		if seen[n] {
			t.Fatalf("duplicate sequence number %d", n)
		}
		seen[n] = true
		if n > max {
			max = n
		}
	}
	if max != int64(workers*perWorker) {
		t.Fatalf("expected dense sequence up to %d, got max %d", workers*perWorker, max)
	}
	if n := g.Current(repository.PartnerA); n != int64(workers*perWorker) {
		t.Fatalf("expected current = %d, got %d", workers*perWorker, n)
	}
}

func TestFlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sequences.json")

	g, err := New(path, time.Hour) // 大间隔，落盘只经 Flush 触发
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	g.Next(repository.PartnerA)
	g.Next(repository.PartnerA)
	g.Next(repository.PartnerB)
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := New(path, time.Hour)
	if err != nil {
		t.Fatalf("reload generator: %v", err)
	}
	defer reloaded.Close()

	if n := reloaded.Current(repository.PartnerA); n != 2 {
		t.Fatalf("expected PARTNER_A resume at 2, got %d", n)
	}
	if n := reloaded.Next(repository.PartnerA); n != 3 {
		t.Fatalf("expected PARTNER_A continue with 3, got %d", n)
	}
	if n := reloaded.Next(repository.PartnerB); n != 2 {
		t.Fatalf("expected PARTNER_B continue with 2, got %d", n)
	}
}

func TestDebouncedPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sequences.json")

	g, err := New(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	defer g.Close()

	g.Next(repository.PartnerA)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no snapshot before debounce window, stat err = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshot was not written after debounce interval")
		}
		time.Sleep(5 * time.Millisecond)
	}

	reloaded, err := New(path, time.Hour)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer reloaded.Close()
	if n := reloaded.Current(repository.PartnerA); n != 1 {
		t.Fatalf("expected persisted counter = 1, got %d", n)
	}
}

func TestMemoryOnlyWritesNothing(t *testing.T) {
	g, err := New("", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	g.Next(repository.PartnerA)
	time.Sleep(30 * time.Millisecond)
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPersistErrorHook(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	// 父路径是普通文件，MkdirAll 必然失败
	g, err := New(filepath.Join(blocker, "sequences.json"), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}

	errCh := make(chan error, 1)
	g.OnPersistError(func(e error) {
		select {
		case errCh <- e:
		default:
		}
	})

	if n := g.Next(repository.PartnerA); n != 1 {
		t.Fatalf("expected sequence issued despite broken path, got %d", n)
	}

	select {
	case e := <-errCh:
		if e == nil {
			t.Fatal("expected non-nil persist error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("persist error hook was not called")
	}

	// 落盘损坏时发号继续可用
	if n := g.Next(repository.PartnerA); n != 2 {
		t.Fatalf("expected sequence to keep advancing, got %d", n)
	}
}

func TestCorruptSnapshotRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sequences.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if _, err := New(path, 0); err == nil {
		t.Fatal("expected error for corrupt snapshot")
	}
}
