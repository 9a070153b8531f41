package relay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"telegram-relay/internal/domain/relay"
)

// progressRecorder собирает номера срабатываний пейсера.
type progressRecorder struct {
	mu     sync.Mutex
	counts []int
}

func (r *progressRecorder) record(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, count)
}

func (r *progressRecorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.counts))
	copy(out, r.counts)
	return out
}

func TestRunWithProgressSchedule(t *testing.T) {
	t.Parallel()

	rec := &progressRecorder{}
	cfg := relay.ProgressConfig{First: 10 * time.Millisecond, Every: 15 * time.Millisecond, MaxCount: 2}

	got, err := relay.RunWithProgress(context.Background(), cfg, rec.record,
		func(context.Context) (string, error) {
			time.Sleep(80 * time.Millisecond)
			return "done", nil
		})
	if err != nil || got != "done" {
		t.Fatalf("result = %q, %v", got, err)
	}

	counts := rec.snapshot()
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 2 {
		t.Fatalf("progress counts = %v, want [1 2]", counts)
	}
}

func TestRunWithProgressNoCallbackAfterSettle(t *testing.T) {
	t.Parallel()

	rec := &progressRecorder{}
	cfg := relay.ProgressConfig{First: 5 * time.Millisecond, Every: 5 * time.Millisecond, MaxCount: 100}

	_, err := relay.RunWithProgress(context.Background(), cfg, rec.record,
		func(context.Context) (struct{}, error) {
			time.Sleep(20 * time.Millisecond)
			return struct{}{}, nil
		})
	if err != nil {
		t.Fatalf("task: %v", err)
	}

	settled := len(rec.snapshot())
	time.Sleep(30 * time.Millisecond)
	if after := len(rec.snapshot()); after != settled {
		t.Fatalf("progress fired after task settled: %d -> %d", settled, after)
	}
}

func TestRunWithProgressStopBeatsPendingTimer(t *testing.T) {
	t.Parallel()

	// Первый колбэк удерживает пейсер, пока задача не завершится и остановка
	// не станет наблюдаемой; после этого взведённый таймер стрелять не должен.
	for i := 0; i < 50; i++ {
		rec := &progressRecorder{}
		fired := make(chan struct{})
		release := make(chan struct{})

		go func() {
			<-fired
			time.Sleep(10 * time.Millisecond)
			close(release)
		}()

		cfg := relay.ProgressConfig{First: time.Millisecond, Every: time.Nanosecond, MaxCount: 2}
		_, err := relay.RunWithProgress(context.Background(), cfg,
			func(count int) {
				rec.record(count)
				if count == 1 {
					close(fired)
					<-release
				}
			},
			func(context.Context) (int, error) {
				<-fired
				return 1, nil
			})
		if err != nil {
			t.Fatalf("iteration %d: task: %v", i, err)
		}
		if counts := rec.snapshot(); len(counts) != 1 {
			t.Fatalf("iteration %d: progress fired after stop: %v", i, counts)
		}
	}
}

func TestRunWithProgressFastTaskFiresNothing(t *testing.T) {
	t.Parallel()

	rec := &progressRecorder{}
	cfg := relay.ProgressConfig{First: 50 * time.Millisecond, Every: 50 * time.Millisecond, MaxCount: 3}

	if _, err := relay.RunWithProgress(context.Background(), cfg, rec.record,
		func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatalf("task: %v", err)
	}
	if counts := rec.snapshot(); len(counts) != 0 {
		t.Fatalf("fast task produced progress %v", counts)
	}
}

func TestRunWithProgressDisabledByMaxCount(t *testing.T) {
	t.Parallel()

	rec := &progressRecorder{}
	cfg := relay.ProgressConfig{First: time.Millisecond, Every: time.Millisecond, MaxCount: 0}

	if _, err := relay.RunWithProgress(context.Background(), cfg, rec.record,
		func(context.Context) (int, error) {
			time.Sleep(20 * time.Millisecond)
			return 1, nil
		}); err != nil {
		t.Fatalf("task: %v", err)
	}
	if counts := rec.snapshot(); len(counts) != 0 {
		t.Fatalf("disabled pacer fired %v", counts)
	}
}

func TestRunWithProgressCallbackPanicDoesNotFailTask(t *testing.T) {
	t.Parallel()

	cfg := relay.ProgressConfig{First: 5 * time.Millisecond, Every: 5 * time.Millisecond, MaxCount: 1}
	got, err := relay.RunWithProgress(context.Background(), cfg,
		func(int) { panic("pacer boom") },
		func(context.Context) (string, error) {
			time.Sleep(20 * time.Millisecond)
			return "ok", nil
		})
	if err != nil || got != "ok" {
		t.Fatalf("result = %q, %v", got, err)
	}
}
