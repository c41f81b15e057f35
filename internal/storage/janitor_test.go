package storage_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhouzirui/kudos-pass/backend/internal/storage"
)

type purgeCounter struct {
	storage.Store
	calls atomic.Int32
	fail  bool
}

func (p *purgeCounter) Purge(ctx context.Context, now time.Time) (int64, error) {
	p.calls.Add(1)
	if p.fail {
		return 0, errors.New("disk full")
	}
	return 1, nil
}

func TestRunJanitorPurgesUntilCancelled(t *testing.T) {
	for _, fail := range []bool{false, true} {
		store := &purgeCounter{fail: fail}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			storage.RunJanitor(ctx, store, 5*time.Millisecond)
		}()

		deadline := time.After(5 * time.Second)
		for store.calls.Load() < 3 {
			select {
			case <-deadline:
				t.Fatalf("janitor ran %d times", store.calls.Load())
			case <-time.After(5 * time.Millisecond):
			}
		}
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("janitor did not stop")
		}
	}
}
