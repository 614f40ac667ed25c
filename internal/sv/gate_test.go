package sv_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sheetvault/internal/objectstore"
	"sheetvault/internal/sv"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func openMemory(calls *int32) sv.StoreOpener {
	return func(context.Context) (sv.ObjectStore, error) {
		atomic.AddInt32(calls, 1)
		return objectstore.NewMemoryStore(16, nil, nil), nil
	}
}

func TestGate_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("store is unavailable before initialize", func(t *testing.T) {
		g := sv.NewGate()
		if g.State() != sv.GateUninitialized {
			t.Errorf("State() = %v, want uninitialized", g.State())
		}
		if _, err := g.Store(); !errors.Is(err, sv.ErrNotInitialized) {
			t.Errorf("Store() error = %v, want ErrNotInitialized", err)
		}
	})

	t.Run("initialize makes the store ready", func(t *testing.T) {
		g := sv.NewGate()
		var calls int32
		if err := g.Initialize(ctx, stubPinger{}, openMemory(&calls)); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		if g.State() != sv.GateReady {
			t.Errorf("State() = %v, want ready", g.State())
		}
		select {
		case <-g.Ready():
		default:
			t.Error("Ready() channel not closed")
		}
		first, err := g.Store()
		if err != nil {
			t.Fatalf("Store() error = %v", err)
		}
		second, _ := g.Store()
		if first != second {
			t.Error("Store() returned different instances")
		}
	})

	t.Run("second initialize is rejected", func(t *testing.T) {
		g := sv.NewGate()
		var calls int32
		g.Initialize(ctx, stubPinger{}, openMemory(&calls))
		if err := g.Initialize(ctx, stubPinger{}, openMemory(&calls)); !errors.Is(err, sv.ErrAlreadyInitialized) {
			t.Errorf("Initialize() error = %v, want ErrAlreadyInitialized", err)
		}
		if calls != 1 {
			t.Errorf("opener called %d times, want 1", calls)
		}
	})

	t.Run("failed ping allows a retry", func(t *testing.T) {
		g := sv.NewGate()
		var calls int32
		err := g.Initialize(ctx, stubPinger{err: errors.New("connection refused")}, openMemory(&calls))
		if !errors.Is(err, sv.ErrNotReady) {
			t.Fatalf("Initialize() error = %v, want ErrNotReady", err)
		}
		if g.State() != sv.GateUninitialized || calls != 0 {
			t.Fatalf("after failed ping State() = %v, opener calls = %d", g.State(), calls)
		}
		if err := g.Initialize(ctx, stubPinger{}, openMemory(&calls)); err != nil {
			t.Fatalf("retry Initialize() error = %v", err)
		}
		if g.State() != sv.GateReady {
			t.Errorf("State() = %v, want ready", g.State())
		}
	})

	t.Run("failed open is sticky", func(t *testing.T) {
		g := sv.NewGate()
		openErr := errors.New("bucket missing")
		err := g.Initialize(ctx, stubPinger{}, func(context.Context) (sv.ObjectStore, error) {
			return nil, openErr
		})
		if !errors.Is(err, openErr) {
			t.Fatalf("Initialize() error = %v, want %v", err, openErr)
		}
		_, err = g.Store()
		if !errors.Is(err, sv.ErrNotInitialized) || !errors.Is(err, openErr) {
			t.Errorf("Store() error = %v, want ErrNotInitialized wrapping the open error", err)
		}
		var calls int32
		if err := g.Initialize(ctx, stubPinger{}, openMemory(&calls)); !errors.Is(err, sv.ErrAlreadyInitialized) {
			t.Errorf("Initialize() after failed open error = %v, want ErrAlreadyInitialized", err)
		}
	})
}

func TestGate_ConcurrentInitialize(t *testing.T) {
	g := sv.NewGate()
	var calls int32
	var succeeded int32

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Initialize(context.Background(), stubPinger{}, openMemory(&calls)); err == nil {
				atomic.AddInt32(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("opener called %d times, want 1", calls)
	}
	if succeeded != 1 {
		t.Errorf("%d Initialize calls succeeded, want 1", succeeded)
	}
}

func TestGate_Wait(t *testing.T) {
	t.Run("returns once ready", func(t *testing.T) {
		g := sv.NewGate()
		var calls int32
		go func() {
			time.Sleep(10 * time.Millisecond)
			g.Initialize(context.Background(), stubPinger{}, openMemory(&calls))
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := g.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	})

	t.Run("gives up with the context", func(t *testing.T) {
		g := sv.NewGate()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if _, err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
		}
	})
}
