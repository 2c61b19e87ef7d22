package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"renderd/internal/pkg/logger"
)

func TestRegister(t *testing.T) {
	mgr := NewManager(logger.Discard(), 5*time.Second)

	mgr.Register("http", func(ctx context.Context) error { return nil })
	mgr.RegisterSimple("flush", func() {})

	if len(mgr.handlers) != 2 {
		t.Fatalf("expected 2 handlers, got %d", len(mgr.handlers))
	}
	if mgr.handlers[0].Name != "http" {
		t.Errorf("expected first handler 'http', got %s", mgr.handlers[0].Name)
	}
}

func TestShutdownRunsHandlersInReverseOrder(t *testing.T) {
	mgr := NewManager(logger.Discard(), 5*time.Second)

	var order []string
	mgr.Register("worker", func(ctx context.Context) error {
		order = append(order, "worker")
		return nil
	})
	mgr.Register("http", func(ctx context.Context) error {
		order = append(order, "http")
		return nil
	})
	mgr.RegisterSimple("queue", func() {
		order = append(order, "queue")
	})

	mgr.Shutdown()

	want := []string{"queue", "http", "worker"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestShutdownContinuesAfterFailure(t *testing.T) {
	mgr := NewManager(logger.Discard(), 5*time.Second)

	var ran bool
	mgr.Register("first", func(ctx context.Context) error {
		ran = true
		return nil
	})
	mgr.Register("failing", func(ctx context.Context) error {
		return errors.New("boom")
	})

	mgr.Shutdown()

	if !ran {
		t.Error("expected handler after a failure to still run")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	mgr := NewManager(logger.Discard(), 5*time.Second)

	calls := 0
	mgr.RegisterSimple("once", func() { calls++ })

	mgr.Shutdown()
	mgr.Shutdown()

	if calls != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls)
	}
}

func TestDone(t *testing.T) {
	mgr := NewManager(logger.Discard(), 5*time.Second)

	select {
	case <-mgr.Done():
		t.Fatal("expected done channel to be open before shutdown")
	default:
	}

	mgr.Shutdown()

	select {
	case <-mgr.Done():
	case <-time.After(time.Second):
		t.Error("expected done channel to be closed after shutdown")
	}
}

func TestShutdownTimeout(t *testing.T) {
	mgr := NewManager(logger.Discard(), 100*time.Millisecond)

	skipped := true
	mgr.Register("after", func(ctx context.Context) error {
		skipped = false
		return nil
	})
	mgr.Register("slow", func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return ctx.Err()
	})

	start := time.Now()
	mgr.Shutdown()

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("shutdown took too long: %v", elapsed)
	}
	if !skipped {
		t.Error("expected handler after an exhausted budget to be skipped")
	}
}

func TestAlwaysHandlerRunsAfterBudgetIsSpent(t *testing.T) {
	mgr := NewManager(logger.Discard(), 100*time.Millisecond)
	mgr.final = time.Second

	var terminated bool
	var terminateErr error
	mgr.RegisterAlways("worker", func(ctx context.Context) error {
		terminated = true
		terminateErr = ctx.Err()
		return nil
	})
	mgr.Register("http-server", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	mgr.Shutdown()

	if !terminated {
		t.Fatal("expected worker handler to run after the http-server drain used the budget")
	}
	if terminateErr != nil {
		t.Errorf("expected worker handler to get a live context, got %v", terminateErr)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("shutdown took too long: %v", elapsed)
	}
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	mgr := NewManager(logger.Discard(), time.Second)

	ran := false
	mgr.RegisterSimple("h", func() { ran = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mgr.Wait(ctx)

	if !ran {
		t.Error("expected Wait to run shutdown handlers")
	}
}
