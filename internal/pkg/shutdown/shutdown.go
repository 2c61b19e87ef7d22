// Package shutdown runs registered cleanup handlers when renderd stops.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"renderd/internal/pkg/logger"
)

// DefaultFinalTimeout bounds a handler registered with RegisterAlways once
// the shared budget is spent.
const DefaultFinalTimeout = 5 * time.Second

// Manager runs cleanup handlers in reverse registration order.
// Handlers run one at a time so that the HTTP server drains before the
// renderer process it depends on is terminated.
type Manager struct {
	log      *logger.Logger
	timeout  time.Duration
	final    time.Duration
	handlers []Handler
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
}

// Handler is a named cleanup step.
type Handler struct {
	Name    string
	Cleanup func(ctx context.Context) error
	// Always handlers are never skipped for lack of time.
	Always bool
}

// NewManager creates a shutdown manager. A zero timeout means 30s.
func NewManager(log *logger.Logger, timeout time.Duration) *Manager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		log:     log.WithComponent("shutdown"),
		timeout: timeout,
		final:   DefaultFinalTimeout,
		done:    make(chan struct{}),
	}
}

// Register adds a cleanup handler.
func (m *Manager) Register(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, Handler{Name: name, Cleanup: cleanup})
	m.log.Debug("registered shutdown handler", "name", name)
}

// RegisterAlways adds a cleanup handler that runs even when earlier
// handlers used up the shutdown budget. In that case it gets its own
// DefaultFinalTimeout budget.
func (m *Manager) RegisterAlways(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, Handler{Name: name, Cleanup: cleanup, Always: true})
	m.log.Debug("registered shutdown handler", "name", name, "always", true)
}

// RegisterSimple adds a cleanup handler that cannot fail.
func (m *Manager) RegisterSimple(name string, cleanup func()) {
	m.Register(name, func(context.Context) error {
		cleanup()
		return nil
	})
}

// Wait blocks until SIGINT, SIGTERM or SIGHUP arrives or ctx is done,
// then runs Shutdown.
func (m *Manager) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.log.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		m.log.Info("context canceled, initiating shutdown")
	}

	m.Shutdown()
}

// Shutdown runs every handler, newest first, sharing one timeout budget.
// It is safe to call more than once; only the first call does work.
func (m *Manager) Shutdown() {
	m.once.Do(m.run)
}

func (m *Manager) run() {
	defer close(m.done)

	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.log.Info("starting graceful shutdown", "handlers", len(handlers), "timeout", m.timeout.String())

	failed := 0
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		hctx := ctx
		if ctx.Err() != nil {
			if !h.Always {
				m.log.Warn("shutdown timeout exceeded, skipping handler", "name", h.Name)
				failed++
				continue
			}
			m.log.Warn("shutdown timeout exceeded, running handler on its own budget",
				"name", h.Name, "timeout", m.final.String())
			var cancelFinal context.CancelFunc
			hctx, cancelFinal = context.WithTimeout(context.Background(), m.final)
			defer cancelFinal()
		}

		start := time.Now()
		if err := h.Cleanup(hctx); err != nil {
			failed++
			m.log.Error("shutdown handler failed",
				"name", h.Name,
				"error", err.Error(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			continue
		}
		m.log.Debug("shutdown handler completed",
			"name", h.Name,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if failed > 0 {
		m.log.Warn("graceful shutdown finished with failures", "failed", failed)
		return
	}
	m.log.Info("graceful shutdown completed")
}

// Done is closed once Shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
