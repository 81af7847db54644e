// Package shutdown coordinates graceful shutdown: HTTP servers drain first,
// then cleanup hooks run in reverse registration order.
package shutdown

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// ShutdownManager coordinates graceful shutdown of servers and cleanup hooks
type ShutdownManager struct {
	logger  *zap.Logger
	timeout time.Duration
	hooks   []hook
	servers map[string]*http.Server
	mu      sync.Mutex
}

// NewShutdownManager creates a ShutdownManager whose whole sequence is bounded by timeout
func NewShutdownManager(logger *zap.Logger, timeout time.Duration) *ShutdownManager {
	return &ShutdownManager{
		logger:  logger.With(zap.String("component", "shutdown")),
		timeout: timeout,
		servers: make(map[string]*http.Server),
	}
}

// RegisterHook adds a cleanup hook. Hooks run LIFO so resources registered
// early (database pools) outlive those that depend on them (the audit queue).
func (sm *ShutdownManager) RegisterHook(name string, fn func(ctx context.Context) error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, hook{name: name, fn: fn})
}

// GracefulServe starts the server in the background and registers it for
// shutdown. It returns early startup errors such as a port already in use.
func (sm *ShutdownManager) GracefulServe(name string, server *http.Server) error {
	sm.mu.Lock()
	sm.servers[name] = server
	sm.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		sm.logger.Info("Starting server", zap.String("server", name), zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server %s failed: %w", name, err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// WaitForShutdown blocks until SIGINT or SIGTERM and then runs Shutdown
func (sm *ShutdownManager) WaitForShutdown() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	sm.logger.Info("Shutdown signal received")
	sm.Shutdown(context.Background())
}

// Shutdown drains all servers concurrently, then runs hooks until the
// timeout expires
func (sm *ShutdownManager) Shutdown(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, sm.timeout)
	defer cancel()

	sm.mu.Lock()
	servers := make(map[string]*http.Server, len(sm.servers))
	for k, v := range sm.servers {
		servers[k] = v
	}
	hooks := append([]hook(nil), sm.hooks...)
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for name, srv := range servers {
		wg.Add(1)
		go func(name string, srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				sm.logger.Error("Server shutdown error", zap.String("server", name), zap.Error(err))
			}
		}(name, srv)
	}
	wg.Wait()

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if ctx.Err() != nil {
			sm.logger.Warn("Shutdown timeout reached, skipping remaining hooks",
				zap.String("skipped_hook", h.name),
				zap.Int("remaining", i+1))
			return
		}

		start := time.Now()
		if err := h.fn(ctx); err != nil {
			sm.logger.Error("Shutdown hook failed",
				zap.String("hook", h.name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
			continue
		}
		sm.logger.Info("Shutdown hook completed",
			zap.String("hook", h.name),
			zap.Duration("duration", time.Since(start)))
	}

	sm.logger.Info("Graceful shutdown complete")
}
