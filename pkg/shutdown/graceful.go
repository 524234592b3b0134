package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
)

// Handler runs registered shutdown funcs once, in reverse registration
// order.
type Handler struct {
	mu            sync.Mutex
	shutdownFuncs []namedFunc
	once          sync.Once
	done          chan struct{}
	logger        *logger.Logger
	signals       []os.Signal
}

type namedFunc struct {
	name string
	fn   func(context.Context) error
}

func NewHandler(log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		done:    make(chan struct{}),
		logger:  log.WithComponent("shutdown"),
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Register adds fn under name. Funcs registered later run first.
func (h *Handler) Register(name string, fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdownFuncs = append(h.shutdownFuncs, namedFunc{name: name, fn: fn})
}

// WaitForShutdown blocks until a termination signal arrives or ctx ends,
// then shuts down within timeout.
func (h *Handler) WaitForShutdown(ctx context.Context, timeout time.Duration) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, h.signals...)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		h.logger.Infow("Received signal, starting graceful shutdown", "signal", sig.String())
	case <-ctx.Done():
		h.logger.Info("Context cancelled, starting graceful shutdown")
	}
	return h.ShutdownWithTimeout(timeout)
}

// Shutdown runs every registered func. Later calls are no-ops.
func (h *Handler) Shutdown(ctx context.Context) error {
	var errs []error
	h.once.Do(func() {
		h.mu.Lock()
		funcs := append([]namedFunc(nil), h.shutdownFuncs...)
		h.mu.Unlock()

		for i := len(funcs) - 1; i >= 0; i-- {
			start := time.Now()
			if err := funcs[i].fn(ctx); err != nil {
				h.logger.Errorw("Error during shutdown", "step", funcs[i].name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", funcs[i].name, err))
				continue
			}
			h.logger.Debugw("Shutdown step finished", "step", funcs[i].name, "duration_ms", time.Since(start).Milliseconds())
		}
		close(h.done)
	})
	return errors.Join(errs...)
}

// Done is closed once Shutdown has finished.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

func (h *Handler) ShutdownWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- h.Shutdown(ctx) }()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}
