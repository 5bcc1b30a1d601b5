package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultUnloadDeadline = 5 * time.Second

// CleanupFunc is one registered teardown step. Errors are logged and
// swallowed; cleanup never propagates past the guard.
type CleanupFunc func(ctx context.Context) error

type Config struct {
	Logger *zerolog.Logger
	// UnloadDeadline bounds the abrupt path's best-effort cleanup.
	UnloadDeadline time.Duration
}

// Guard supervises teardown across both termination paths: graceful
// unmount (awaited) and abrupt unload (fire-and-forget). Both funnel into
// one run protected by sync.Once, so overlapping triggers are safe.
type Guard struct {
	logger         zerolog.Logger
	unloadDeadline time.Duration

	mu    sync.Mutex
	funcs []CleanupFunc
	names []string

	once sync.Once
	done chan struct{}
}

func NewGuard(cfg Config) *Guard {
	deadline := cfg.UnloadDeadline
	if deadline == 0 {
		deadline = defaultUnloadDeadline
	}
	return &Guard{
		logger:         cfg.Logger.With().Str("component", "lifecycle-guard").Logger(),
		unloadDeadline: deadline,
		done:           make(chan struct{}),
	}
}

// Register appends a cleanup step. Steps run in registration order.
func (g *Guard) Register(name string, fn CleanupFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.funcs = append(g.funcs, fn)
	g.names = append(g.names, name)
}

// Unmount is the graceful path: it runs (or awaits an already-running)
// teardown before returning.
func (g *Guard) Unmount(ctx context.Context) {
	g.once.Do(func() {
		g.run(ctx)
		close(g.done)
	})
	select {
	case <-g.done:
	case <-ctx.Done():
	}
}

// Unload is the abrupt path: teardown is started with a bounded internal
// deadline and not awaited. Safe to call when the process is about to
// die; also safe after Unmount already ran.
func (g *Guard) Unload() {
	go g.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.unloadDeadline)
		defer cancel()
		g.run(ctx)
		close(g.done)
	})
}

// Done closes once teardown has completed.
func (g *Guard) Done() <-chan struct{} {
	return g.done
}

func (g *Guard) run(ctx context.Context) {
	g.mu.Lock()
	funcs := make([]CleanupFunc, len(g.funcs))
	copy(funcs, g.funcs)
	names := make([]string, len(g.names))
	copy(names, g.names)
	g.mu.Unlock()

	for i, fn := range funcs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error().Any("panic", r).Str("step", names[i]).Msg("cleanup step panicked")
				}
			}()
			if err := fn(ctx); err != nil {
				g.logger.Error().Err(err).Str("step", names[i]).Msg("cleanup step failed")
			}
		}()
	}
	g.logger.Debug().Msg("teardown complete")
}
