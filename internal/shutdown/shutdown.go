// Package shutdown runs cleanup steps in priority order when the process
// is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is a component that can be closed on shutdown.
type Closer interface {
	Close() error
}

// Func is a cleanup step that honours the shutdown deadline.
type Func func(ctx context.Context) error

// Step priorities. Lower runs first.
const (
	PriorityHTTPServer = 10 // stop accepting requests
	PriorityScheduler  = 20 // stop retention jobs
	PriorityQueries    = 30 // cancel streamed queries
	PriorityStorage    = 80 // snapshot backends
	PriorityCatalog    = 90 // catalog database last
)

type step struct {
	name     string
	priority int
	run      Func
}

// Coordinator runs registered steps once, lowest priority first.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	once      sync.Once
	err       error
	triggered chan struct{}
	trigger   sync.Once
}

// New creates a coordinator whose steps share one timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout:   timeout,
		logger:    logger.With().Str("component", "shutdown").Logger(),
		triggered: make(chan struct{}),
	}
}

// Register closes c at the given priority.
func (c *Coordinator) Register(name string, closer Closer, priority int) {
	c.RegisterFunc(name, func(context.Context) error { return closer.Close() }, priority)
}

// RegisterFunc runs fn at the given priority.
func (c *Coordinator) RegisterFunc(name string, fn Func, priority int) {
	c.mu.Lock()
	c.steps = append(c.steps, step{name: name, priority: priority, run: fn})
	c.mu.Unlock()
	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered shutdown step")
}

// Wait blocks until SIGINT or SIGTERM arrives, Trigger is called, or ctx
// is done. It returns what caused the wake-up.
func (c *Coordinator) Wait(ctx context.Context) string {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		return sig.String()
	case <-c.triggered:
		return "trigger"
	case <-ctx.Done():
		return "context"
	}
}

// Trigger wakes Wait. It is safe to call more than once.
func (c *Coordinator) Trigger() {
	c.trigger.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.triggered)
	})
}

// Shutdown runs every step once. Steps with equal priority run in
// registration order. A failed step does not stop later ones; steps left
// when the timeout expires are skipped.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		c.trigger.Do(func() { close(c.triggered) })

		c.mu.Lock()
		steps := slices.Clone(c.steps)
		c.mu.Unlock()
		slices.SortStableFunc(steps, func(a, b step) int { return a.priority - b.priority })

		c.logger.Info().Dur("timeout", c.timeout).Int("steps", len(steps)).Msg("Starting graceful shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		var errs []error
		for i, s := range steps {
			if ctx.Err() != nil {
				skipped := make([]string, 0, len(steps)-i)
				for _, rest := range steps[i:] {
					skipped = append(skipped, rest.name)
				}
				c.logger.Warn().Strs("skipped", skipped).Msg("Shutdown timeout reached")
				errs = append(errs, ctx.Err())
				break
			}
			if err := s.run(ctx); err != nil {
				c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				continue
			}
			c.logger.Debug().Str("step", s.name).Msg("Shutdown step complete")
		}

		c.err = errors.Join(errs...)
		c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	})
	return c.err
}
