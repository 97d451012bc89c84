// Package guard serializes access to stateful inference engines.
//
// Each engine instance gets its own Guard. A Guard admits one caller at a
// time; other callers queue behind it. Guards for different engines are
// independent, so the synthesizer and the converter can run in parallel for
// different requests.
//
// Lock ordering: a caller must never acquire a second Guard while holding one.
// The pipeline acquires and releases them one stage at a time. Any future code
// path that genuinely needs both must take the synthesizer before the converter.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/bobarin/voicegate/internal/models"
)

var (
	// ErrEngineBusyTimeout is returned when the wait for an engine exceeds the
	// configured timeout.
	ErrEngineBusyTimeout = errors.New("timed out waiting for inference engine")
	// ErrServiceBusy is returned when the engine's waiting queue is full.
	ErrServiceBusy = errors.New("inference engine queue is full")
	// ErrEnginePanic is returned when the guarded function panics.
	ErrEnginePanic = errors.New("inference engine panicked")
)

// Observer receives guard events. Implemented by the metrics collector.
type Observer interface {
	ObserveEngineWait(engine models.EngineID, wait time.Duration)
	ObserveEngineBusy(engine models.EngineID, d time.Duration, err error)
	SetEngineQueueDepth(engine models.EngineID, depth int64)
}

type Options struct {
	// WaitTimeout caps how long a caller queues. Zero waits indefinitely.
	WaitTimeout time.Duration
	// MaxQueue caps the number of callers waiting (not running). Zero is unbounded.
	MaxQueue int
}

type Guard struct {
	id       models.EngineID
	sem      *semaphore.Weighted
	opts     Options
	waiting  atomic.Int64
	active   atomic.Int32
	observer Observer
	logger   *zap.Logger
}

func New(id models.EngineID, opts Options, observer Observer, logger *zap.Logger) *Guard {
	return &Guard{
		id:       id,
		sem:      semaphore.NewWeighted(1),
		opts:     opts,
		observer: observer,
		logger:   logger.With(zap.String("component", "guard"), zap.String("engine", string(id))),
	}
}

// ID returns the engine this guard protects.
func (g *Guard) ID() models.EngineID {
	return g.id
}

// Waiting reports how many callers are queued.
func (g *Guard) Waiting() int64 {
	return g.waiting.Load()
}

// Do runs fn with exclusive access to the guarded engine and returns fn's
// result. The engine is released on every exit path, including panics.
func Do[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := g.acquire(ctx); err != nil {
		return zero, err
	}
	defer g.release()

	started := time.Now()
	result, err := runRecovered(ctx, g, fn)
	if g.observer != nil {
		g.observer.ObserveEngineBusy(g.id, time.Since(started), err)
	}
	return result, err
}

func runRecovered[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("engine call panicked", zap.Any("panic", r), zap.Stack("stack"))
			var zero T
			result = zero
			err = fmt.Errorf("%w: %v", ErrEnginePanic, r)
		}
	}()
	return fn(ctx)
}

func (g *Guard) acquire(ctx context.Context) error {
	depth := g.waiting.Add(1)
	g.setDepth(depth)
	defer func() {
		g.setDepth(g.waiting.Add(-1))
	}()

	// Fast path: an idle engine never counts against the queue limit.
	if g.sem.TryAcquire(1) {
		g.markActive()
		if g.observer != nil {
			g.observer.ObserveEngineWait(g.id, 0)
		}
		return nil
	}

	if g.opts.MaxQueue > 0 && depth > int64(g.opts.MaxQueue) {
		g.logger.Warn("rejecting request, engine queue full",
			zap.Int64("waiting", depth-1),
			zap.Int("max_queue", g.opts.MaxQueue))
		return ErrServiceBusy
	}

	waitCtx := ctx
	if g.opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.opts.WaitTimeout)
		defer cancel()
	}

	started := time.Now()
	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("waiting for %s engine: %w", g.id, ctx.Err())
		}
		g.logger.Warn("engine wait timed out", zap.Duration("waited", time.Since(started)))
		return fmt.Errorf("%w: %s after %s", ErrEngineBusyTimeout, g.id, g.opts.WaitTimeout)
	}

	g.markActive()
	if g.observer != nil {
		g.observer.ObserveEngineWait(g.id, time.Since(started))
	}
	return nil
}

func (g *Guard) markActive() {
	if n := g.active.Add(1); n != 1 {
		// Unreachable while the semaphore holds.
		g.logger.Error("engine admitted more than one caller", zap.Int32("active", n))
	}
}

func (g *Guard) release() {
	g.active.Add(-1)
	g.sem.Release(1)
}

func (g *Guard) setDepth(depth int64) {
	if g.observer != nil {
		g.observer.SetEngineQueueDepth(g.id, depth)
	}
}

// Set holds the guards for every engine in the process.
type Set struct {
	guards map[models.EngineID]*Guard
}

func NewSet(opts Options, observer Observer, logger *zap.Logger) *Set {
	return &Set{
		guards: map[models.EngineID]*Guard{
			models.EngineSynthesizer: New(models.EngineSynthesizer, opts, observer, logger),
			models.EngineConverter:   New(models.EngineConverter, opts, observer, logger),
		},
	}
}

// For returns the guard protecting engine id. It panics on unknown ids,
// which indicates a wiring bug.
func (s *Set) For(id models.EngineID) *Guard {
	g, ok := s.guards[id]
	if !ok {
		panic(fmt.Sprintf("guard: unknown engine %q", id))
	}
	return g
}

// WithEngine runs fn with exclusive access to engine id.
func WithEngine[T any](ctx context.Context, s *Set, id models.EngineID, fn func(ctx context.Context) (T, error)) (T, error) {
	return Do(ctx, s.For(id), fn)
}
