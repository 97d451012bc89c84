package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bobarin/voicegate/internal/models"
)

// overlapEngine fails the test if two calls are ever active at once.
type overlapEngine struct {
	active   atomic.Int32
	overlaps atomic.Int32
	calls    atomic.Int32
}

func (e *overlapEngine) call(d time.Duration) (int, error) {
	if e.active.Add(1) != 1 {
		e.overlaps.Add(1)
	}
	defer e.active.Add(-1)
	time.Sleep(d)
	return int(e.calls.Add(1)), nil
}

func newGuard(opts Options) *Guard {
	return New(models.EngineSynthesizer, opts, nil, zap.NewNop())
}

func TestDoNeverInterleaves(t *testing.T) {
	g := newGuard(Options{})
	engine := &overlapEngine{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
				return engine.call(time.Millisecond)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, engine.overlaps.Load())
	assert.EqualValues(t, 50, engine.calls.Load())
}

func TestDoReturnsFnResult(t *testing.T) {
	g := newGuard(Options{})

	got, err := Do(context.Background(), g, func(ctx context.Context) (string, error) {
		return "audio", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "audio", got)
}

func TestDoReleasesOnError(t *testing.T) {
	g := newGuard(Options{WaitTimeout: 100 * time.Millisecond})
	boom := errors.New("engine exploded")

	_, err := Do(context.Background(), g, func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	// The next caller must not be blocked.
	_, err = Do(context.Background(), g, func(ctx context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	assert.NoError(t, err)
}

func TestDoReleasesOnPanic(t *testing.T) {
	g := newGuard(Options{WaitTimeout: 100 * time.Millisecond})

	_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
		panic("cuda out of memory")
	})
	assert.ErrorIs(t, err, ErrEnginePanic)

	_, err = Do(context.Background(), g, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	assert.NoError(t, err)
}

func TestDoTimesOutWhileEngineBusy(t *testing.T) {
	g := newGuard(Options{WaitTimeout: 20 * time.Millisecond})

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Do(context.Background(), g, func(ctx context.Context) (int, error) {
			close(started)
			<-hold
			return 0, nil
		})
	}()
	<-started

	_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
		t.Error("must not run while engine is held")
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrEngineBusyTimeout)

	close(hold)
}

func TestDoRejectsWhenQueueFull(t *testing.T) {
	g := newGuard(Options{MaxQueue: 1})

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Do(context.Background(), g, func(ctx context.Context) (int, error) {
			close(started)
			<-hold
			return 0, nil
		})
	}()
	<-started

	// One waiter fits in the queue.
	waiterDone := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
			return 0, nil
		})
		waiterDone <- err
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)

	_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrServiceBusy)

	close(hold)
	assert.NoError(t, <-waiterDone)
}

func TestDoHonorsCallerCancellation(t *testing.T) {
	g := newGuard(Options{})

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Do(context.Background(), g, func(ctx context.Context) (int, error) {
			close(started)
			<-hold
			return 0, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Do(ctx, g, func(ctx context.Context) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrEngineBusyTimeout)

	close(hold)
}

func TestIndependentEnginesRunInParallel(t *testing.T) {
	set := NewSet(Options{}, nil, zap.NewNop())

	synthRunning := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = WithEngine(context.Background(), set, models.EngineSynthesizer, func(ctx context.Context) (int, error) {
			close(synthRunning)
			<-release
			return 0, nil
		})
	}()
	<-synthRunning

	done := make(chan struct{})
	go func() {
		_, _ = WithEngine(context.Background(), set, models.EngineConverter, func(ctx context.Context) (int, error) {
			return 0, nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("converter blocked by synthesizer guard")
	}
	close(release)
}

type recordingObserver struct {
	mu     sync.Mutex
	waits  int
	busy   int
	depths []int64
}

func (o *recordingObserver) ObserveEngineWait(models.EngineID, time.Duration) {
	o.mu.Lock()
	o.waits++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveEngineBusy(models.EngineID, time.Duration, error) {
	o.mu.Lock()
	o.busy++
	o.mu.Unlock()
}

func (o *recordingObserver) SetEngineQueueDepth(_ models.EngineID, depth int64) {
	o.mu.Lock()
	o.depths = append(o.depths, depth)
	o.mu.Unlock()
}

func TestObserverReceivesEvents(t *testing.T) {
	obs := &recordingObserver{}
	g := New(models.EngineConverter, Options{}, obs, zap.NewNop())

	_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	assert.Equal(t, 1, obs.waits)
	assert.Equal(t, 1, obs.busy)
	assert.Equal(t, []int64{1, 0}, obs.depths)
}

func TestSetPanicsOnUnknownEngine(t *testing.T) {
	set := NewSet(Options{}, nil, zap.NewNop())
	assert.Panics(t, func() { set.For("vocoder") })
}
