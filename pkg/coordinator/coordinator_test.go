package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	debounce = 20 * time.Millisecond
	waitFor  = time.Second
	tick     = 5 * time.Millisecond
)

func newObserved(opts Options) (*Coordinator, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	opts.Logger = zap.New(core)
	return New(opts), logs
}

func completions(logs *observer.ObservedLogs) int {
	return logs.FilterMessage("Initial load complete").Len()
}

func TestBarrierOpensOnceAfterSeededIdsLoad(t *testing.T) {
	c, logs := newObserved(Options{BarrierDebounce: debounce})
	defer c.Close()

	c.Seed("a", "b", "c")
	c.MarkLoaded("a")
	c.MarkLoaded("b")

	time.Sleep(3 * debounce)
	assert.False(t, c.IsInitialLoadComplete())
	assert.True(t, c.IsAnyVariableLoading())

	c.MarkLoaded("c")
	assert.False(t, c.IsInitialLoadComplete(), "barrier waits for the debounce window")
	assert.False(t, c.IsAnyVariableLoading())

	require.Eventually(t, c.IsInitialLoadComplete, waitFor, tick)
	time.Sleep(3 * debounce)
	assert.Equal(t, 1, completions(logs))

	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestBarrierNeverOpensWithoutRegistrations(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	c.MarkLoaded("ghost")
	c.Seed()
	assert.False(t, c.IsInitialLoadComplete())
	assert.Empty(t, c.Snapshot().Registered)
}

func TestMarkLoadedIsIdempotent(t *testing.T) {
	c := New(Options{BarrierDebounce: time.Hour})
	defer c.Close()

	c.Seed("a", "b")
	c.MarkLoaded("a")
	assert.Len(t, c.Snapshot().Loaded, 1)

	c.MarkLoaded("a")
	assert.Len(t, c.Snapshot().Loaded, 1)
	assert.True(t, c.IsAnyVariableLoading())
}

func TestBarrierIsMonotonic(t *testing.T) {
	c, logs := newObserved(Options{})
	defer c.Close()

	c.Register("a")
	c.MarkLoaded("a")
	require.True(t, c.IsInitialLoadComplete())

	c.Register("b")
	assert.True(t, c.IsInitialLoadComplete())
	assert.True(t, c.IsAnyVariableLoading())

	c.Unregister("a")
	c.Unregister("b")
	assert.True(t, c.IsInitialLoadComplete())

	c.Register("a")
	c.MarkLoaded("a")
	assert.True(t, c.IsInitialLoadComplete())
	assert.Equal(t, 1, completions(logs))
}

func TestRegisterDuringDebounceCancelsPublish(t *testing.T) {
	c := New(Options{BarrierDebounce: 4 * debounce})
	defer c.Close()

	c.Register("a")
	c.MarkLoaded("a")
	c.Register("b")

	time.Sleep(8 * debounce)
	assert.False(t, c.IsInitialLoadComplete())

	c.MarkLoaded("b")
	require.Eventually(t, c.IsInitialLoadComplete, waitFor, tick)
}

func TestUnregisterOfPendingIdCanOpenBarrier(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	c.Seed("a", "b")
	c.MarkLoaded("a")
	assert.False(t, c.IsInitialLoadComplete())

	c.Unregister("b")
	assert.True(t, c.IsInitialLoadComplete())
}

func TestUnregisterCleansEverySet(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	c.Register("a")
	c.MarkLoaded("a")
	c.SetConnection("a", true)
	require.True(t, c.IsAnyConnected())

	c.Unregister("a")
	snap := c.Snapshot()
	assert.Empty(t, snap.Registered)
	assert.Empty(t, snap.Loaded)
	assert.Empty(t, snap.Connected)
	assert.False(t, snap.AnyConnected)
}

func TestCallsForAbsentIdsChangeNothing(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	c.Register("a")
	c.Unregister("a")

	c.MarkLoaded("a")
	c.SetConnection("a", true)
	c.Unregister("a")

	snap := c.Snapshot()
	assert.Empty(t, snap.Registered)
	assert.Empty(t, snap.Loaded)
	assert.Empty(t, snap.Connected)
	assert.False(t, snap.InitialLoadComplete)
	assert.False(t, snap.AnyConnected)
}

func TestConnectionAggregateIsDebounced(t *testing.T) {
	c := New(Options{ConnectionDebounce: 2 * debounce})
	defer c.Close()

	c.Seed("a", "b")
	c.SetConnection("a", true)
	assert.False(t, c.IsAnyConnected(), "not published before the debounce")
	require.Eventually(t, c.IsAnyConnected, waitFor, tick)

	// A drop that recovers within the window is never published.
	c.SetConnection("a", false)
	c.SetConnection("a", true)
	time.Sleep(4 * debounce)
	assert.True(t, c.IsAnyConnected())

	c.SetConnection("b", true)
	c.SetConnection("a", false)
	time.Sleep(4 * debounce)
	assert.True(t, c.IsAnyConnected(), "b is still connected")

	c.SetConnection("b", false)
	require.Eventually(t, func() bool { return !c.IsAnyConnected() }, waitFor, tick)
}

func TestRevealTimeoutForcesBarrier(t *testing.T) {
	c, logs := newObserved(Options{RevealTimeout: 2 * debounce})
	defer c.Close()

	c.Seed("fast", "hung")
	c.MarkLoaded("fast")

	require.Eventually(t, c.IsInitialLoadComplete, waitFor, tick)
	assert.Equal(t, 1, logs.FilterMessage("Reveal timeout elapsed before every placeholder loaded").Len())
	assert.True(t, c.IsAnyVariableLoading())

	c.MarkLoaded("hung")
	assert.Equal(t, 1, completions(logs))
}

func TestWait(t *testing.T) {
	c := New(Options{BarrierDebounce: debounce})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), debounce)
	defer cancel()
	c.Register("a")
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	c.MarkLoaded("a")
	ctx2, cancel2 := context.WithTimeout(context.Background(), waitFor)
	defer cancel2()
	assert.NoError(t, c.Wait(ctx2))
}

func TestWatchPingsOnChanges(t *testing.T) {
	c := New(Options{})
	ch, stop := c.Watch()
	defer stop()

	c.Register("a")
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("expected a change ping")
	}

	c.Close()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, waitFor, tick)
}

func TestClosedCoordinatorIgnoresMutations(t *testing.T) {
	c := New(Options{BarrierDebounce: debounce})
	c.Register("a")
	c.MarkLoaded("a")
	c.Close()
	c.Close()

	time.Sleep(3 * debounce)
	assert.False(t, c.IsInitialLoadComplete())

	c.Register("b")
	assert.Equal(t, []string{"a"}, c.Snapshot().Registered)
}

func TestConcurrentUse(t *testing.T) {
	c := New(Options{BarrierDebounce: debounce, ConnectionDebounce: debounce})
	defer c.Close()

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	c.Seed(ids...)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.SetConnection(id, true)
			c.MarkLoaded(id)
			c.MarkLoaded(id)
			_ = c.Snapshot()
		}(id)
	}
	wg.Wait()

	require.Eventually(t, c.IsInitialLoadComplete, waitFor, tick)
	require.Eventually(t, c.IsAnyConnected, waitFor, tick)
	assert.Len(t, c.Snapshot().Loaded, len(ids))
}
