package binding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/livebind/pkg/concurrency"
	"github.com/wehubfusion/livebind/pkg/coordinator"
	"github.com/wehubfusion/livebind/pkg/dataset"
	lberrors "github.com/wehubfusion/livebind/pkg/errors"
	"github.com/wehubfusion/livebind/pkg/livechannel"
	"github.com/wehubfusion/livebind/pkg/placeholder"
	"go.uber.org/zap/zaptest"
)

const waitFor = time.Second

func mustParse(t *testing.T, path string) placeholder.Placeholder {
	t.Helper()
	ph, ok := placeholder.ParsePath(path)
	require.True(t, ok, path)
	return ph
}

func staticFetcher(payloads map[string]*dataset.Dataset, calls *atomic.Int32) dataset.Fetcher {
	return dataset.FetcherFunc(func(_ context.Context, docID, datasetID string) (*dataset.Dataset, error) {
		if calls != nil {
			calls.Add(1)
		}
		ds, ok := payloads[docID+"/"+datasetID]
		if !ok {
			return nil, lberrors.NewFetchError(404, nil)
		}
		return ds, nil
	})
}

func waitResolved(t *testing.T, b *Binding) {
	t.Helper()
	select {
	case <-b.Resolved():
	case <-time.After(waitFor):
		t.Fatalf("binding %s did not resolve", b.ID())
	}
}

// recordingTracker records every call in order.
type recordingTracker struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingTracker) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingTracker) Register(id string)   { r.record("register " + id) }
func (r *recordingTracker) Unregister(id string) { r.record("unregister " + id) }
func (r *recordingTracker) MarkLoaded(id string) { r.record("loaded " + id) }
func (r *recordingTracker) SetConnection(id string, connected bool) {
	if connected {
		r.record("connected " + id)
	} else {
		r.record("disconnected " + id)
	}
}

func (r *recordingTracker) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingTracker) count(call string) int {
	n := 0
	for _, c := range r.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

// fakeChannel is an in-memory livechannel.Channel.
type fakeChannel struct {
	mu            sync.Mutex
	subs          []*fakeSub
	subscribeErr  error
	unsubscribeCB func()
}

type fakeSub struct {
	docID, datasetID string
	onData           livechannel.DataFunc
	onError          livechannel.ErrorFunc
	closed           bool
}

func (f *fakeChannel) Enabled() bool { return true }

func (f *fakeChannel) Subscribe(docID, datasetID string, onData livechannel.DataFunc, onError livechannel.ErrorFunc) func() {
	if f.subscribeErr != nil {
		onError(lberrors.NewChannelError("subscribe failed", f.subscribeErr))
		return func() {}
	}
	s := &fakeSub{docID: docID, datasetID: datasetID, onData: onData, onError: onError}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		s.closed = true
		cb := f.unsubscribeCB
		f.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

func (f *fakeChannel) active() []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeSub
	for _, s := range f.subs {
		if !s.closed {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeChannel) waitActive(t *testing.T, n int) []*fakeSub {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.active()) == n }, waitFor, 5*time.Millisecond)
	return f.active()
}

func (f *fakeChannel) push(docID, datasetID string, ds *dataset.Dataset) {
	for _, s := range f.active() {
		if s.docID == docID && s.datasetID == datasetID {
			s.onData(ds)
		}
	}
}

func TestResolveCurrentScope(t *testing.T) {
	coord := coordinator.New(coordinator.Options{})
	defer coord.Close()

	b := New(mustParse(t, "dataset.current.d1.status"), Options{
		CurrentDocID: "doc-1",
		Fetcher: staticFetcher(map[string]*dataset.Dataset{
			"doc-1/d1": dataset.New("d1", dataset.TypeJSON, []byte(`{"status":"running"}`)),
		}, nil),
		Tracker: coord,
		Logger:  zaptest.NewLogger(t),
	})
	assert.Equal(t, StateIdle, b.State())

	b.Activate(context.Background())
	waitResolved(t, b)

	assert.Equal(t, "running", b.Value())
	assert.Equal(t, StateResolved, b.State())
	assert.NoError(t, b.Err())
	assert.True(t, coord.IsInitialLoadComplete())
}

func TestResolvePinScopeUsesPinID(t *testing.T) {
	var gotDoc string
	fetcher := dataset.FetcherFunc(func(_ context.Context, docID, datasetID string) (*dataset.Dataset, error) {
		gotDoc = docID
		return dataset.New(datasetID, dataset.TypeJSON, []byte(`{"n":7}`)), nil
	})

	b := New(mustParse(t, "dataset.pin.other.stats.n"), Options{CurrentDocID: "doc-1", Fetcher: fetcher})
	require.NoError(t, b.Resolve(context.Background()))
	assert.Equal(t, "other", gotDoc)
	assert.Equal(t, "7", b.Value())
}

func TestMissingPinIDSkipsFetch(t *testing.T) {
	var calls atomic.Int32
	tracker := &recordingTracker{}
	b := New(mustParse(t, "dataset.current.d1.status"), Options{
		Fetcher: staticFetcher(nil, &calls),
		Tracker: tracker,
	})

	b.Activate(context.Background())
	waitResolved(t, b)

	assert.Zero(t, calls.Load())
	assert.True(t, lberrors.IsMissingPinID(b.Err()))
	assert.Equal(t, "{{dataset.current.d1.status}}", b.Value())
	assert.Equal(t, StateFailed, b.State())
	assert.Equal(t, 1, tracker.count("loaded dataset.current.d1.status"))
}

func TestFailuresShowLiteralAndStillLoad(t *testing.T) {
	payloads := map[string]*dataset.Dataset{
		"doc/d1": dataset.New("d1", dataset.TypeJSON, []byte(`{"a":{"b":42}}`)),
	}

	tests := []struct {
		name  string
		path  string
		check func(error) bool
	}{
		{"fetch failure", "dataset.current.missing.x", lberrors.IsFetchFailure},
		{"path not found", "dataset.current.d1.a.c", lberrors.IsPathNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := coordinator.New(coordinator.Options{})
			defer coord.Close()

			b := New(mustParse(t, tt.path), Options{CurrentDocID: "doc", Fetcher: staticFetcher(payloads, nil), Tracker: coord})
			b.Activate(context.Background())
			waitResolved(t, b)

			assert.True(t, tt.check(b.Err()), "unexpected error %v", b.Err())
			assert.Equal(t, "{{"+tt.path+"}}", b.Value())
			assert.True(t, coord.IsInitialLoadComplete(), "a broken placeholder must not block the barrier")
		})
	}
}

func TestPlainFetcherErrorsBecomeFetchFailures(t *testing.T) {
	boom := errors.New("connection refused")
	b := New(mustParse(t, "dataset.current.d1"), Options{
		CurrentDocID: "doc",
		Fetcher: dataset.FetcherFunc(func(context.Context, string, string) (*dataset.Dataset, error) {
			return nil, boom
		}),
	})

	err := b.Resolve(context.Background())
	assert.True(t, lberrors.IsFetchFailure(err))
	assert.ErrorIs(t, err, boom)
}

func TestMarkLoadedOnlyOnce(t *testing.T) {
	tracker := &recordingTracker{}
	b := New(mustParse(t, "dataset.current.d1.a"), Options{
		CurrentDocID: "doc",
		Fetcher: staticFetcher(map[string]*dataset.Dataset{
			"doc/d1": dataset.New("d1", dataset.TypeJSON, []byte(`{"a":1}`)),
		}, nil),
		Tracker: tracker,
	})

	require.NoError(t, b.Resolve(context.Background()))
	require.NoError(t, b.Resolve(context.Background()))
	assert.Equal(t, 1, tracker.count("loaded dataset.current.d1.a"))
}

func TestTeardownBeforeFetchResolves(t *testing.T) {
	coord := coordinator.New(coordinator.Options{})
	defer coord.Close()

	release := make(chan struct{})
	fetched := make(chan struct{})
	fetcher := dataset.FetcherFunc(func(_ context.Context, _, datasetID string) (*dataset.Dataset, error) {
		close(fetched)
		<-release
		return dataset.New(datasetID, dataset.TypeJSON, []byte(`{"status":"late"}`)), nil
	})

	ch := &fakeChannel{}
	b := New(mustParse(t, "dataset.current.d1.status"), Options{
		CurrentDocID: "doc",
		Fetcher:      fetcher,
		Channel:      ch,
		Tracker:      coord,
	})
	b.Activate(context.Background())
	<-fetched
	assert.Equal(t, []string{"dataset.current.d1.status"}, coord.Snapshot().Registered)

	b.Close()
	assert.Equal(t, StateClosed, b.State())
	assert.Empty(t, coord.Snapshot().Registered)

	close(release)
	waitResolved(t, b)
	time.Sleep(20 * time.Millisecond)

	snap := coord.Snapshot()
	assert.Empty(t, snap.Registered)
	assert.Empty(t, snap.Loaded)
	assert.False(t, snap.InitialLoadComplete)
	assert.Empty(t, b.Value())
	assert.Empty(t, ch.active(), "a closed binding never subscribes")
}

// closeOnRegister closes the binding just before the registration reaches the
// coordinator, the window between Activate releasing its lock and Register.
type closeOnRegister struct {
	*coordinator.Coordinator
	binding *Binding
}

func (c *closeOnRegister) Register(id string) {
	c.binding.Close()
	c.Coordinator.Register(id)
}

func TestCloseDuringActivateLeavesNothingRegistered(t *testing.T) {
	coord := coordinator.New(coordinator.Options{})
	defer coord.Close()

	var calls atomic.Int32
	tracker := &closeOnRegister{Coordinator: coord}
	b := New(mustParse(t, "dataset.current.d1.status"), Options{
		CurrentDocID: "doc",
		Fetcher:      staticFetcher(nil, &calls),
		Tracker:      tracker,
	})
	tracker.binding = b

	b.Activate(context.Background())
	time.Sleep(20 * time.Millisecond)

	snap := coord.Snapshot()
	assert.Empty(t, snap.Registered)
	assert.Empty(t, snap.Loaded)
	assert.False(t, snap.AnyVariableLoading)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, calls.Load(), "a binding closed during activation never fetches")

	// A sibling that loads normally can still open the barrier.
	coord.Register("dataset.current.d1.count")
	coord.MarkLoaded("dataset.current.d1.count")
	assert.True(t, coord.IsInitialLoadComplete())
}

func TestSamePinAndDatasetDifferentPaths(t *testing.T) {
	coord := coordinator.New(coordinator.Options{})
	defer coord.Close()

	ch := &fakeChannel{}
	fetcher := staticFetcher(map[string]*dataset.Dataset{
		"p1/d1": dataset.New("d1", dataset.TypeJSON, []byte(`{"a":"first","b":"second"}`)),
	}, nil)
	opts := Options{Fetcher: fetcher, Channel: ch, Tracker: coord}

	a := New(mustParse(t, "dataset.pin.p1.d1.a"), opts)
	b := New(mustParse(t, "dataset.pin.p1.d1.b"), opts)
	a.Activate(context.Background())
	b.Activate(context.Background())
	waitResolved(t, a)
	waitResolved(t, b)
	subs := ch.waitActive(t, 2)
	require.Eventually(t, func() bool { return a.Connected() && b.Connected() }, waitFor, 5*time.Millisecond)

	assert.Equal(t, "first", a.Value())
	assert.Equal(t, "second", b.Value())
	assert.Equal(t, []string{"dataset.pin.p1.d1.a", "dataset.pin.p1.d1.b"}, coord.Snapshot().Connected)

	ch.push("p1", "d1", dataset.New("d1", dataset.TypeJSON, []byte(`{"a":"third","b":"fourth"}`)))
	assert.Equal(t, "third", a.Value())
	assert.Equal(t, "fourth", b.Value())

	// Fail only a's subscription.
	for _, s := range subs {
		if s.docID == "p1" {
			s.onError(lberrors.NewChannelError("dropped", nil))
			break
		}
	}
	connected := []bool{a.Connected(), b.Connected()}
	assert.ElementsMatch(t, []bool{true, false}, connected)
	assert.Len(t, coord.Snapshot().Connected, 1)
	assert.Equal(t, "third", a.Value(), "last value is retained after a channel error")
	assert.Equal(t, "fourth", b.Value())
}

func TestLiveUpdates(t *testing.T) {
	tracker := &recordingTracker{}
	ch := &fakeChannel{}
	var changes atomic.Int32

	b := New(mustParse(t, "dataset.current.notes"), Options{
		CurrentDocID: "doc",
		Fetcher: staticFetcher(map[string]*dataset.Dataset{
			"doc/notes": dataset.New("notes", dataset.TypeMarkdown, []byte(`{"content":"# v1"}`)),
		}, nil),
		Channel:  ch,
		Tracker:  tracker,
		OnChange: func(*Binding) { changes.Add(1) },
	})
	b.Activate(context.Background())
	waitResolved(t, b)
	ch.waitActive(t, 1)
	require.Eventually(t, b.Connected, waitFor, 5*time.Millisecond)
	assert.Equal(t, "# v1", b.Value())

	// An untyped push keeps the markdown type learned from the fetch.
	ch.push("doc", "notes", dataset.New("notes", "", []byte(`{"content":"# v2"}`)))
	assert.Equal(t, "# v2", b.Value())
	assert.Equal(t, StateLive, b.State())

	ch.push("doc", "notes", dataset.New("notes", dataset.TypeJSON, []byte(`{"content":"# v3"}`)))
	assert.Equal(t, "{\n  \"content\": \"# v3\"\n}", b.Value())

	b.Close()
	ch.push("doc", "notes", dataset.New("notes", dataset.TypeMarkdown, []byte(`{"content":"# v4"}`)))
	assert.Equal(t, "{\n  \"content\": \"# v3\"\n}", b.Value())

	calls := tracker.snapshot()
	assert.Equal(t, "register dataset.current.notes", calls[0])
	assert.Equal(t, 1, tracker.count("loaded dataset.current.notes"))
	assert.Equal(t, "unregister dataset.current.notes", calls[len(calls)-1])
	assert.GreaterOrEqual(t, changes.Load(), int32(3))
}

func TestPushThatDoesNotResolveShowsLiteral(t *testing.T) {
	ch := &fakeChannel{}
	b := New(mustParse(t, "dataset.current.d1.status"), Options{
		CurrentDocID: "doc",
		Fetcher: staticFetcher(map[string]*dataset.Dataset{
			"doc/d1": dataset.New("d1", dataset.TypeJSON, []byte(`{"status":"ok"}`)),
		}, nil),
		Channel: ch,
	})
	b.Activate(context.Background())
	waitResolved(t, b)
	ch.waitActive(t, 1)

	ch.push("doc", "d1", dataset.New("d1", dataset.TypeJSON, []byte(`{"other":1}`)))
	assert.Equal(t, "{{dataset.current.d1.status}}", b.Value())
	assert.True(t, lberrors.IsPathNotFound(b.Err()))

	ch.push("doc", "d1", dataset.New("d1", dataset.TypeJSON, []byte(`{"status":"back"}`)))
	assert.Equal(t, "back", b.Value())
	assert.NoError(t, b.Err())
	b.Close()
}

func TestCloseUnsubscribesBeforeUnregistering(t *testing.T) {
	tracker := &recordingTracker{}
	ch := &fakeChannel{}
	ch.unsubscribeCB = func() { tracker.record("unsubscribe") }

	b := New(mustParse(t, "dataset.current.d1"), Options{
		CurrentDocID: "doc",
		Fetcher: staticFetcher(map[string]*dataset.Dataset{
			"doc/d1": dataset.New("d1", dataset.TypeJSON, []byte(`"x"`)),
		}, nil),
		Channel: ch,
		Tracker: tracker,
	})
	b.Activate(context.Background())
	waitResolved(t, b)
	ch.waitActive(t, 1)
	require.Eventually(t, b.Connected, waitFor, 5*time.Millisecond)

	b.Close()
	b.Close()

	calls := tracker.snapshot()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, []string{"unsubscribe", "unregister dataset.current.d1"}, calls[len(calls)-2:])
	assert.Equal(t, 1, tracker.count("unregister dataset.current.d1"))
}

func TestSubscribeFailureReportsDisconnected(t *testing.T) {
	tracker := &recordingTracker{}
	ch := &fakeChannel{subscribeErr: errors.New("no route")}

	b := New(mustParse(t, "dataset.current.d1"), Options{
		CurrentDocID: "doc",
		Fetcher: staticFetcher(map[string]*dataset.Dataset{
			"doc/d1": dataset.New("d1", dataset.TypeJSON, []byte(`"x"`)),
		}, nil),
		Channel: ch,
		Tracker: tracker,
	})
	b.Activate(context.Background())
	waitResolved(t, b)
	require.Eventually(t, func() bool { return tracker.count("disconnected dataset.current.d1") == 1 }, waitFor, 5*time.Millisecond)

	assert.Zero(t, tracker.count("connected dataset.current.d1"))
	assert.False(t, b.Connected())
	assert.Equal(t, "x", b.Value())
	b.Close()
}

func TestOpenCircuitFailsFast(t *testing.T) {
	breaker := concurrency.NewCircuitBreaker(concurrency.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	breaker.RecordFailure()
	limiter := concurrency.NewLimiter(concurrency.LimiterConfig{MaxConcurrent: 1, Breaker: breaker})

	var calls atomic.Int32
	b := New(mustParse(t, "dataset.current.d1"), Options{
		CurrentDocID: "doc",
		Fetcher:      staticFetcher(nil, &calls),
		Limiter:      limiter,
	})

	err := b.Resolve(context.Background())
	assert.True(t, lberrors.IsFetchFailure(err))
	assert.ErrorIs(t, err, concurrency.ErrCircuitOpen)
	assert.Zero(t, calls.Load())
	assert.Equal(t, "{{dataset.current.d1}}", b.Value())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "live", StateLive.String())
	assert.Equal(t, "unknown", State(99).String())
}
