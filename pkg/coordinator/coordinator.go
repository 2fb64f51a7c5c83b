// Package coordinator tracks the loading and connection state of every
// placeholder in one document view.
//
// It owns three sets keyed by placeholder full path: registered, loaded and
// connected. From them it derives a one-shot barrier that opens once every
// registered placeholder has produced an initial value, and a debounced flag
// that reports whether any live connection is up. All mutation goes through
// Register, Unregister, MarkLoaded, Seed and SetConnection.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wehubfusion/livebind/internal/notify"
	"go.uber.org/zap"
)

const (
	// DefaultBarrierDebounce settles near-simultaneous completions into one reveal
	DefaultBarrierDebounce = 150 * time.Millisecond

	// DefaultConnectionDebounce hides rapid connect/disconnect churn
	DefaultConnectionDebounce = 300 * time.Millisecond
)

// Options configures a Coordinator.
type Options struct {
	// BarrierDebounce delays publishing the completed barrier. Zero publishes immediately.
	BarrierDebounce time.Duration

	// ConnectionDebounce delays publishing the connection aggregate. Zero publishes immediately.
	ConnectionDebounce time.Duration

	// RevealTimeout forces the barrier open this long after the first
	// registration, even if some placeholders never load. Zero disables it.
	RevealTimeout time.Duration

	// Logger defaults to a no-op logger
	Logger *zap.Logger
}

// DefaultOptions returns the standard debounce windows with no reveal timeout.
func DefaultOptions() Options {
	return Options{
		BarrierDebounce:    DefaultBarrierDebounce,
		ConnectionDebounce: DefaultConnectionDebounce,
	}
}

// Snapshot is a point-in-time copy of the coordinator state. Id lists are sorted.
type Snapshot struct {
	Registered          []string
	Loaded              []string
	Connected           []string
	InitialLoadComplete bool
	AnyVariableLoading  bool
	AnyConnected        bool
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	registered map[string]struct{}
	loaded     map[string]struct{}
	connected  map[string]struct{}

	complete     bool
	done         chan struct{}
	barrierTimer *time.Timer
	barrierGen   uint64
	revealTimer  *time.Timer

	anyConnected bool
	connTimer    *time.Timer
	connGen      uint64

	closed   bool
	notifier *notify.Notifier
}

// New creates a Coordinator. Negative durations are treated as zero.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.BarrierDebounce = max(opts.BarrierDebounce, 0)
	opts.ConnectionDebounce = max(opts.ConnectionDebounce, 0)
	opts.RevealTimeout = max(opts.RevealTimeout, 0)

	return &Coordinator{
		opts:       opts,
		logger:     opts.Logger,
		registered: make(map[string]struct{}),
		loaded:     make(map[string]struct{}),
		connected:  make(map[string]struct{}),
		done:       make(chan struct{}),
		notifier:   notify.New(),
	}
}

// Register adds id to the registered set.
func (c *Coordinator) Register(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.register(id)
	c.evaluateBarrier()
	c.notifier.Broadcast()
}

// Seed registers several ids at once, before their bindings mount, so the
// barrier cannot open while only a subset of them has been registered.
func (c *Coordinator) Seed(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		c.register(id)
	}
	c.evaluateBarrier()
	c.notifier.Broadcast()
}

// Unregister removes id from every set.
func (c *Coordinator) Unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.registered[id]; !ok {
		return
	}
	delete(c.registered, id)
	delete(c.loaded, id)
	_, wasConnected := c.connected[id]
	delete(c.connected, id)

	c.logger.Debug("Placeholder unregistered", zap.String("full_path", id))
	c.evaluateBarrier()
	if wasConnected {
		c.scheduleConnection()
	}
	c.notifier.Broadcast()
}

// MarkLoaded records that id produced its initial value. It is a no-op for an
// id that is not registered or is already loaded.
func (c *Coordinator) MarkLoaded(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.registered[id]; !ok {
		return
	}
	if _, ok := c.loaded[id]; ok {
		return
	}
	c.loaded[id] = struct{}{}

	c.logger.Debug("Placeholder loaded",
		zap.String("full_path", id),
		zap.Int("loaded", len(c.loaded)),
		zap.Int("registered", len(c.registered)))
	c.evaluateBarrier()
	c.notifier.Broadcast()
}

// SetConnection records whether id's live subscription is up. The aggregate
// is republished after the connection debounce. It is a no-op for an id that is
// not registered.
func (c *Coordinator) SetConnection(id string, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.registered[id]; !ok {
		return
	}
	if connected {
		c.connected[id] = struct{}{}
	} else {
		delete(c.connected, id)
	}
	c.scheduleConnection()
}

// IsInitialLoadComplete reports whether the barrier has opened. Once true it
// stays true.
func (c *Coordinator) IsInitialLoadComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// IsAnyVariableLoading reports whether some registered id has not loaded yet.
func (c *Coordinator) IsAnyVariableLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.registered) > len(c.loaded)
}

// IsAnyConnected returns the debounced connection aggregate.
func (c *Coordinator) IsAnyConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anyConnected
}

// Snapshot copies the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Registered:          sortedKeys(c.registered),
		Loaded:              sortedKeys(c.loaded),
		Connected:           sortedKeys(c.connected),
		InitialLoadComplete: c.complete,
		AnyVariableLoading:  len(c.registered) > len(c.loaded),
		AnyConnected:        c.anyConnected,
	}
}

// Done returns a channel that is closed when the barrier opens.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the barrier opens or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch returns a channel that is pinged whenever the state changes, and a
// function to stop watching. The channel is closed by Close.
func (c *Coordinator) Watch() (<-chan struct{}, func()) {
	return c.notifier.Subscribe()
}

// Close stops pending timers and closes every watch channel. Later mutations
// are ignored; the barrier keeps whatever state it had.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.barrierGen++
	c.connGen++
	for _, t := range []*time.Timer{c.barrierTimer, c.connTimer, c.revealTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.notifier.Close()
}

func (c *Coordinator) register(id string) {
	if _, ok := c.registered[id]; ok {
		return
	}
	c.registered[id] = struct{}{}
	c.logger.Debug("Placeholder registered", zap.String("full_path", id))

	if c.opts.RevealTimeout > 0 && c.revealTimer == nil && !c.complete {
		c.revealTimer = time.AfterFunc(c.opts.RevealTimeout, c.forceReveal)
	}
}

// evaluateBarrier (re)schedules or cancels the barrier publish. Caller holds c.mu.
func (c *Coordinator) evaluateBarrier() {
	if c.complete {
		return
	}
	c.barrierGen++
	if c.barrierTimer != nil {
		c.barrierTimer.Stop()
		c.barrierTimer = nil
	}
	if !c.barrierSatisfied() {
		return
	}
	if c.opts.BarrierDebounce == 0 {
		c.openBarrier("all placeholders loaded")
		return
	}
	gen := c.barrierGen
	c.barrierTimer = time.AfterFunc(c.opts.BarrierDebounce, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || gen != c.barrierGen || c.complete || !c.barrierSatisfied() {
			return
		}
		c.openBarrier("all placeholders loaded")
	})
}

func (c *Coordinator) barrierSatisfied() bool {
	return len(c.registered) > 0 && len(c.loaded) == len(c.registered)
}

// openBarrier publishes the barrier. Caller holds c.mu.
func (c *Coordinator) openBarrier(reason string) {
	c.complete = true
	c.barrierTimer = nil
	if c.revealTimer != nil {
		c.revealTimer.Stop()
	}
	close(c.done)
	c.logger.Info("Initial load complete",
		zap.String("reason", reason),
		zap.Int("registered", len(c.registered)),
		zap.Int("loaded", len(c.loaded)))
	c.notifier.Broadcast()
}

func (c *Coordinator) forceReveal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.complete {
		return
	}
	pending := make([]string, 0, len(c.registered))
	for id := range c.registered {
		if _, ok := c.loaded[id]; !ok {
			pending = append(pending, id)
		}
	}
	sort.Strings(pending)
	c.logger.Warn("Reveal timeout elapsed before every placeholder loaded",
		zap.Duration("timeout", c.opts.RevealTimeout),
		zap.Strings("pending", pending))

	c.barrierGen++
	if c.barrierTimer != nil {
		c.barrierTimer.Stop()
	}
	c.openBarrier("reveal timeout")
}

// scheduleConnection resets the connection debounce. Caller holds c.mu.
func (c *Coordinator) scheduleConnection() {
	c.connGen++
	if c.connTimer != nil {
		c.connTimer.Stop()
		c.connTimer = nil
	}
	if c.opts.ConnectionDebounce == 0 {
		c.publishConnection()
		return
	}
	gen := c.connGen
	c.connTimer = time.AfterFunc(c.opts.ConnectionDebounce, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || gen != c.connGen {
			return
		}
		c.connTimer = nil
		c.publishConnection()
	})
}

// publishConnection updates the visible aggregate. Caller holds c.mu.
func (c *Coordinator) publishConnection() {
	next := len(c.connected) > 0
	if next == c.anyConnected {
		return
	}
	c.anyConnected = next
	c.logger.Debug("Live connection state changed", zap.Bool("connected", next))
	c.notifier.Broadcast()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
