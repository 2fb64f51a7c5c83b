// Package binding drives one placeholder from fetch to live updates.
//
// A Binding registers its placeholder with the document's coordinator, fetches
// the dataset, extracts and formats the value, reports the placeholder loaded
// exactly once, then follows live updates until it is closed. Failures stay
// inside the binding: the displayed value falls back to the literal
// "{{dataset...}}" text so broken placeholders are visible in the output.
package binding

import (
	"context"
	"errors"
	"sync"

	"github.com/wehubfusion/livebind/pkg/concurrency"
	"github.com/wehubfusion/livebind/pkg/dataset"
	lberrors "github.com/wehubfusion/livebind/pkg/errors"
	"github.com/wehubfusion/livebind/pkg/livechannel"
	"github.com/wehubfusion/livebind/pkg/pathutil"
	"github.com/wehubfusion/livebind/pkg/placeholder"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errNoFetcher = errors.New("no dataset fetcher configured")

// State is the lifecycle state of a Binding.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateResolved
	StateFailed
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Tracker receives loading and connection reports. *coordinator.Coordinator
// implements it. MarkLoaded and SetConnection are called while the binding
// holds its own lock, so they must not call back into the binding. Register
// and Unregister are called without it.
type Tracker interface {
	Register(id string)
	Unregister(id string)
	MarkLoaded(id string)
	SetConnection(id string, connected bool)
}

// Options configures a Binding.
type Options struct {
	// CurrentDocID is the document that "current" placeholders read from.
	CurrentDocID string

	// Fetcher reads datasets. Required.
	Fetcher dataset.Fetcher

	// Channel delivers live updates. Nil means fetch-only.
	Channel livechannel.Channel

	// Tracker is usually the view's coordinator. Nil disables reporting.
	Tracker Tracker

	// Limiter bounds concurrent fetches across bindings. Optional.
	Limiter *concurrency.Limiter

	// OnChange is called after the displayed value or connection state changes.
	// It must not block.
	OnChange func(*Binding)

	Logger *zap.Logger
}

// Binding is safe for concurrent use.
type Binding struct {
	ph      placeholder.Placeholder
	opts    Options
	logger  *zap.Logger
	tracer  trace.Tracer
	tracker Tracker
	channel livechannel.Channel

	mu             sync.Mutex
	state          State
	value          string
	err            error
	lastType       dataset.Type
	connected      bool
	channelErrs    int
	reportedLoaded bool
	activated      bool
	closed         bool
	unsubscribe    func()

	resolved     chan struct{}
	resolvedOnce sync.Once
}

// New creates an idle binding for ph.
func New(ph placeholder.Placeholder, opts Options) *Binding {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	channel := opts.Channel
	if channel == nil {
		channel = livechannel.Noop()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = nopTracker{}
	}
	return &Binding{
		ph:       ph,
		opts:     opts,
		logger:   logger.With(zap.String("full_path", ph.FullPath)),
		tracer:   otel.Tracer("livebind/binding"),
		tracker:  tracker,
		channel:  channel,
		resolved: make(chan struct{}),
	}
}

// Placeholder returns the bound placeholder.
func (b *Binding) Placeholder() placeholder.Placeholder {
	return b.ph
}

// ID returns the placeholder's full path.
func (b *Binding) ID() string {
	return b.ph.FullPath
}

// Activate registers the placeholder with the tracker, then resolves and
// subscribes in the background. Later calls do nothing.
func (b *Binding) Activate(ctx context.Context) {
	b.mu.Lock()
	if b.activated || b.closed {
		b.mu.Unlock()
		return
	}
	b.activated = true
	b.mu.Unlock()

	b.tracker.Register(b.ph.FullPath)

	// A Close that ran before Register unregistered nothing.
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		b.tracker.Unregister(b.ph.FullPath)
		return
	}

	go func() {
		_ = b.Resolve(ctx)
		b.subscribe()
	}()
}

// Resolve fetches the dataset and updates the displayed value. It reports the
// placeholder loaded the first time it completes, whether it succeeded or not.
// A result that arrives after Close is discarded.
func (b *Binding) Resolve(ctx context.Context) error {
	ctx, span := b.tracer.Start(ctx, "binding.resolve", trace.WithAttributes(
		attribute.String("livebind.full_path", b.ph.FullPath),
		attribute.String("livebind.dataset_id", b.ph.DatasetID),
	))
	defer span.End()

	if !b.transition(StateResolving) {
		return nil
	}

	value, typ, err := b.resolve(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("livebind.error_code", lberrors.Code(err)))

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Debug("Discarding resolution for closed placeholder")
		return err
	}
	if err != nil {
		b.value = b.ph.Text()
		b.state = StateFailed
	} else {
		b.value = value
		b.lastType = typ
		b.state = StateResolved
	}
	b.err = err
	if !b.reportedLoaded {
		b.reportedLoaded = true
		b.tracker.MarkLoaded(b.ph.FullPath)
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("Placeholder resolution failed",
			zap.String("code", lberrors.Code(err)),
			zap.Error(err))
	}
	b.resolvedOnce.Do(func() { close(b.resolved) })
	b.changed()
	return err
}

func (b *Binding) resolve(ctx context.Context) (string, dataset.Type, error) {
	docID := b.docID()
	if docID == "" {
		return "", "", lberrors.NewMissingPinIDError(b.ph.FullPath)
	}
	if b.opts.Fetcher == nil {
		return "", "", lberrors.NewFetchError(0, errNoFetcher)
	}

	var ds *dataset.Dataset
	fetch := func(ctx context.Context) error {
		var err error
		ds, err = b.opts.Fetcher.Fetch(ctx, docID, b.ph.DatasetID)
		return err
	}

	var err error
	if b.opts.Limiter != nil {
		err = b.opts.Limiter.Do(ctx, fetch)
	} else {
		err = fetch(ctx)
	}
	if err != nil {
		if lberrors.Code(err) == "" {
			err = lberrors.NewFetchError(0, err)
		}
		return "", "", err
	}

	value, err := pathutil.Resolve(ds, b.ph.JSONPath)
	if err != nil {
		return "", "", err
	}
	return value, ds.Type, nil
}

func (b *Binding) subscribe() {
	docID := b.docID()
	b.mu.Lock()
	skip := b.closed || docID == "" || !b.channel.Enabled()
	errsBefore := b.channelErrs
	b.mu.Unlock()
	if skip {
		return
	}

	unsubscribe := b.channel.Subscribe(docID, b.ph.DatasetID, b.onPush, b.onChannelError)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		unsubscribe()
		return
	}
	b.unsubscribe = unsubscribe
	ok := b.channelErrs == errsBefore
	if ok {
		b.connected = true
		b.tracker.SetConnection(b.ph.FullPath, true)
	}
	b.mu.Unlock()

	if ok {
		b.changed()
	}
}

func (b *Binding) onPush(ds *dataset.Dataset) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	typ := ds.Type
	if typ == "" {
		typ = b.lastType
	}
	snapshot := &dataset.Dataset{ID: ds.ID, Type: typ, Payload: ds.Payload}

	value, err := pathutil.Resolve(snapshot, b.ph.JSONPath)
	if err != nil {
		b.value = b.ph.Text()
	} else {
		b.value = value
	}
	b.err = err
	if typ != "" {
		b.lastType = typ
	}
	b.state = StateLive
	b.connected = true
	b.tracker.SetConnection(b.ph.FullPath, true)
	b.mu.Unlock()

	if err != nil {
		b.logger.Debug("Live update did not resolve", zap.Error(err))
	}
	b.changed()
}

func (b *Binding) onChannelError(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.channelErrs++
	b.connected = false
	b.tracker.SetConnection(b.ph.FullPath, false)
	b.mu.Unlock()

	b.logger.Warn("Live channel error", zap.Error(err))
	b.changed()
}

// Close unsubscribes from the live channel, then unregisters the placeholder.
// It is idempotent.
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.state = StateClosed
	b.connected = false
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	activated := b.activated
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if activated {
		b.tracker.Unregister(b.ph.FullPath)
	}
	b.resolvedOnce.Do(func() { close(b.resolved) })
}

// Value returns the displayed value. Before the first resolution completes it
// is empty.
func (b *Binding) Value() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// State returns the lifecycle state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Err returns the failure behind the current value, if any.
func (b *Binding) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Type returns the dataset type of the last successful fetch or push.
func (b *Binding) Type() dataset.Type {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastType
}

// Connected reports whether the live subscription is currently up.
func (b *Binding) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Resolved is closed once the first resolution completes or the binding closes.
func (b *Binding) Resolved() <-chan struct{} {
	return b.resolved
}

// docID returns the document the placeholder reads from, or "".
func (b *Binding) docID() string {
	if b.ph.Scope == placeholder.ScopePin {
		return b.ph.PinID
	}
	return b.opts.CurrentDocID
}

func (b *Binding) transition(next State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if b.state == StateIdle {
		b.state = next
	}
	return true
}

func (b *Binding) changed() {
	if b.opts.OnChange != nil {
		b.opts.OnChange(b)
	}
}

type nopTracker struct{}

func (nopTracker) Register(string)            {}
func (nopTracker) Unregister(string)          {}
func (nopTracker) MarkLoaded(string)          {}
func (nopTracker) SetConnection(string, bool) {}
