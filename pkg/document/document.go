// Package document mounts a markdown document as a live view.
//
// Open parses the source, rewrites placeholders into AST nodes, seeds a
// coordinator with every distinct placeholder and starts one binding per
// placeholder. The view renders the current values at any time; Wait blocks
// until every placeholder has loaded so callers can reveal the document at
// once.
package document

import (
	"context"
	"errors"
	"sync"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
	"github.com/google/uuid"
	"github.com/wehubfusion/livebind/internal/notify"
	"github.com/wehubfusion/livebind/pkg/binding"
	"github.com/wehubfusion/livebind/pkg/concurrency"
	"github.com/wehubfusion/livebind/pkg/coordinator"
	"github.com/wehubfusion/livebind/pkg/dataset"
	"github.com/wehubfusion/livebind/pkg/livechannel"
	"github.com/wehubfusion/livebind/pkg/placeholder"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed view.
var ErrClosed = errors.New("document view is closed")

// Options configures a View.
type Options struct {
	// CurrentDocID is the document "current" placeholders read from.
	CurrentDocID string

	Fetcher dataset.Fetcher
	Channel livechannel.Channel
	Limiter *concurrency.Limiter

	// Coordinator tunes the loading barrier. The zero value publishes
	// immediately; use coordinator.DefaultOptions for interactive views.
	Coordinator coordinator.Options

	Logger *zap.Logger
}

// View is one mounted document. It is safe for concurrent use.
type View struct {
	id     string
	source []byte
	root   ast.Node
	nodes  []*placeholder.Node
	order  []string

	coord    *coordinator.Coordinator
	bindings map[string]*binding.Binding
	changes  *notify.Notifier
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Parse parses markdown with the extensions every view uses.
func Parse(source []byte) ast.Node {
	return markdown.Parse(source, parser.NewWithExtensions(parser.CommonExtensions))
}

// Open mounts source and starts resolving its placeholders in the background.
func Open(ctx context.Context, source []byte, opts Options) (*View, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("document: a dataset fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.NewString()
	logger = logger.With(zap.String("view_id", id))
	coordOpts := opts.Coordinator
	coordOpts.Logger = logger

	root := Parse(source)
	nodes := placeholder.Transform(root)

	v := &View{
		id:       id,
		source:   source,
		root:     root,
		nodes:    nodes,
		order:    placeholder.IDs(nodes),
		coord:    coordinator.New(coordOpts),
		bindings: make(map[string]*binding.Binding),
		changes:  notify.New(),
		logger:   logger,
	}

	coordChanges, _ := v.coord.Watch()
	go v.forward(coordChanges)

	// Seed before any binding starts so an early resolution cannot open the
	// barrier while siblings are still unregistered.
	v.coord.Seed(v.order...)

	for _, n := range nodes {
		if _, ok := v.bindings[n.FullPath]; ok {
			continue
		}
		v.bindings[n.FullPath] = binding.New(n.Placeholder, binding.Options{
			CurrentDocID: opts.CurrentDocID,
			Fetcher:      opts.Fetcher,
			Channel:      opts.Channel,
			Tracker:      v.coord,
			Limiter:      opts.Limiter,
			OnChange:     func(*binding.Binding) { v.changes.Broadcast() },
			Logger:       logger,
		})
	}

	logger.Info("Opened document view",
		zap.String("doc_id", opts.CurrentDocID),
		zap.Int("placeholders", len(v.order)))

	for _, fullPath := range v.order {
		v.bindings[fullPath].Activate(ctx)
	}
	return v, nil
}

// forward relays coordinator changes (barrier, debounced connection state) to
// view watchers until the coordinator closes.
func (v *View) forward(changes <-chan struct{}) {
	for range changes {
		v.changes.Broadcast()
	}
}

// ID returns the view's unique id.
func (v *View) ID() string { return v.id }

// Source returns the markdown the view was opened with.
func (v *View) Source() []byte { return v.source }

// Placeholders returns the distinct placeholders in document order.
func (v *View) Placeholders() []placeholder.Placeholder {
	out := make([]placeholder.Placeholder, 0, len(v.order))
	for _, fullPath := range v.order {
		out = append(out, v.bindings[fullPath].Placeholder())
	}
	return out
}

// Binding returns the binding for fullPath.
func (v *View) Binding(fullPath string) (*binding.Binding, bool) {
	b, ok := v.bindings[fullPath]
	return b, ok
}

// Values returns the displayed value of every placeholder keyed by full path.
func (v *View) Values() map[string]string {
	out := make(map[string]string, len(v.bindings))
	for fullPath, b := range v.bindings {
		out[fullPath] = b.Value()
	}
	return out
}

// Snapshot returns the coordinator state.
func (v *View) Snapshot() coordinator.Snapshot {
	return v.coord.Snapshot()
}

// Ready reports whether the initial load is complete. A document without
// placeholders is always ready.
func (v *View) Ready() bool {
	return len(v.order) == 0 || v.coord.IsInitialLoadComplete()
}

// Connected returns the debounced connection aggregate.
func (v *View) Connected() bool {
	return v.coord.IsAnyConnected()
}

// Wait blocks until the initial load completes, ctx ends or the view closes.
func (v *View) Wait(ctx context.Context) error {
	if len(v.order) == 0 {
		return nil
	}
	select {
	case <-v.coord.Done():
		return nil
	case <-v.changes.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch returns a channel pinged whenever a value, a connection or the
// barrier changes. The channel is closed when the view closes.
func (v *View) Watch() (<-chan struct{}, func()) {
	return v.changes.Subscribe()
}

// Close tears down every binding and the coordinator. It is idempotent.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	for _, fullPath := range v.order {
		v.bindings[fullPath].Close()
	}
	v.coord.Close()
	v.changes.Close()
	v.logger.Debug("Closed document view")
}
