// Package livechannel adapts a push transport to the subscribe/unsubscribe
// contract placeholders use to stay current.
//
// A Channel delivers a fresh dataset snapshot every time the dataset changes.
// Deployments without a transport use Noop, which makes every subscription a
// no-op so callers degrade to fetch-only mode without special cases.
package livechannel

import "github.com/wehubfusion/livebind/pkg/dataset"

// DataFunc receives a pushed snapshot. The snapshot's Type is empty when the
// update did not declare one.
type DataFunc func(ds *dataset.Dataset)

// ErrorFunc receives CHANNEL_ERROR failures for a subscription.
type ErrorFunc func(err error)

// Channel is a live update transport keyed by (docID, datasetID).
type Channel interface {
	// Subscribe starts delivering updates and returns the function that stops
	// them. The returned function is always non-nil and safe to call more than once.
	Subscribe(docID, datasetID string, onData DataFunc, onError ErrorFunc) (unsubscribe func())

	// Enabled reports whether subscriptions can ever deliver anything.
	Enabled() bool
}

// Noop returns a Channel that never delivers.
func Noop() Channel {
	return noop{}
}

type noop struct{}

func (noop) Subscribe(string, string, DataFunc, ErrorFunc) func() { return func() {} }

func (noop) Enabled() bool { return false }
