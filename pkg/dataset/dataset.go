// Package dataset models the named JSON or markdown blobs owned by a document
// and fetches them from the collaborator REST API.
package dataset

import (
	"context"
	"encoding/json"
)

// Type is the declared type of a dataset payload.
type Type string

const (
	TypeJSON     Type = "json"
	TypeMarkdown Type = "markdown"
)

// ParseType normalizes a metadata type. Unknown or empty types read as JSON.
func ParseType(s string) Type {
	if Type(s) == TypeMarkdown {
		return TypeMarkdown
	}
	return TypeJSON
}

// Dataset is an immutable snapshot of one dataset, as fetched or pushed.
type Dataset struct {
	ID      string
	Type    Type
	Payload json.RawMessage
}

// New builds a snapshot, substituting JSON null for an empty payload.
func New(id string, typ Type, payload []byte) *Dataset {
	if len(payload) == 0 {
		payload = []byte("null")
	}
	return &Dataset{ID: id, Type: typ, Payload: json.RawMessage(payload)}
}

// Fetcher reads the current snapshot of a dataset owned by a document.
type Fetcher interface {
	Fetch(ctx context.Context, docID, datasetID string) (*Dataset, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, docID, datasetID string) (*Dataset, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, docID, datasetID string) (*Dataset, error) {
	return f(ctx, docID, datasetID)
}

// metadata mirrors the "metadata" object shared by REST responses and live updates.
type metadata struct {
	Type string `json:"type"`
}

// record is the dataset object inside the REST envelope.
type record struct {
	Metadata metadata        `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

// envelope is the body of GET /documents/{docId}/datasets/{datasetId}.
type envelope struct {
	Data struct {
		Dataset record `json:"dataset"`
	} `json:"data"`
}
