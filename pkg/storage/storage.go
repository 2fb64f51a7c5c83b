// Package storage holds large dataset payloads that are too big to travel
// inside a live update. The update carries a Ref instead, and subscribers
// download the payload before resolving placeholders.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a referenced blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Ref points at an offloaded payload.
type Ref struct {
	URL         string `json:"url"`
	SizeBytes   int    `json:"sizeBytes"`
	ContentType string `json:"contentType,omitempty"`
}

// BlobStore uploads and downloads offloaded payloads.
type BlobStore interface {
	// Upload stores data under path and returns the URL to reference it by.
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)

	// Download fetches the blob a URL (or bare path) refers to.
	Download(ctx context.Context, ref string) ([]byte, error)
}

// PayloadPath is the blob path for one pushed version of a dataset.
func PayloadPath(docID, datasetID, version string) string {
	return "doc_datasets/" + docID + "/" + datasetID + "/" + version + ".json"
}
