package livechannel

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/wehubfusion/livebind/pkg/dataset"
	"github.com/wehubfusion/livebind/pkg/storage"
)

// DefaultPrefix is the first subject token of every dataset update.
const DefaultPrefix = "doc_datasets"

// Subject returns the NATS subject for a dataset's updates:
// <prefix>.<docID>.<datasetID>.data.
func Subject(prefix, docID, datasetID string) (string, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	for _, token := range []string{docID, datasetID} {
		if !validToken(token) {
			return "", fmt.Errorf("invalid subject token %q", token)
		}
	}
	return prefix + "." + docID + "." + datasetID + ".data", nil
}

func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

// Update is the body of a live update message:
//
//	{"metadata":{"type":"json","version":"..."},"data":{...}}
//	{"metadata":{"type":"json"},"blobReference":{"url":"...","sizeBytes":123}}
type Update struct {
	Type          dataset.Type
	Version       string
	Data          []byte
	BlobReference *storage.Ref
}

// DecodeUpdate parses an update body. Type is empty when the body omits
// metadata.type.
func DecodeUpdate(body []byte) (*Update, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("update is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("update must be a JSON object")
	}

	u := &Update{Version: root.Get("metadata.version").String()}
	if t := root.Get("metadata.type"); t.Exists() && t.String() != "" {
		u.Type = dataset.ParseType(t.String())
	}

	if ref := root.Get("blobReference"); ref.IsObject() {
		u.BlobReference = &storage.Ref{
			URL:         ref.Get("url").String(),
			SizeBytes:   int(ref.Get("sizeBytes").Int()),
			ContentType: ref.Get("contentType").String(),
		}
		if u.BlobReference.URL == "" {
			return nil, fmt.Errorf("blob reference has no url")
		}
		return u, nil
	}

	if data := root.Get("data"); data.Exists() {
		u.Data = []byte(data.Raw)
	}
	return u, nil
}

// EncodeUpdate builds an update body carrying the payload inline, or the blob
// reference when ref is non-nil.
func EncodeUpdate(typ dataset.Type, version string, payload []byte, ref *storage.Ref) ([]byte, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "metadata.type", string(typ))
	if err != nil {
		return nil, err
	}
	if version != "" {
		if body, err = sjson.SetBytes(body, "metadata.version", version); err != nil {
			return nil, err
		}
	}
	if ref != nil {
		return sjson.SetBytes(body, "blobReference", ref)
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}
	return sjson.SetRawBytes(body, "data", payload)
}

// Snapshot materializes the update as a dataset, downloading offloaded
// payloads from blobs.
func (u *Update) Snapshot(ctx context.Context, datasetID string, blobs storage.BlobStore) (*dataset.Dataset, error) {
	payload := u.Data
	if u.BlobReference != nil {
		if blobs == nil {
			return nil, fmt.Errorf("update references a blob but no blob store is configured")
		}
		data, err := blobs.Download(ctx, u.BlobReference.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to download update payload: %w", err)
		}
		if !gjson.ValidBytes(data) {
			return nil, fmt.Errorf("offloaded payload is not valid JSON")
		}
		payload = data
	}
	return dataset.New(datasetID, u.Type, payload), nil
}
