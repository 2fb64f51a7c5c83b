package livechannel

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/wehubfusion/livebind/pkg/dataset"
	"github.com/wehubfusion/livebind/pkg/storage"
	"go.uber.org/zap"
)

// DefaultOffloadThreshold is the payload size above which updates carry a blob
// reference instead of inline data. It stays under the default NATS max payload.
const DefaultOffloadThreshold = 768 * 1024

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Prefix is the first subject token. Defaults to DefaultPrefix.
	Prefix string

	// Blobs receives payloads larger than OffloadThreshold. Without it every
	// payload is sent inline.
	Blobs storage.BlobStore

	// OffloadThreshold defaults to DefaultOffloadThreshold.
	OffloadThreshold int

	Logger *zap.Logger
}

// Publisher pushes dataset updates to subscribers of a NATS channel.
type Publisher struct {
	conn   Conn
	cfg    PublisherConfig
	logger *zap.Logger
}

// NewPublisher creates a publisher over conn.
func NewPublisher(conn Conn, cfg PublisherConfig) (*Publisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.OffloadThreshold <= 0 {
		cfg.OffloadThreshold = DefaultOffloadThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: conn, cfg: cfg, logger: logger}, nil
}

// Publish sends ds as the new value of datasetID in docID and returns the
// update's version.
func (p *Publisher) Publish(ctx context.Context, docID, datasetID string, ds *dataset.Dataset) (string, error) {
	if ds == nil {
		return "", fmt.Errorf("dataset cannot be nil")
	}
	subject, err := Subject(p.cfg.Prefix, docID, datasetID)
	if err != nil {
		return "", err
	}

	version := uuid.NewString()
	typ := ds.Type
	if typ == "" {
		typ = dataset.TypeJSON
	}

	var ref *storage.Ref
	if p.cfg.Blobs != nil && len(ds.Payload) > p.cfg.OffloadThreshold {
		url, err := p.cfg.Blobs.Upload(ctx, storage.PayloadPath(docID, datasetID, version), ds.Payload, "application/json")
		if err != nil {
			return "", fmt.Errorf("failed to offload payload: %w", err)
		}
		ref = &storage.Ref{URL: url, SizeBytes: len(ds.Payload), ContentType: "application/json"}
	}

	body, err := EncodeUpdate(typ, version, ds.Payload, ref)
	if err != nil {
		return "", fmt.Errorf("failed to encode update: %w", err)
	}
	if err := p.conn.Publish(subject, body); err != nil {
		return "", fmt.Errorf("failed to publish update: %w", err)
	}

	p.logger.Info("Published dataset update",
		zap.String("subject", subject),
		zap.String("version", version),
		zap.Int("size_bytes", len(ds.Payload)),
		zap.Bool("offloaded", ref != nil))
	return version, nil
}
