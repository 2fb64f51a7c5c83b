package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	natsclient "github.com/nats-io/nats.go"
	"github.com/wehubfusion/livebind/internal/config"
	"github.com/wehubfusion/livebind/internal/nats"
	"github.com/wehubfusion/livebind/pkg/concurrency"
	"github.com/wehubfusion/livebind/pkg/coordinator"
	"github.com/wehubfusion/livebind/pkg/dataset"
	"github.com/wehubfusion/livebind/pkg/document"
	lberrors "github.com/wehubfusion/livebind/pkg/errors"
	"github.com/wehubfusion/livebind/pkg/livechannel"
	"github.com/wehubfusion/livebind/pkg/storage"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by operations that need the live channel.
var ErrNotConnected = errors.New("not connected to NATS")

// Client wires the collaborators a document view needs: the dataset REST
// client, the fetch limiter, blob storage and the NATS live channel.
//
// Example usage:
//
//	cfg, _ := config.Load("", nil)
//	c, err := client.NewClient(cfg, logger)
//	if err != nil {
//	    logger.Fatal("Failed to create client", zap.Error(err))
//	}
//	if err := c.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer c.Close()
//
//	view, err := c.OpenDocument(ctx, source, "doc-123")
type Client struct {
	cfg    *config.Config
	logger *zap.Logger

	fetcher dataset.Fetcher
	limiter *concurrency.Limiter
	blobs   storage.BlobStore

	mu        sync.Mutex
	conn      *natsclient.Conn
	liveConn  livechannel.Conn
	publisher *livechannel.Publisher
	channel   atomic.Pointer[livechannel.NATSChannel]
}

// NewClient creates a client from configuration. The REST client is only
// built when api.base_url is set, blob storage only when
// blob.connection_string is set. Connect must be called for live updates.
// A nil logger defaults to a production logger.
func NewClient(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	var fetcher dataset.Fetcher
	if cfg.API.BaseURL != "" {
		tokens, err := cfg.TokenSource()
		if err != nil {
			return nil, err
		}
		dc, err := dataset.NewClient(dataset.ClientConfig{
			BaseURL:      cfg.API.BaseURL,
			Tokens:       tokens,
			RetryMax:     cfg.API.RetryMax,
			RetryWaitMin: cfg.API.RetryWaitMin,
			RetryWaitMax: cfg.API.RetryWaitMax,
			Timeout:      cfg.API.Timeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create dataset client: %w", err)
		}
		fetcher = dc
	}

	var blobs storage.BlobStore
	if cfg.Blob.ConnectionString != "" {
		store, err := storage.NewAzureBlobStore(cfg.Blob.ConnectionString, cfg.Blob.Container, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob store: %w", err)
		}
		blobs = store
	}

	return newClient(cfg, fetcher, nil, blobs, logger), nil
}

// NewClientWithCollaborators creates a client around provided collaborators.
// conn, when non-nil, is used as the live channel transport instead of dialing
// NATS. Useful for tests.
func NewClientWithCollaborators(cfg *config.Config, fetcher dataset.Fetcher, conn livechannel.Conn, blobs storage.BlobStore) *Client {
	logger, _ := zap.NewProduction()
	return newClient(cfg, fetcher, conn, blobs, logger)
}

func newClient(cfg *config.Config, fetcher dataset.Fetcher, conn livechannel.Conn, blobs storage.BlobStore, logger *zap.Logger) *Client {
	if cfg == nil {
		cfg = &config.Config{}
	}
	c := &Client{
		cfg:      cfg,
		logger:   logger,
		fetcher:  fetcher,
		blobs:    blobs,
		liveConn: conn,
	}
	c.limiter = newLimiter(cfg.API, logger)
	return c
}

func newLimiter(api config.APIConfig, logger *zap.Logger) *concurrency.Limiter {
	var breaker *concurrency.CircuitBreaker
	if api.FailureThreshold > 0 {
		breaker = concurrency.NewCircuitBreaker(concurrency.CircuitBreakerConfig{
			FailureThreshold: api.FailureThreshold,
			ResetTimeout:     api.ResetTimeout,
			Logger:           logger,
		})
	}
	return concurrency.NewLimiter(concurrency.LimiterConfig{
		MaxConcurrent: api.MaxConcurrent,
		Breaker:       breaker,
		IsFailure:     isBackendFailure,
	})
}

// isBackendFailure counts transport errors and 5xx responses against the
// breaker. A 404 says nothing about the collaborator's health.
func isBackendFailure(err error) bool {
	var coded *lberrors.Error
	if !errors.As(err, &coded) {
		return !errors.Is(err, context.Canceled)
	}
	if !lberrors.IsFetchFailure(coded) {
		return false
	}
	return coded.Status == 0 || coded.Status >= 500
}

// SetLogger sets a custom zap logger for the client
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Connect establishes the live channel. With no NATS URL configured and no
// injected connection the client stays fetch-only and Connect returns nil.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel.Load() != nil {
		return nil
	}

	conn := c.liveConn
	if conn == nil {
		if c.cfg.NATS.URL == "" {
			c.logger.Info("No NATS URL configured, live updates disabled")
			return nil
		}

		natsCfg := nats.DefaultConnectionConfig(c.cfg.NATS.URL)
		if c.cfg.NATS.Name != "" {
			natsCfg.Name = c.cfg.NATS.Name + "-" + natsCfg.Name
		}
		natsCfg.MaxReconnects = c.cfg.NATS.MaxReconnects
		if c.cfg.NATS.ReconnectWait > 0 {
			natsCfg.ReconnectWait = c.cfg.NATS.ReconnectWait
		}
		if c.cfg.NATS.Timeout > 0 {
			natsCfg.Timeout = c.cfg.NATS.Timeout
		}
		natsCfg.Token = c.cfg.NATS.Token
		natsCfg.Username = c.cfg.NATS.Username
		natsCfg.Password = c.cfg.NATS.Password
		natsCfg.Logger = c.logger
		natsCfg.OnDisconnect = c.connectionLost
		natsCfg.OnReconnect = func() {
			c.logger.Info("Live connection restored, updates resume with the next push")
		}

		nc, err := nats.Connect(ctx, natsCfg)
		if err != nil {
			return lberrors.NewChannelError("failed to connect to NATS", err)
		}
		c.conn = nc
		conn = livechannel.WrapConn(nc)
	}

	publisher, err := livechannel.NewPublisher(conn, livechannel.PublisherConfig{
		Prefix:           c.cfg.NATS.SubjectPrefix,
		Blobs:            c.blobs,
		OffloadThreshold: c.cfg.Blob.OffloadThreshold,
		Logger:           c.logger,
	})
	if err != nil {
		c.closeConn()
		return fmt.Errorf("failed to initialize publisher: %w", err)
	}
	c.publisher = publisher

	c.channel.Store(livechannel.NewNATS(conn, livechannel.NATSConfig{
		Prefix: c.cfg.NATS.SubjectPrefix,
		Blobs:  c.blobs,
		Logger: c.logger,
	}))
	return nil
}

// connectionLost fans a NATS disconnect out to every live subscription.
func (c *Client) connectionLost(err error) {
	if err == nil {
		err = natsclient.ErrDisconnected
	}
	if ch := c.channel.Load(); ch != nil {
		ch.ConnectionLost(err)
	}
}

// Channel returns the live channel, or a disabled channel before Connect.
func (c *Client) Channel() livechannel.Channel {
	if ch := c.channel.Load(); ch != nil {
		return ch
	}
	return livechannel.Noop()
}

// Fetcher returns the dataset fetcher, or nil when no API is configured.
func (c *Client) Fetcher() dataset.Fetcher {
	return c.fetcher
}

// Fetch reads one dataset through the shared limiter.
func (c *Client) Fetch(ctx context.Context, docID, datasetID string) (*dataset.Dataset, error) {
	if c.fetcher == nil {
		return nil, fmt.Errorf("no API configured: set api.base_url")
	}
	var ds *dataset.Dataset
	err := c.limiter.Do(ctx, func(ctx context.Context) error {
		var err error
		ds, err = c.fetcher.Fetch(ctx, docID, datasetID)
		return err
	})
	return ds, err
}

// OpenDocument mounts source as a live view. docID is the document that
// "current" placeholders read from; empty falls back to view.doc_id.
func (c *Client) OpenDocument(ctx context.Context, source []byte, docID string) (*document.View, error) {
	if c.fetcher == nil {
		return nil, fmt.Errorf("no API configured: set api.base_url")
	}
	if docID == "" {
		docID = c.cfg.View.DocID
	}
	return document.Open(ctx, source, document.Options{
		CurrentDocID: docID,
		Fetcher:      c.fetcher,
		Channel:      c.Channel(),
		Limiter:      c.limiter,
		Coordinator: coordinator.Options{
			BarrierDebounce:    c.cfg.View.BarrierDebounce,
			ConnectionDebounce: c.cfg.View.ConnectionDebounce,
			RevealTimeout:      c.cfg.View.RevealTimeout,
		},
		Logger: c.logger,
	})
}

// Publish pushes a dataset update to every view subscribed to it and returns
// the update version.
func (c *Client) Publish(ctx context.Context, docID, datasetID string, ds *dataset.Dataset) (string, error) {
	c.mu.Lock()
	publisher := c.publisher
	c.mu.Unlock()
	if publisher == nil {
		return "", ErrNotConnected
	}
	return publisher.Publish(ctx, docID, datasetID, ds)
}

// Close drains the NATS connection. Views opened from the client should be
// closed first.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.channel.Store(nil)
	c.publisher = nil
	return c.closeConn()
}

func (c *Client) closeConn() error {
	if c.conn == nil {
		return nil
	}
	err := nats.Close(c.conn)
	c.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// IsConnected reports whether the live channel is up. An injected connection
// counts as connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nats.IsConnected(c.conn)
	}
	return c.channel.Load() != nil
}

// Connection returns the underlying NATS connection, nil when not dialed.
func (c *Client) Connection() *natsclient.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Stats returns connection and fetch statistics.
func (c *Client) Stats() ConnectionStats {
	stats := ConnectionStats{
		Fetches:      c.limiter.Stats(),
		BreakerState: c.limiter.BreakerState().String(),
	}
	if ch := c.channel.Load(); ch != nil {
		stats.Subscriptions = ch.Active()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		s := c.conn.Stats()
		stats.InMsgs = s.InMsgs
		stats.OutMsgs = s.OutMsgs
		stats.InBytes = s.InBytes
		stats.OutBytes = s.OutBytes
		stats.Reconnects = s.Reconnects
	}
	return stats
}

// ConnectionStats holds connection statistics for monitoring and debugging.
type ConnectionStats struct {
	InMsgs     uint64 // Number of messages received
	OutMsgs    uint64 // Number of messages sent
	InBytes    uint64 // Number of bytes received
	OutBytes   uint64 // Number of bytes sent
	Reconnects uint64 // Number of reconnections performed

	Subscriptions int
	Fetches       concurrency.Stats
	BreakerState  string
}

// Ping flushes the NATS connection to verify the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	conn := c.Connection()
	if conn == nil {
		return ErrNotConnected
	}

	timeout := c.cfg.NATS.Timeout
	if timeout <= 0 {
		timeout = nats.DefaultConnectionConfig("").Timeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := nats.WaitForConnection(waitCtx, conn, 50*time.Millisecond); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	resultCh := make(chan error, 1)
	go func() {
		resultCh <- conn.FlushTimeout(timeout)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ping cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		return nil
	}
}
