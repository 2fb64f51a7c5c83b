package livechannel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	lberrors "github.com/wehubfusion/livebind/pkg/errors"
	"github.com/wehubfusion/livebind/pkg/storage"
	"go.uber.org/zap"
)

// Conn is the subset of a NATS connection the channel depends on, so tests can
// run without a server.
type Conn interface {
	Subscribe(subject string, handler nats.MsgHandler) (Subscription, error)
	Publish(subject string, data []byte) error
}

// Subscription is an active NATS subscription.
type Subscription interface {
	Unsubscribe() error
}

// WrapConn adapts a *nats.Conn to Conn.
func WrapConn(nc *nats.Conn) Conn {
	return &natsConnAdapter{nc: nc}
}

type natsConnAdapter struct {
	nc *nats.Conn
}

func (a *natsConnAdapter) Subscribe(subject string, handler nats.MsgHandler) (Subscription, error) {
	return a.nc.Subscribe(subject, handler)
}

func (a *natsConnAdapter) Publish(subject string, data []byte) error {
	return a.nc.Publish(subject, data)
}

// NATSConfig configures a NATS channel.
type NATSConfig struct {
	// Prefix is the first subject token. Defaults to DefaultPrefix.
	Prefix string

	// Blobs resolves offloaded payloads. Updates with a blob reference fail
	// with CHANNEL_ERROR when it is nil.
	Blobs storage.BlobStore

	// DownloadTimeout bounds one blob download. Defaults to 30s.
	DownloadTimeout time.Duration

	Logger *zap.Logger
}

// NATSChannel delivers dataset updates published on core NATS subjects.
type NATSChannel struct {
	conn   Conn
	cfg    NATSConfig
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
}

type subscription struct {
	id        uint64
	docID     string
	datasetID string
	onData    DataFunc
	onError   ErrorFunc
	sub       Subscription
	closed    atomic.Bool
}

// NewNATS creates a channel over conn.
func NewNATS(conn Conn, cfg NATSConfig) *NATSChannel {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSChannel{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		subs:   make(map[uint64]*subscription),
	}
}

// Enabled implements Channel.
func (c *NATSChannel) Enabled() bool { return true }

// Subscribe implements Channel. Invalid ids and subscribe failures are reported
// through onError and yield a no-op unsubscribe.
func (c *NATSChannel) Subscribe(docID, datasetID string, onData DataFunc, onError ErrorFunc) func() {
	if onError == nil {
		onError = func(error) {}
	}
	subject, err := Subject(c.cfg.Prefix, docID, datasetID)
	if err != nil {
		onError(lberrors.NewChannelError("cannot subscribe to dataset updates", err))
		return func() {}
	}

	s := &subscription{docID: docID, datasetID: datasetID, onData: onData, onError: onError}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		c.deliver(s, msg.Data)
	})
	if err != nil {
		c.logger.Warn("Failed to subscribe to dataset updates",
			zap.String("subject", subject),
			zap.Error(err))
		onError(lberrors.NewChannelError("failed to subscribe to "+subject, err))
		return func() {}
	}
	s.sub = sub

	c.mu.Lock()
	c.nextID++
	s.id = c.nextID
	c.subs[s.id] = s
	c.mu.Unlock()

	c.logger.Debug("Subscribed to dataset updates", zap.String("subject", subject))

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(s, subject) })
	}
}

func (c *NATSChannel) unsubscribe(s *subscription, subject string) {
	s.closed.Store(true)
	c.mu.Lock()
	delete(c.subs, s.id)
	c.mu.Unlock()

	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		c.logger.Debug("Unsubscribe failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (c *NATSChannel) deliver(s *subscription, body []byte) {
	if s.closed.Load() {
		return
	}
	update, err := DecodeUpdate(body)
	if err != nil {
		s.onError(lberrors.NewChannelError("malformed dataset update", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DownloadTimeout)
	defer cancel()
	ds, err := update.Snapshot(ctx, s.datasetID, c.cfg.Blobs)
	if err != nil {
		s.onError(lberrors.NewChannelError("cannot materialize dataset update", err))
		return
	}

	if s.closed.Load() || s.onData == nil {
		return
	}
	s.onData(ds)
}

// ConnectionLost reports err to every active subscription. Wire it to the NATS
// disconnect handler.
func (c *NATSChannel) ConnectionLost(err error) {
	c.mu.Lock()
	active := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		active = append(active, s)
	}
	c.mu.Unlock()

	if len(active) == 0 {
		return
	}
	c.logger.Warn("Live connection lost", zap.Int("subscriptions", len(active)), zap.Error(err))
	chErr := lberrors.NewChannelError("live connection lost", err)
	for _, s := range active {
		if !s.closed.Load() {
			s.onError(chErr)
		}
	}
}

// Active returns the number of open subscriptions.
func (c *NATSChannel) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// String describes the channel for logs.
func (c *NATSChannel) String() string {
	return fmt.Sprintf("nats(%s.*.*.data)", c.cfg.Prefix)
}
