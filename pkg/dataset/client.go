package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/wehubfusion/livebind/pkg/auth"
	lberrors "github.com/wehubfusion/livebind/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ClientConfig holds configuration for the REST dataset client
type ClientConfig struct {
	// BaseURL is the collaborator API root (e.g., "https://api.example.com/v1")
	BaseURL string

	// Tokens supplies the bearer token for every request
	Tokens auth.TokenSource

	// RetryMax is the number of retries on connection errors and 5xx responses.
	// Zero disables retries.
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the backoff between retries
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// Timeout bounds a single request. Zero means no timeout.
	Timeout time.Duration

	// Logger is used for request logging; defaults to a no-op logger
	Logger *zap.Logger
}

// Client fetches datasets from the collaborator API.
type Client struct {
	baseURL string
	tokens  auth.TokenSource
	http    *retryablehttp.Client
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates a dataset client. BaseURL and Tokens are required.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	rc.Logger = leveledLogger{logger.Sugar()}
	// Hand the last response back so its status becomes the fetch failure.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.HTTPClient.Transport = otelhttp.NewTransport(rc.HTTPClient.Transport)

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		tokens:  cfg.Tokens,
		http:    rc,
		logger:  logger,
		tracer:  otel.Tracer("livebind/dataset"),
	}, nil
}

// Fetch implements Fetcher. Every failure is a FETCH_FAILURE error.
func (c *Client) Fetch(ctx context.Context, docID, datasetID string) (*Dataset, error) {
	ctx, span := c.tracer.Start(ctx, "dataset.fetch", trace.WithAttributes(
		attribute.String("livebind.doc_id", docID),
		attribute.String("livebind.dataset_id", datasetID),
	))
	defer span.End()

	ds, err := c.fetch(ctx, docID, datasetID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("Dataset fetch failed",
			zap.String("doc_id", docID),
			zap.String("dataset_id", datasetID),
			zap.Error(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("livebind.dataset_type", string(ds.Type)))
	return ds, nil
}

func (c *Client) fetch(ctx context.Context, docID, datasetID string) (*Dataset, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, lberrors.NewFetchError(0, fmt.Errorf("failed to obtain bearer token: %w", err))
	}

	endpoint := fmt.Sprintf("%s/documents/%s/datasets/%s", c.baseURL, url.PathEscape(docID), url.PathEscape(datasetID))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, lberrors.NewFetchError(0, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, lberrors.NewFetchError(0, err)
	}
	defer resp.Body.Close()

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, lberrors.NewFetchError(resp.StatusCode, nil)
	}

	var body envelope
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, lberrors.NewFetchError(0, fmt.Errorf("failed to decode dataset response: %w", err))
	}

	rec := body.Data.Dataset
	return New(datasetID, ParseType(rec.Metadata.Type), rec.Data), nil
}

// leveledLogger routes retryablehttp logging into zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
