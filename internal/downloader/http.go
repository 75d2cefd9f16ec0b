// Package downloader implements per-entity-type fetch strategies against
// external metadata providers. Providers are slow, unreliable and
// rate-limited, so every client carries its own limiter and timeout and
// translates every fault into a structured download failure before it crosses
// back into the pipeline.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/unionidx/unionidx/errs"
	"github.com/unionidx/unionidx/internal/meta"
	"github.com/unionidx/unionidx/internal/schema"
)

const maxBodyBytes = 4 << 20

// ClientConfig configures one provider-backed downloader.
type ClientConfig struct {
	// Provider tags errors and metrics (e.g. "opensea", "ipfs-gateway").
	Provider string
	// BaseURL is the provider API root.
	BaseURL string
	// PathTemplate builds the request path from the key, e.g.
	// "/v0.1/items/%s/meta".
	PathTemplate string
	// Timeout bounds one request end to end.
	Timeout time.Duration
	// RequestsPerSecond throttles calls to the provider; zero disables the
	// limiter.
	RequestsPerSecond float64
	// Burst is the limiter burst size.
	Burst int
}

func (c ClientConfig) normalize() ClientConfig {
	c.Provider = strings.TrimSpace(c.Provider)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Client fetches one entity type's payload over HTTP.
type Client[T any] struct {
	cfg      ClientConfig
	typeName string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient constructs a downloader for the given entity type name.
func NewClient[T any](typeName string, cfg ClientConfig) (*Client[T], error) {
	cfg = cfg.normalize()
	if cfg.Provider == "" {
		return nil, fmt.Errorf("downloader: provider required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("downloader: base url required")
	}
	if !strings.Contains(cfg.PathTemplate, "%s") {
		return nil, fmt.Errorf("downloader: path template must reference the key")
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return &Client[T]{
		cfg:      cfg,
		typeName: strings.TrimSpace(typeName),
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  limiter,
	}, nil
}

// Type implements meta.Downloader.
func (c *Client[T]) Type() string { return c.typeName }

// Download fetches and decodes the payload for id. Every failure surfaces as
// an *errs.E; the client never retries — retry policy belongs to the
// executor.
func (c *Client[T]) Download(ctx context.Context, id string) (T, error) {
	var zero T
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, errs.New(c.cfg.Provider, errs.CodeTimeout,
				errs.WithMessage("rate limiter wait aborted"),
				errs.WithCause(err))
		}
	}

	endpoint := c.cfg.BaseURL + fmt.Sprintf(c.cfg.PathTemplate, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return zero, errs.New(c.cfg.Provider, errs.CodeInvalid,
			errs.WithMessage("build request"),
			errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return zero, errs.New(c.cfg.Provider, errs.CodeTimeout,
				errs.WithMessage("request aborted"),
				errs.WithCause(ctx.Err()))
		}
		return zero, errs.New(c.cfg.Provider, errs.CodeNetwork,
			errs.WithMessage("request failed"),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return zero, errs.New(c.cfg.Provider, errs.CodeNetwork,
			errs.WithMessage("read response"),
			errs.WithCause(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return zero, c.statusError(resp.StatusCode, body)
	}

	var payload T
	if err := json.Unmarshal(body, &payload); err != nil {
		return zero, errs.New(c.cfg.Provider, errs.CodeProvider,
			errs.WithMessage("decode payload"),
			errs.WithCanonicalCode(errs.CanonicalMetaUnparseable),
			errs.WithCause(err))
	}
	return payload, nil
}

func (c *Client[T]) statusError(status int, body []byte) *errs.E {
	raw := strings.TrimSpace(string(body))
	if len(raw) > 256 {
		raw = raw[:256]
	}
	switch {
	case status == http.StatusNotFound:
		return errs.New(c.cfg.Provider, errs.CodeNotFound,
			errs.WithMessage("metadata not found"),
			errs.WithCanonicalCode(errs.CanonicalMetaNotFound),
			errs.WithHTTP(status),
			errs.WithRawMessage(raw))
	case status == http.StatusTooManyRequests:
		return errs.New(c.cfg.Provider, errs.CodeRateLimited,
			errs.WithMessage("provider rate limited"),
			errs.WithCanonicalCode(errs.CanonicalRateLimited),
			errs.WithHTTP(status),
			errs.WithRawMessage(raw))
	case status >= 500:
		return errs.New(c.cfg.Provider, errs.CodeProvider,
			errs.WithMessage("provider error"),
			errs.WithHTTP(status),
			errs.WithRawMessage(raw))
	default:
		return errs.New(c.cfg.Provider, errs.CodeInvalid,
			errs.WithMessage("unexpected provider response"),
			errs.WithHTTP(status),
			errs.WithRawMessage(raw))
	}
}

// NewItemMeta constructs the item metadata downloader.
func NewItemMeta(cfg ClientConfig) (*Client[schema.ItemMeta], error) {
	return NewClient[schema.ItemMeta]("item-meta", cfg)
}

// NewCollectionMeta constructs the collection metadata downloader.
func NewCollectionMeta(cfg ClientConfig) (*Client[schema.CollectionMeta], error) {
	return NewClient[schema.CollectionMeta]("collection-meta", cfg)
}

// NewOwnership constructs the ownership snapshot downloader.
func NewOwnership(cfg ClientConfig) (*Client[schema.OwnershipSnapshot], error) {
	return NewClient[schema.OwnershipSnapshot]("ownership", cfg)
}

// NewOrder constructs the best-order snapshot downloader.
func NewOrder(cfg ClientConfig) (*Client[schema.OrderSnapshot], error) {
	return NewClient[schema.OrderSnapshot]("order", cfg)
}

var _ meta.Downloader[schema.ItemMeta] = (*Client[schema.ItemMeta])(nil)
