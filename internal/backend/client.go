// Package backend provides the HTTP client for a logical backend service.
// A Client's Fetch method is the operation the breaker executor wraps: it
// takes its deadline from the caller's context and never retries.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/fusegate/fusegate/internal/config"
)

// maxResponseBytes bounds upstream response bodies so a misbehaving
// backend cannot exhaust gateway memory.
const maxResponseBytes = 4 << 20 // 4 MB

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Backend string
	Code    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %q returned status %d", e.Backend, e.Code)
}

// Client fetches JSON documents from one logical backend.
type Client struct {
	name         string
	base         *url.URL
	pathTemplate string
	http         *http.Client
	logger       *slog.Logger
}

// NewClient builds a Client from a backend configuration. The underlying
// transport applies the backend's connection pool settings when present.
// The http.Client carries no timeout of its own: the guarded call's
// context is the only deadline.
func NewClient(cfg config.BackendConfig, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", cfg.URL, err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cp := cfg.ConnectionPool; cp != nil {
		if cp.MaxIdleConns > 0 {
			transport.MaxIdleConns = cp.MaxIdleConns
		}
		if cp.MaxIdlePerHost > 0 {
			transport.MaxIdleConnsPerHost = cp.MaxIdlePerHost
		}
		if cp.IdleTimeout > 0 {
			transport.IdleConnTimeout = cp.IdleTimeout
		}
	}

	return &Client{
		name:         cfg.Name,
		base:         base,
		pathTemplate: cfg.PathTemplate,
		http:         &http.Client{Transport: transport},
		logger:       logger,
	}, nil
}

// Name returns the backend's logical name.
func (c *Client) Name() string { return c.name }

// Fetch retrieves the JSON document for id. Non-2xx responses become a
// *StatusError; non-JSON bodies are rejected so a broken upstream cannot
// smuggle garbage into an aggregate payload.
func (c *Client) Fetch(ctx context.Context, id string) (json.RawMessage, error) {
	// The id is escaped into the template before parsing, so slashes in
	// ids stay a single path segment.
	rel := fmt.Sprintf(c.pathTemplate, url.PathEscape(id))
	target := strings.TrimRight(c.base.String(), "/") + rel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for backend %q: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling backend %q: %w", c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading backend %q response: %w", c.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("backend error response",
			"backend", c.name,
			"status", resp.StatusCode,
			"path", rel,
		)
		return nil, &StatusError{Backend: c.name, Code: resp.StatusCode}
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("backend %q returned invalid JSON", c.name)
	}

	return json.RawMessage(body), nil
}
