// SPDX-License-Identifier: Apache-2.0

// Package upstream talks to the OpenFEC HTTP API: a thin page-fetching
// client plus a paginator that walks a collection until the cursor runs out.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	apiKeyHeader = "X-Api-Key"
	userAgent    = "fecingest/1.0"

	// snippetLimit bounds how much of an error body lands in logs and
	// run notes.
	snippetLimit = 500
)

// page is one decoded response envelope. lastIndexes keeps the raw bytes so
// the paginator can tell an absent field from an explicit null.
type page struct {
	results     []json.RawMessage
	lastIndexes json.RawMessage
	hasPageInfo bool
	pages       int
	count       int
}

// Client issues single page requests. Retries and cursor bookkeeping belong
// to the Paginator.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *throttle
	logger     *slog.Logger
}

// ClientOptions configures a Client. Zero values fall back to sane defaults;
// RequestsPerSecond of zero disables outbound pacing.
type ClientOptions struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

func NewClient(opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	var limiter *throttle
	if opts.RequestsPerSecond > 0 {
		limiter = newThrottle(opts.RequestsPerSecond)
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
	}
}

// fetchPage performs exactly one request for one page.
func (c *Client) fetchPage(ctx context.Context, endpoint string, params url.Values) (page, error) {
	if c.limiter != nil {
		if err := c.limiter.wait(ctx); err != nil {
			return page{}, err
		}
	}

	reqURL := c.baseURL + endpoint
	if encoded := params.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return page{}, fmt.Errorf("build page request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, snippetLimit))
		c.logger.Warn("upstream request failed",
			"endpoint", endpoint,
			"status", resp.StatusCode,
			"duration_ms", time.Since(started).Milliseconds(),
		)
		return page{}, &StatusError{
			StatusCode: resp.StatusCode,
			Snippet:    strings.TrimSpace(strings.ToValidUTF8(string(body), "")),
		}
	}

	var envelope struct {
		Pagination *struct {
			Count       int             `json:"count"`
			Pages       int             `json:"pages"`
			LastIndexes json.RawMessage `json:"last_indexes"`
		} `json:"pagination"`
		Results []json.RawMessage `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return page{}, &ProtocolError{Reason: fmt.Sprintf("malformed response envelope: %v", err)}
	}

	p := page{results: envelope.Results}
	if envelope.Pagination != nil {
		p.hasPageInfo = true
		p.pages = envelope.Pagination.Pages
		p.count = envelope.Pagination.Count
		p.lastIndexes = envelope.Pagination.LastIndexes
	}

	c.logger.Debug("page fetched",
		"endpoint", endpoint,
		"records", len(p.results),
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return p, nil
}
