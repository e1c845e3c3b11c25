// File: internal/history/client.go
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"candleboard/internal/candle"
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=history_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the market-data service's request/response side: bar
// fetches, backfill sync requests, and the settings call that keeps a
// symbol on the feed-side watch list.
type Client struct {
	baseURL    string
	httpClient HTTPClient
	header     http.Header
	limiter    *rate.Limiter
}

// Option is a configuration option for the history client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(httpClient HTTPClient) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeader adds headers to every request (auth tokens and the like).
func WithHeader(header http.Header) Option {
	return func(c *Client) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

// WithRateLimit caps outbound requests per second. rps <= 0 removes the
// limiter entirely.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient builds a client for the service rooted at baseURL.
func NewClient(baseURL string, options ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("history: base URL is required")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
		header:     http.Header{},
		limiter:    rate.NewLimiter(rate.Limit(10), 5),
	}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

// epochSeconds tolerates the upstream emitting bucket times as either a
// JSON number or a string.
type epochSeconds int64

func (e *epochSeconds) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*e = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		n = int64(f)
	}
	*e = epochSeconds(n)
	return nil
}

type wireBar struct {
	Ts     epochSeconds `json:"ts"`
	Open   float64      `json:"open"`
	High   float64      `json:"high"`
	Low    float64      `json:"low"`
	Close  float64      `json:"close"`
	Volume float64      `json:"volume"` // may arrive non-integer
}

// Bars fetches up to limit bars for one symbol under period and adjust.
// The result is returned in source order; callers own sorting.
func (c *Client) Bars(ctx context.Context, symbol string, period candle.Period, adjust candle.Adjust, limit int) ([]candle.Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("period", string(period))
	q.Set("adjust_type", string(adjust))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var payload struct {
		Bars []wireBar `json:"bars"`
	}
	if err := c.getJSON(ctx, "/history", q, &payload); err != nil {
		return nil, err
	}
	out := make([]candle.Bar, 0, len(payload.Bars))
	for _, wb := range payload.Bars {
		out = append(out, candle.Bar{
			Ts:     int64(wb.Ts),
			Open:   wb.Open,
			High:   wb.High,
			Low:    wb.Low,
			Close:  wb.Close,
			Volume: int64(math.Round(wb.Volume)),
		})
	}
	return out, nil
}

type syncRequest struct {
	Symbols    []string      `json:"symbols"`
	Period     candle.Period `json:"period"`
	AdjustType candle.Adjust `json:"adjust_type"`
	Count      int           `json:"count"`
}

// Sync asks the service to backfill count bars per symbol and reports how
// many bars each symbol received.
func (c *Client) Sync(ctx context.Context, symbols []string, period candle.Period, adjust candle.Adjust, count int) (map[string]int, error) {
	var payload struct {
		Processed map[string]int `json:"processed"`
	}
	req := syncRequest{Symbols: symbols, Period: period, AdjustType: adjust, Count: count}
	if err := c.postJSON(ctx, "/history/sync", req, &payload); err != nil {
		return nil, err
	}
	return payload.Processed, nil
}

type watchRequest struct {
	Symbols []string `json:"symbols"`
}

// Watch ensures the symbols are present in the feed-side watch list so the
// stream carries their quotes. Subscription state itself lives server side.
func (c *Client) Watch(ctx context.Context, symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	return c.postJSON(ctx, "/settings/watchlist", watchRequest{Symbols: symbols}, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	for key, values := range c.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return err
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("history: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("history: %s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("history: decode %s: %w", req.URL.Path, err)
	}
	return nil
}
