// Package oanda implements the broker venue for the OANDA v20 REST API.
package oanda

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	practiceAPI    = "https://api-fxpractice.oanda.com"
	practiceStream = "https://stream-fxpractice.oanda.com"
	liveAPI        = "https://api-fxtrade.oanda.com"
	liveStream     = "https://stream-fxtrade.oanda.com"
)

// errNotFound is returned for HTTP 404 responses.
var errNotFound = errors.New("oanda: not found")

// Endpoints returns the REST and streaming base URLs for PRACTICE or LIVE.
func Endpoints(env string) (api, stream string, err error) {
	switch strings.ToUpper(strings.TrimSpace(env)) {
	case "PRACTICE", "DEMO", "":
		return practiceAPI, practiceStream, nil
	case "LIVE":
		return liveAPI, liveStream, nil
	default:
		return "", "", fmt.Errorf("unknown OANDA environment %q (want PRACTICE|LIVE)", env)
	}
}

// client is a rate-limited JSON client for the v20 REST API.
type client struct {
	apiURL    string
	streamURL string
	token     string
	http      *http.Client
	stream    *http.Client
	limiter   *rate.Limiter
}

func newClient(apiURL, streamURL, token string, rps float64) *client {
	if rps <= 0 {
		rps = 50
	}
	return &client{
		apiURL:    strings.TrimRight(apiURL, "/"),
		streamURL: strings.TrimRight(streamURL, "/"),
		token:     token,
		http:      &http.Client{Timeout: 30 * time.Second},
		stream:    &http.Client{}, // streams stay open; cancellation is by context
		limiter:   rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.apiURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var apiErr errorResponse
		if json.Unmarshal(b, &apiErr) == nil && apiErr.ErrorMessage != "" {
			return fmt.Errorf("oanda http %d: %s", resp.StatusCode, apiErr.ErrorMessage)
		}
		return fmt.Errorf("oanda http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// openStream starts a chunked streaming GET and returns its body.
func (c *client) openStream(ctx context.Context, path string, query url.Values) (io.ReadCloser, error) {
	u := c.streamURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, fmt.Errorf("oanda stream http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp.Body, nil
}
