package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/time/rate"

	"github.com/ledgersync/ledgersync/internal/fault"
)

const (
	defaultTimeout = 30 * time.Second
	defaultRate    = 5
	defaultBurst   = 10
	maxErrorBody   = 4096
)

// Option configures an HTTP adapter
type Option func(*client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.http = hc }
}

// WithRateLimit limits outgoing requests to r per second with the given burst
func WithRateLimit(r float64, burst int) Option {
	return func(c *client) { c.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

type client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
}

func newClient(base string, opts []Option) *client {
	c := &client{
		base:    strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(defaultRate, defaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends one request and returns the body of a 2xx response. out, when
// set, receives the decoded JSON body.
func (c *client) do(ctx context.Context, token, method, url, contentType string, body []byte, out any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindRemote, ctx.Err(), "%s request abandoned", method)
		}
		return nil, fault.Wrap(fault.KindRateLimited, err, "%s request not admitted", method)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fault.Wrap(fault.KindRemote, err, "failed to build request")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindRemote, err, "%s request failed", method)
	}
	defer resp.Body.Close()

	metrics.GetOrCreateCounter(fmt.Sprintf(`ledgersync_remote_requests_total{status="%d"}`, resp.StatusCode)).Inc()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindRemote, err, "failed to read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, Classify(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fault.Wrap(fault.KindRemote, err, "failed to decode response")
		}
	}
	return data, nil
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// Classify maps an unsuccessful HTTP response to a fault
func Classify(status int, body []byte) error {
	var api apiError
	message := http.StatusText(status)
	reasons := ""
	if err := json.Unmarshal(body, &api); err == nil && api.Error.Message != "" {
		message = api.Error.Message
		for _, e := range api.Error.Errors {
			reasons += e.Reason + " "
		}
	} else if len(body) > 0 {
		message = strings.TrimSpace(string(body[:min(len(body), maxErrorBody)]))
	}
	reasons = strings.ToLower(reasons + api.Error.Status)

	switch {
	case status == http.StatusUnauthorized:
		return fault.New(fault.KindAuth, "%s", message)
	case status == http.StatusNotFound:
		return fault.New(fault.KindNotFound, "%s", message)
	case status == http.StatusTooManyRequests,
		status == http.StatusForbidden && strings.Contains(reasons, "ratelimit"):
		return fault.New(fault.KindRateLimited, "%s", message)
	case strings.Contains(reasons, "quota"):
		return fault.New(fault.KindQuota, "%s", message)
	case status == http.StatusForbidden:
		return fault.New(fault.KindPermission, "%s", message)
	default:
		return fault.New(fault.KindRemote, "status %d: %s", status, message)
	}
}
