// Package client is the Go client for the ingress service. It wraps the
// HTTP surface in typed calls and drives the polling protocol, turning the
// server's batched response queue into a per-envelope callback stream with
// stop-set termination.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/dfmesh/dfm/pipeline"
	"github.com/dfmesh/dfm/response"
)

type (
	// Client talks to one ingress endpoint. Construct with New.
	Client struct {
		base     string
		http     *http.Client
		authKey  string
		pollWait time.Duration
		pollMax  int
	}

	// Option customizes a Client.
	Option func(*Client)

	// Version is the server identity reported by the version operation.
	Version struct {
		Version string `json:"version"`
		Site    string `json:"site"`
	}

	// Provider is one entry of the discovery listing.
	Provider struct {
		Name        string   `json:"name"`
		Description string   `json:"description,omitempty"`
		APIs        []string `json:"apis"`
	}

	// Error is a structured failure returned by the server.
	Error struct {
		Kind    response.ErrorKind `json:"error_kind"`
		Message string             `json:"message"`
		Status  int                `json:"-"`
	}

	responsesEnvelope struct {
		Responses []response.Response `json:"responses"`
	}

	discoverEnvelope struct {
		Providers []Provider `json:"providers"`
	}

	processEnvelope struct {
		RequestID string `json:"request_id"`
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey sends the given key on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.authKey = key }
}

// WithPollWait sets the server-side blocking window requested per poll.
// Defaults to 5 seconds.
func WithPollWait(d time.Duration) Option {
	return func(c *Client) { c.pollWait = d }
}

// WithPollBatch sets the maximum envelopes requested per poll. Defaults to
// 100.
func WithPollBatch(n int) Option {
	return func(c *Client) { c.pollMax = n }
}

// New returns a client for the ingress service at base, e.g.
// "http://localhost:8000".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:     base,
		http:     &http.Client{Timeout: 30 * time.Second},
		pollWait: 5 * time.Second,
		pollMax:  100,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Version fetches the server identity.
func (c *Client) Version(ctx context.Context) (*Version, error) {
	var v Version
	if err := c.get(ctx, "/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Discover lists the providers offered by the site and the api classes each
// implements.
func (c *Client) Discover(ctx context.Context) ([]Provider, error) {
	var env discoverEnvelope
	if err := c.get(ctx, "/discover", &env); err != nil {
		return nil, err
	}
	return env.Providers, nil
}

// Process submits a pipeline and returns the request identifier to poll
// with.
func (c *Client) Process(ctx context.Context, p *pipeline.Pipeline) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode pipeline: %w", err)
	}
	req, err := c.request(ctx, http.MethodPost, "/process", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	var env processEnvelope
	if err := c.do(req, &env); err != nil {
		return "", err
	}
	return env.RequestID, nil
}

// Cancel requests best-effort cancellation of all non-terminal nodes of the
// request.
func (c *Client) Cancel(ctx context.Context, requestID string) error {
	req, err := c.request(ctx, http.MethodPost, "/cancel/"+url.PathEscape(requestID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Poll fetches one batch of response envelopes without interpreting them.
// It returns at most max envelopes, blocking server-side up to wait when
// the queue is empty.
func (c *Client) Poll(ctx context.Context, requestID string, max int, wait time.Duration) ([]response.Response, error) {
	q := url.Values{}
	q.Set("max", strconv.Itoa(max))
	q.Set("timeout_ms", strconv.FormatInt(wait.Milliseconds(), 10))
	var env responsesEnvelope
	if err := c.get(ctx, "/responses/"+url.PathEscape(requestID)+"?"+q.Encode(), &env); err != nil {
		return nil, err
	}
	return env.Responses, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.authKey != "" {
		req.Header.Set("X-DFM-Auth", c.authKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var e Error
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
			return fmt.Errorf("call %s: status %d", req.URL.Path, resp.StatusCode)
		}
		e.Status = resp.StatusCode
		return &e
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

type (
	// StreamOptions shapes a Responses run.
	StreamOptions struct {
		// StopNodeIDs is the set of nodes whose completion ends the stream.
		// When every stop node has reached a terminal state, or any stop
		// node reports an error, Responses returns. An empty set means the
		// stream ends only when the context does.
		StopNodeIDs []string
		// Statuses forwards status envelopes to the handler. Value and
		// error envelopes are always forwarded.
		Statuses bool
		// Heartbeats forwards heartbeat envelopes to the handler.
		Heartbeats bool
	}

	// Handler receives one envelope. Returning an error stops the stream
	// and is returned from Responses.
	Handler func(response.Response) error
)

// Responses polls the request's response queue and feeds envelopes to the
// handler until the stop condition is met or the context ends. Polling is
// paced so an idle queue costs at most one request per poll window.
func (c *Client) Responses(ctx context.Context, requestID string, opts StreamOptions, h Handler) error {
	stop := make(map[string]bool, len(opts.StopNodeIDs))
	for _, id := range opts.StopNodeIDs {
		stop[id] = false
	}
	limiter := rate.NewLimiter(rate.Every(200*time.Millisecond), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		batch, err := c.Poll(ctx, requestID, c.pollMax, c.pollWait)
		if err != nil {
			return err
		}
		for _, env := range batch {
			switch env.Kind {
			case response.KindStatus:
				if _, watched := stop[env.NodeID]; watched && env.State.Terminal() {
					stop[env.NodeID] = true
				}
				if !opts.Statuses {
					continue
				}
			case response.KindHeartbeat:
				if !opts.Heartbeats {
					continue
				}
			case response.KindError:
				if _, watched := stop[env.NodeID]; watched {
					if err := h(env); err != nil {
						return err
					}
					return &Error{Kind: env.ErrorKind, Message: env.Message}
				}
			}
			if err := h(env); err != nil {
				return err
			}
		}
		if len(stop) > 0 && allDone(stop) {
			return nil
		}
	}
}

// Collect runs Responses and gathers the forwarded value envelopes per
// node. Convenience wrapper for batch-style callers.
func (c *Client) Collect(ctx context.Context, requestID string, stopNodeIDs []string) (map[string][]json.RawMessage, error) {
	out := make(map[string][]json.RawMessage)
	err := c.Responses(ctx, requestID, StreamOptions{StopNodeIDs: stopNodeIDs}, func(env response.Response) error {
		if env.Kind == response.KindValue {
			out[env.NodeID] = append(out[env.NodeID], env.Value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func allDone(stop map[string]bool) bool {
	for _, done := range stop {
		if !done {
			return false
		}
	}
	return true
}
