package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tunnelgate/internal/agent"
	"tunnelgate/internal/metrics"
)

// Client bridges one inbound public HTTP request or upgrade to the tunnel
// socket its Agent hands back (spec.md §4.2).
type Client struct {
	ID string

	agent   *agent.Agent
	proxy   *httputil.ReverseProxy
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	disposed bool
}

// New constructs a Client around an already-listening Agent. The Agent's
// lifecycle events are not wired here; ClientManager registers its
// disposal hook (Manager.onAgentEvent) when it constructs the Agent with
// agent.New. m may be nil, in which
// case request outcomes simply aren't recorded.
func New(id string, a *agent.Agent, log zerolog.Logger, m *metrics.Metrics) *Client {
	c := &Client{
		ID:      id,
		agent:   a,
		log:     log.With().Str("component", "client").Str("client_id", id).Logger(),
		metrics: m,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return a.CreateConnection(ctx)
		},
		// Each dial already yields a live, checked-out tunnel socket;
		// there is nothing to keep idle beyond ordinary HTTP keep-alive
		// reuse of a socket across sequential requests, which the
		// tunnel protocol (spec.md §6) explicitly permits.
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0,
	}

	c.proxy = &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			r.URL.Scheme = "http"
			r.URL.Host = "tunnel." + id
		},
		Transport:    transport,
		ErrorHandler: c.proxyError,
		ModifyResponse: func(*http.Response) error {
			if c.metrics != nil {
				c.metrics.ObserveOutcome("ok")
			}
			return nil
		},
	}

	return c
}

// Agent exposes the underlying agent.Agent, e.g. for stats reporting.
func (c *Client) Agent() *agent.Agent { return c.agent }

// ServeHTTP is the entrypoint the server glue (internal/httpserver) routes
// matching public requests into. It dispatches to handle_request or
// handle_upgrade per spec.md §4.2.
func (c *Client) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isUpgrade(r) {
		c.handleUpgrade(w, r)
		return
	}
	c.handleRequest(w, r)
}

// handleRequest implements spec.md §4.2's handle_request: it sources a
// tunnel socket from the Agent via the ReverseProxy's Transport and
// streams the response back without buffering. httputil.ReverseProxy
// already strips hop-by-hop headers and sets X-Forwarded-For per
// RFC 7230 §6.1, matching SPEC_FULL.md §4.2's domain addition without any
// custom header-surgery code.
func (c *Client) handleRequest(w http.ResponseWriter, r *http.Request) {
	c.proxy.ServeHTTP(w, r)
}

// proxyError implements the 502/503/504 mapping from SPEC_FULL.md §7: a
// tunnel-socket failure before response headers were written is the only
// case spec.md itself names (502 "client [id] failed"); the waiter-queue
// extensions get their own status codes.
func (c *Client) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	c.log.Error().Err(err).Str("path", r.URL.Path).Msg("upstream failure")

	outcome := "bad_gateway"
	status := http.StatusBadGateway
	msg := fmt.Sprintf("client %s failed", c.ID)

	switch {
	case errors.Is(err, agent.ErrQueueTimeout):
		outcome, status = "queue_timeout", http.StatusGatewayTimeout
		msg = fmt.Sprintf("client %s timed out waiting for a tunnel socket", c.ID)
	case errors.Is(err, agent.ErrTooManyWaiters):
		outcome, status = "too_many_waiters", http.StatusServiceUnavailable
		msg = fmt.Sprintf("client %s has too many pending requests", c.ID)
	}

	if c.metrics != nil {
		c.metrics.ObserveOutcome(outcome)
	}
	http.Error(w, msg, status)
}

// Close destroys the underlying agent, which in turn drains any waiters
// and fires the End lifecycle event that triggers manager de-registration.
func (c *Client) Close() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()
	c.agent.Destroy()
}

func (c *Client) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func isUpgrade(r *http.Request) bool {
	return httpHeaderContainsToken(r.Header.Values("Connection"), "upgrade") && r.Header.Get("Upgrade") != ""
}
