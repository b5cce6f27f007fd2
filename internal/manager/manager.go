package manager

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"tunnelgate/internal/agent"
	"tunnelgate/internal/client"
	"tunnelgate/internal/metrics"
)

// Sentinel errors (spec.md §7's taxonomy).
var (
	// ErrInvalidID is returned when a caller-requested identifier fails
	// validation.
	ErrInvalidID = errors.New("manager: invalid client identifier")
	// ErrAtCapacity is returned when the manager is already at its
	// configured MaxClients ceiling.
	ErrAtCapacity = errors.New("manager: at client capacity")
	// ErrNotFound is returned by RemoveClient for an unknown id.
	ErrNotFound = errors.New("manager: no such client")
)

var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{3,62}$`)

const randomIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Options configures a Manager.
type Options struct {
	// MaxClients caps simultaneous live clients; 0 means unbounded.
	MaxClients int
	// Domain is the base hostname a client's subdomain is built from for
	// the tunnel-creation response's url field (spec.md §6).
	Domain string
	// Secure selects "https" over "http" in that url.
	Secure bool
	// Agent is the template Options each new client's TunnelAgent is
	// constructed with (spec.md §3's TunnelAgent attributes).
	Agent agent.Options
	// Metrics, if non-nil, receives per-request outcome counters from
	// every client created by this manager.
	Metrics *metrics.Metrics
}

// NewClientResult is the tuple new_client returns (spec.md §6).
type NewClientResult struct {
	ID           string
	Port         int
	MaxConnCount int
	URL          string
}

// Stats is the process-wide registry snapshot (spec.md §4.3 stats(),
// extended per SPEC_FULL.md §4.3).
type Stats struct {
	ClientCount           int
	TotalSocketsConnected int
}

// Manager is the ClientManager described in spec.md §4.3: a process-wide
// registry mapping client identifier to Client.
type Manager struct {
	opt Options
	log zerolog.Logger

	mu      sync.Mutex
	clients map[string]*client.Client
}

// New constructs an empty Manager.
func New(opt Options, log zerolog.Logger) *Manager {
	return &Manager{
		opt:     opt,
		log:     log.With().Str("component", "manager").Logger(),
		clients: make(map[string]*client.Client),
	}
}

// NewClient implements new_client (spec.md §4.3): validates or generates
// an identifier, starts a TunnelAgent listening, registers the Client, and
// returns the creation tuple.
func (m *Manager) NewClient(requestedID string) (NewClientResult, error) {
	id, err := m.reserveIdentifier(requestedID)
	if err != nil {
		return NewClientResult{}, err
	}

	a := agent.New(id, m.opt.Agent, m.log, m.onAgentEvent)
	port, _, err := a.Listen()
	if err != nil {
		return NewClientResult{}, fmt.Errorf("manager: listen for client %s: %w", id, err)
	}

	c := client.New(id, a, m.log, m.opt.Metrics)

	m.mu.Lock()
	m.clients[id] = c
	m.mu.Unlock()

	m.refreshGauges()

	m.log.Info().Str("client_id", id).Int("port", port).Msg("client registered")

	return NewClientResult{
		ID:           id,
		Port:         port,
		MaxConnCount: a.MaxSockets(),
		URL:          m.buildURL(id),
	}, nil
}

// reserveIdentifier validates a caller-requested id or allocates a random
// one, retrying on collision, per spec.md §4.3's identifier rules. It also
// enforces the MaxClients cap before an agent is ever started.
func (m *Manager) reserveIdentifier(requestedID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opt.MaxClients > 0 && len(m.clients) >= m.opt.MaxClients {
		return "", ErrAtCapacity
	}

	if requestedID != "" {
		if !identifierPattern.MatchString(requestedID) {
			return "", ErrInvalidID
		}
		if _, live := m.clients[requestedID]; !live {
			return requestedID, nil
		}
		// Already live: fall through and allocate a random identifier
		// instead, per spec.md §4.3's collision rule.
	}

	for {
		id, err := randomIdentifier()
		if err != nil {
			return "", err
		}
		if _, live := m.clients[id]; !live {
			return id, nil
		}
	}
}

func randomIdentifier() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(3))
	if err != nil {
		return "", fmt.Errorf("manager: generating identifier length: %w", err)
	}
	length := int(n.Int64()) + 4 // 4, 5, or 6 characters

	buf := make([]byte, length)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(randomIDAlphabet))))
		if err != nil {
			return "", fmt.Errorf("manager: generating identifier: %w", err)
		}
		buf[i] = randomIDAlphabet[idx.Int64()]
	}
	return string(buf), nil
}

func (m *Manager) buildURL(id string) string {
	scheme := "http"
	if m.opt.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s.%s", scheme, id, m.opt.Domain)
}

// GetClient implements get_client (spec.md §4.3).
func (m *Manager) GetClient(id string) (*client.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	return c, ok
}

// HasClient implements has_client (spec.md §4.3).
func (m *Manager) HasClient(id string) bool {
	_, ok := m.GetClient(id)
	return ok
}

// RemoveClient implements remove_client (spec.md §4.3): destroys the
// Client's agent and removes the mapping entry. The mapping entry is
// removed synchronously here; the agent's own End event (see
// onAgentEvent) is a no-op for an id already removed this way.
func (m *Manager) RemoveClient(id string) error {
	m.mu.Lock()
	c, ok := m.clients[id]
	if ok {
		delete(m.clients, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	c.Close()
	m.refreshGauges()
	return nil
}

// onAgentEvent is registered as every client's Agent's event callback. It
// only acts on End (spec.md §4.3's lifecycle hook: "on agent end ... the
// manager removes the mapping entry"); Online/Offline are informational
// for the registry, but still move the connected-sockets gauge.
func (m *Manager) onAgentEvent(ev agent.Event) {
	defer m.refreshGauges()

	if ev.Kind != agent.End {
		return
	}

	id := ev.Agent.ID
	m.mu.Lock()
	c, ok := m.clients[id]
	if ok && c.Agent() == ev.Agent {
		delete(m.clients, id)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		m.log.Info().Str("client_id", id).Msg("client deregistered")
	}
}

// refreshGauges recomputes the connected-sockets and active-clients
// gauges from the current registry snapshot. Called from every path that
// changes client or socket counts rather than incrementally tracked, to
// keep a single source of truth (Stats()).
func (m *Manager) refreshGauges() {
	if m.opt.Metrics == nil {
		return
	}
	stats := m.Stats()
	m.opt.Metrics.ActiveClients.Set(float64(stats.ClientCount))
	m.opt.Metrics.ConnectedSockets.Set(float64(stats.TotalSocketsConnected))
}

// Stats implements stats() (spec.md §4.3, extended per SPEC_FULL.md §4.3
// with totalSocketsConnected).
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	clients := make([]*client.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	total := 0
	for _, c := range clients {
		total += c.Agent().Stats().ConnectedSockets
	}

	return Stats{ClientCount: len(clients), TotalSocketsConnected: total}
}
