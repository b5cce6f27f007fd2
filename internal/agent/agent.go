package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tunnelgate/internal/publicip"
)

// Sentinel errors returned by CreateConnection and Listen (spec.md §7's
// taxonomy).
var (
	// ErrClosed is returned once the agent has been destroyed.
	ErrClosed = errors.New("agent: closed")
	// ErrQueueTimeout is returned when a waiter is abandoned because no
	// socket arrived within the configured queue timeout.
	ErrQueueTimeout = errors.New("agent: queue timeout waiting for tunnel socket")
	// ErrTooManyWaiters is returned immediately when the waiters queue is
	// already at its configured cap.
	ErrTooManyWaiters = errors.New("agent: too many waiting requests")
	// ErrAlreadyStarted is returned by Listen if called twice.
	ErrAlreadyStarted = errors.New("agent: already started")
)

// Options configures an Agent's limits; zero values fall back to spec.md
// §3's defaults.
type Options struct {
	MaxSockets         int
	IdleTimeout        time.Duration
	QueueTimeout       time.Duration // 0 = wait indefinitely
	MaxWaitingRequests int           // 0 = unbounded
	PortRangeMin       int           // 0 = OS-chosen ephemeral port
	PortRangeMax       int
	// DiscoverPublicIP opts into the best-effort external IP-echo lookup
	// populating listen()'s publicIp return (spec.md §4.1, §9). Off by
	// default so agents constructed in tests never make network calls.
	DiscoverPublicIP bool
}

func (o Options) withDefaults() Options {
	if o.MaxSockets <= 0 {
		o.MaxSockets = 10
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	return o
}

// waiter is a parked CreateConnection call.
type waiter struct {
	result chan waitResult
}

type waitResult struct {
	conn net.Conn
	err  error
}

// Agent is the per-client TunnelAgent described in spec.md §3-§5.
type Agent struct {
	ID  string
	opt Options
	log zerolog.Logger

	onEvent func(Event)

	mu          sync.Mutex
	listener    net.Listener
	started     bool
	closed      bool
	available   []*Socket
	waiters     []*waiter
	connected   int
	ipCounts    map[string]int
	hadOnline   bool
	listenerErr error
}

// New constructs an Agent. onEvent, if non-nil, is invoked for every
// lifecycle event (spec.md §9's event-emitter replacement); it must not
// block.
func New(id string, opt Options, log zerolog.Logger, onEvent func(Event)) *Agent {
	return &Agent{
		ID:       id,
		opt:      opt.withDefaults(),
		log:      log.With().Str("component", "agent").Str("client_id", id).Logger(),
		onEvent:  onEvent,
		ipCounts: make(map[string]int),
	}
}

// Listen binds a TCP listener (spec.md §4.1). Calling it twice fails with
// ErrAlreadyStarted. It returns once the port is known; the accept loop
// runs in a background goroutine. publicIP is populated opportunistically
// (spec.md §4.1's "listen() -> { port, publicIp? }"); a failed or disabled
// lookup simply leaves it empty, which is non-fatal.
func (a *Agent) Listen() (port int, publicIP string, err error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return 0, "", ErrAlreadyStarted
	}

	var ln net.Listener
	if a.opt.PortRangeMin > 0 && a.opt.PortRangeMax > 0 {
		var lerr error
		ln, port, lerr = listenInRange(a.opt.PortRangeMin, a.opt.PortRangeMax)
		if lerr != nil {
			a.mu.Unlock()
			return 0, "", lerr
		}
	} else {
		var lerr error
		ln, lerr = net.Listen("tcp", ":0")
		if lerr != nil {
			a.mu.Unlock()
			return 0, "", fmt.Errorf("agent %s: listen: %w", a.ID, lerr)
		}
		port = ln.Addr().(*net.TCPAddr).Port
	}

	a.listener = ln
	a.started = true
	a.mu.Unlock()

	go a.acceptLoop()

	if a.opt.DiscoverPublicIP {
		publicIP = publicip.Lookup(context.Background())
	}
	return port, publicIP, nil
}

func listenInRange(min, max int) (net.Listener, int, error) {
	for p := min; p <= max; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err == nil {
			return ln, p, nil
		}
	}
	return nil, 0, fmt.Errorf("no available port in range %d-%d", min, max)
}

func (a *Agent) acceptLoop() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			a.closeCascade(err)
			return
		}
		a.admit(conn)
	}
}

// admit runs the admission algorithm for a newly accepted socket
// (spec.md §4.1 "Admission of a new tunnel socket").
func (a *Agent) admit(conn net.Conn) {
	s := newSocket(a, conn)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return
	}
	if a.connected >= a.opt.MaxSockets {
		a.mu.Unlock()
		a.log.Debug().Str("remote", s.RemoteAddr.String()).Msg("over budget, destroying inbound socket")
		_ = conn.Close()
		return
	}

	a.connected++
	if s.RemoteIP != "" {
		a.ipCounts[s.RemoteIP]++
	}
	transitionedOnline := a.connected == 1
	if transitionedOnline {
		a.hadOnline = true
	}

	var w *waiter
	if len(a.waiters) > 0 {
		w = a.waiters[0]
		a.waiters = a.waiters[1:]
	} else {
		a.available = append(a.available, s)
		s.startIdleWatch()
	}
	a.mu.Unlock()

	if transitionedOnline {
		a.emit(Online)
	}

	if w != nil {
		// Yield once before delivering, per spec.md §4.1 step 6, so
		// admission itself has already returned before the waiter's
		// callback runs (avoids re-entrant mutation of agent state).
		go func() {
			w.result <- waitResult{conn: s.claim()}
		}()
	}
}

// CreateConnection produces one tunnel socket (spec.md §4.1
// create_connection), modeled as a blocking call rather than a callback:
// it returns immediately with an available socket or a closed error, or
// blocks until one of those becomes true, the context is canceled, or the
// queue timeout elapses.
func (a *Agent) CreateConnection(ctx context.Context) (net.Conn, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if len(a.available) > 0 {
		s := a.available[0]
		a.available = a.available[1:]
		a.mu.Unlock()
		return s.claim(), nil
	}
	if a.opt.MaxWaitingRequests > 0 && len(a.waiters) >= a.opt.MaxWaitingRequests {
		a.mu.Unlock()
		return nil, ErrTooManyWaiters
	}

	w := &waiter{result: make(chan waitResult, 1)}
	a.waiters = append(a.waiters, w)
	a.mu.Unlock()

	var timeoutCh <-chan time.Time
	if a.opt.QueueTimeout > 0 {
		t := time.NewTimer(a.opt.QueueTimeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case res := <-w.result:
		return res.conn, res.err
	case <-timeoutCh:
		a.abandonWaiter(w)
		return nil, ErrQueueTimeout
	case <-ctx.Done():
		a.abandonWaiter(w)
		return nil, ctx.Err()
	}
}

// abandonWaiter gives up on a waiter whose CreateConnection caller has
// already returned (queue timeout or context cancellation). If admit()
// hasn't reached this waiter yet, removeWaiter simply drops it from the
// queue. If admit() already popped it and is concurrently handing off a
// claimed socket (agent.go's admit, the `w.result <- waitResult{...}`
// goroutine), removeWaiter finds nothing to remove — but that socket is
// still in flight on w.result's buffered channel with no one left to
// receive it. Left alone it would never be closed and connectedSockets
// would never decrement for it, permanently shrinking the agent's
// effective capacity. So when removal misses, drain the channel (the
// send is non-blocking into a buffer of 1, so it has either already
// happened or is about to) and close whatever socket arrives.
func (a *Agent) abandonWaiter(target *waiter) {
	if a.removeWaiter(target) {
		return
	}
	go func() {
		res := <-target.result
		if res.conn != nil {
			_ = res.conn.Close()
		}
	}()
}

// removeWaiter drops target from the waiters queue, reporting whether it
// was still there to drop.
func (a *Agent) removeWaiter(target *waiter) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, w := range a.waiters {
		if w == target {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// onSocketGone is the single path by which a socket's death is accounted
// for, whether it died idle (peer close, idle timeout, transport error)
// or was closed by its consumer after being claimed.
func (a *Agent) onSocketGone(s *Socket) {
	a.mu.Lock()
	if !s.claimed {
		for i, avail := range a.available {
			if avail == s {
				a.available = append(a.available[:i], a.available[i+1:]...)
				break
			}
		}
	}
	a.connected--
	if s.RemoteIP != "" {
		a.ipCounts[s.RemoteIP]--
		if a.ipCounts[s.RemoteIP] <= 0 {
			delete(a.ipCounts, s.RemoteIP)
		}
	}
	transitionedOffline := a.connected == 0 && a.hadOnline
	a.mu.Unlock()

	if transitionedOffline {
		a.emit(Offline)
	}
}

// closeCascade runs when the listener stops accepting (spec.md §4.1
// "Close cascade"): it marks the agent closed, drains every waiter with
// ErrClosed, and raises End.
func (a *Agent) closeCascade(cause error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.listenerErr = cause
	waiters := a.waiters
	a.waiters = nil
	available := a.available
	a.available = nil
	a.mu.Unlock()

	for _, w := range waiters {
		w.result <- waitResult{err: ErrClosed}
	}
	for _, s := range available {
		s.die()
	}

	a.log.Debug().Err(cause).Msg("agent listener closed")
	a.emit(End)
}

// Destroy closes the listener and invalidates the agent; this is the
// consumer-driven counterpart to closeCascade firing from an Accept
// error.
func (a *Agent) Destroy() {
	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	a.closeCascade(ErrClosed)
}

func (a *Agent) emit(kind EventKind) {
	if a.onEvent == nil {
		return
	}
	a.onEvent(Event{Kind: kind, Agent: a})
}

// Stats is a point-in-time snapshot of an agent's pool (spec.md §4.1
// stats(), extended per SPEC_FULL.md §4.1).
type Stats struct {
	ConnectedSockets int
	AvailableSockets int
	WaitingRequests  int
	DistinctAgentIPs int
}

func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		ConnectedSockets: a.connected,
		AvailableSockets: len(a.available),
		WaitingRequests:  len(a.waiters),
		DistinctAgentIPs: len(a.ipCounts),
	}
}

func (a *Agent) MaxSockets() int { return a.opt.MaxSockets }

func (a *Agent) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}
