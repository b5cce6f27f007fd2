package agent

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Socket is an established bidirectional byte stream from a remote client
// (spec.md §3's TunnelSocket). It is single-use-at-a-time: idle in the
// agent's available pool, or checked out to exactly one consumer.
type Socket struct {
	ID         string
	RemoteAddr net.Addr
	RemoteIP   string // normalized: IPv4-mapped IPv6 folded to IPv4

	conn  net.Conn
	agent *Agent

	mu         sync.Mutex
	claimed    bool
	notifyOnce sync.Once
	watchDone  chan struct{} // non-nil and open while startIdleWatch's Read is in flight; closed once it returns
}

func newSocket(a *Agent, conn net.Conn) *Socket {
	return &Socket{
		ID:         uuid.NewString(),
		RemoteAddr: conn.RemoteAddr(),
		RemoteIP:   normalizeIP(conn.RemoteAddr()),
		conn:       conn,
		agent:      a,
	}
}

// normalizeIP folds an IPv4-mapped IPv6 address (e.g. "::ffff:1.2.3.4")
// down to its IPv4 form, and returns "" for anything that doesn't parse as
// a host:port pair (such addresses are ignored for reporting purposes, per
// spec.md §4.1 step 4).
func normalizeIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// startIdleWatch begins a background liveness probe while the socket sits
// unclaimed in the available pool. It blocks on a 1-byte read with a
// deadline of the agent's idle timeout; a tunnel protocol never sends
// bytes on an idle socket; a real client is either the peer closing, the
// deadline expiring, or a transport error, any of which should destroy the
// socket. claim() must force this blocked Read to return before handing
// the conn to a consumer — see claim()'s comment — otherwise this
// goroutine stays first in line on the fd and silently steals the
// consumer's leading byte.
func (s *Socket) startIdleWatch() {
	s.mu.Lock()
	done := make(chan struct{})
	s.watchDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)

		_ = s.conn.SetReadDeadline(time.Now().Add(s.agent.opt.IdleTimeout))
		one := make([]byte, 1)
		_, err := s.conn.Read(one)

		s.mu.Lock()
		claimed := s.claimed
		s.mu.Unlock()
		if claimed {
			return
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		s.die()
	}()
}

// claim hands the raw connection to a consumer. A socket pulled from the
// available pool has its idle-watch goroutine blocked in Read(one): that
// Read began before the socket could ever be claimed, so it is always
// "first in line" on the fd and would otherwise steal the first byte a
// real consumer reads. claim() forces it off the fd first: setting the
// read deadline to now interrupts the in-flight Read with a timeout error
// without consuming any buffered bytes, and claim() then waits for the
// goroutine to actually observe that and return before resetting the
// deadline and handing the conn over — so the consumer never races it for
// the leading bytes.
func (s *Socket) claim() net.Conn {
	s.mu.Lock()
	s.claimed = true
	done := s.watchDone
	s.mu.Unlock()

	if done != nil {
		_ = s.conn.SetReadDeadline(time.Now())
		<-done
	}

	_ = s.conn.SetDeadline(time.Time{})
	return &trackedConn{Conn: s.conn, socket: s}
}

// die closes the underlying connection and notifies the owning Agent
// exactly once, regardless of how many of the idle watch (timeout or dead
// probe), the agent's close cascade, or the consumer's Close race to call
// it. This is the single choke point
// that guarantees connectedSockets decrements exactly once per accepted
// socket.
func (s *Socket) die() {
	s.notifyOnce.Do(func() {
		_ = s.conn.Close()
		s.agent.onSocketGone(s)
	})
}

// trackedConn wraps a claimed net.Conn so that Close runs die(), covering
// the case where the consumer (not the agent) is the one that ends the
// socket's life.
type trackedConn struct {
	net.Conn
	socket *Socket
}

func (t *trackedConn) Close() error {
	err := t.Conn.Close()
	t.socket.die()
	return err
}
