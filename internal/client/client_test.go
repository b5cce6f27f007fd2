package client

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tunnelgate/internal/agent"
)

func newTestClient(t *testing.T, opt agent.Options) (*Client, int) {
	t.Helper()
	a := agent.New("t1", opt, zerolog.Nop(), nil)
	port, _, err := a.Listen()
	require.NoError(t, err)
	return New("t1", a, zerolog.Nop(), nil), port
}

// serveOneTunneledResponse dials the agent's tunnel port once and writes a
// fixed canned HTTP/1.1 response onto whatever it receives.
func serveOneTunneledResponse(t *testing.T, port int, response string) {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	go func() {
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		_ = req.Body.Close()
		_, _ = io.WriteString(conn, response)
	}()
}

func TestHandleRequestHappyPath(t *testing.T) {
	c, port := newTestClient(t, agent.Options{MaxSockets: 10, IdleTimeout: 5 * time.Second})

	time.Sleep(10 * time.Millisecond)
	serveOneTunneledResponse(t, port, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	srv := httptest.NewServer(c)
	defer srv.Close()

	time.Sleep(20 * time.Millisecond) // let the tunnel socket get admitted

	resp, err := http.Get(srv.URL + "/hello")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "hello", string(body))
}

func TestHandleRequestQueueTimeout(t *testing.T) {
	c, _ := newTestClient(t, agent.Options{MaxSockets: 10, IdleTimeout: 5 * time.Second, QueueTimeout: 50 * time.Millisecond})

	srv := httptest.NewServer(c)
	defer srv.Close()

	// No tunnel socket ever dials in: the waiter should time out and the
	// public caller should see a 504 (SPEC_FULL.md §7).
	resp, err := http.Get(srv.URL + "/hello")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestHandleUpgradeSplice(t *testing.T) {
	c, port := newTestClient(t, agent.Options{MaxSockets: 10, IdleTimeout: 5 * time.Second})

	tunnelAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			tunnelAccepted <- conn
		}
	}()

	srv := httptest.NewServer(c)
	defer srv.Close()

	tunnelConn := <-tunnelAccepted
	defer tunnelConn.Close()

	go func() {
		// Act as the tunneled peer: read the proxied preamble, reply
		// with a 101, then echo whatever arrives back byte-for-byte.
		br := bufio.NewReader(tunnelConn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req.Body.Close()
		_, _ = io.WriteString(tunnelConn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
		buf := make([]byte, 5)
		if _, err := io.ReadFull(tunnelConn, buf); err != nil {
			return
		}
		_, _ = tunnelConn.Write(buf)
	}()

	rawAddr := srv.Listener.Addr().String()
	publicConn, err := net.Dial("tcp", rawAddr)
	require.NoError(t, err)
	defer publicConn.Close()

	_, _ = io.WriteString(publicConn, "GET /ws HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")

	br := bufio.NewReader(publicConn)
	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "101")

	// Drain headers.
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}

	_, _ = publicConn.Write([]byte("ABCDE"))
	echoed := make([]byte, 5)
	_, err = io.ReadFull(br, echoed)
	require.NoError(t, err)
	require.Equal(t, "ABCDE", string(echoed))
}
