package client

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
)

// bufferPoolSize matches the teacher's 32KB pooled-copy buffer (ssh-ify's
// internal/tunnel/buffers.go), reused here for splicing an upgraded
// connection.
const bufferPoolSize = 32 * 1024

var splicePool = sync.Pool{
	New: func() any {
		buf := make([]byte, bufferPoolSize)
		return &buf
	},
}

func copyWithBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := splicePool.Get().(*[]byte)
	defer splicePool.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// handleUpgrade implements spec.md §4.2's handle_upgrade: obtain a tunnel
// socket, write the raw request preamble onto it, then splice bytes
// bidirectionally between the public connection and the tunnel socket
// until either side closes. The tunnel socket is never returned to the
// agent's pool — claim() (see internal/agent/socket.go) only hands a
// socket out once, and nothing in this package ever hands it back.
func (c *Client) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported by this connection", http.StatusInternalServerError)
		return
	}

	publicConn, _, err := hijacker.Hijack()
	if err != nil {
		c.log.Error().Err(err).Msg("hijack failed for upgrade request")
		return
	}
	defer publicConn.Close()

	tunnelConn, err := c.agent.CreateConnection(r.Context())
	if err != nil {
		c.log.Error().Err(err).Msg("no tunnel socket available for upgrade")
		writeRaw(publicConn, fmt.Sprintf(
			"HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\nContent-Length: %d\r\n\r\nclient %s failed",
			len("client "+c.ID+" failed"), c.ID))
		return
	}
	defer tunnelConn.Close()

	if err := r.Write(tunnelConn); err != nil {
		c.log.Error().Err(err).Msg("failed writing upgrade preamble onto tunnel socket")
		return
	}

	splice(publicConn, tunnelConn)
}

// splice copies bytes bidirectionally between two connections until
// either side errors or closes, then closes both to unblock the other
// direction's io.Copy. Mirrors the teacher's Session.Relay.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyWithBuffer(b, a)
		b.Close()
	}()
	go func() {
		defer wg.Done()
		copyWithBuffer(a, b)
		a.Close()
	}()

	wg.Wait()
}

func writeRaw(conn net.Conn, s string) {
	_, _ = conn.Write([]byte(s))
}
