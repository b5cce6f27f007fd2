package httpserver

import (
	"bufio"
	"encoding/json"
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
	"tunnelgate/internal/manager"
)

func testServer(t *testing.T, cfg Config) (*manager.Manager, *httptest.Server) {
	t.Helper()
	mgr := manager.New(manager.Options{Domain: cfg.Domain, Agent: agent.Options{MaxSockets: 10, IdleTimeout: 5 * time.Second}}, zerolog.Nop())
	h := New(mgr, cfg, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return mgr, srv
}

func TestCreateClientViaQueryNew(t *testing.T) {
	_, srv := testServer(t, Config{Domain: "example.test"})

	resp, err := http.Get(srv.URL + "/?new")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body newClientResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.ID)
	require.Equal(t, "http://"+body.ID+".example.test", body.URL)
}

func TestCreateClientViaRequestedPath(t *testing.T) {
	_, srv := testServer(t, Config{Domain: "example.test"})

	resp, err := http.Get(srv.URL + "/myapp")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body newClientResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "myapp", body.ID)
}

func TestCreateClientInvalidIdentifier(t *testing.T) {
	_, srv := testServer(t, Config{Domain: "example.test"})

	resp, err := http.Get(srv.URL + "/ab")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLandingRedirect(t *testing.T) {
	_, srv := testServer(t, Config{Domain: "example.test", Landing: "https://example.org/landing"})

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "https://example.org/landing", resp.Header.Get("Location"))
}

func TestApiStatus(t *testing.T) {
	mgr, srv := testServer(t, Config{Domain: "example.test"})
	_, err := mgr.NewClient("")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 1, body.ConnectedClients)
}

func TestApiTunnelStatusNotFound(t *testing.T) {
	_, srv := testServer(t, Config{Domain: "example.test"})

	resp, err := http.Get(srv.URL + "/api/tunnels/nope/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestHostBasedDispatch verifies that a request whose Host matches a live
// client's subdomain reaches that client even when its path collides with
// a reserved diagnostic route (spec.md §4.4 bullet 1 takes priority).
func TestHostBasedDispatch(t *testing.T) {
	mgr, srv := testServer(t, Config{Domain: "example.test"})
	res, err := mgr.NewClient("widget")
	require.NoError(t, err)

	tunnelConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(res.Port)))
	require.NoError(t, err)
	defer tunnelConn.Close()
	go func() {
		req, rerr := http.ReadRequest(bufio.NewReader(tunnelConn))
		if rerr != nil {
			return
		}
		_ = req.Body.Close()
		_, _ = io.WriteString(tunnelConn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Host = "widget.example.test"

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out, _ := io.ReadAll(resp.Body)
	require.Equal(t, "ok", string(out))
}

func TestHostBasedDispatchUnknownClient(t *testing.T) {
	_, srv := testServer(t, Config{Domain: "example.test"})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "ghost.example.test"

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	out, _ := io.ReadAll(resp.Body)
	require.Equal(t, "404", string(out))
}
