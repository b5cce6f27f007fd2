// Package httpserver implements the thin external HTTP layer described in
// spec.md §4.4: Host-header dispatch to a live client's handle_request /
// handle_upgrade, the tunnel-creation endpoints, status diagnostics, and
// the optional landing-page redirect. The metrics endpoint is served
// elsewhere (cmd/tunnelgated, on its own listener).
package httpserver
