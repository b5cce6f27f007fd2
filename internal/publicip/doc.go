// Package publicip provides a process-wide, once-guarded best-effort
// lookup of the host's public IP address, used to populate the optional
// publicIp field of TunnelAgent.listen() (spec.md §4.1, §9's "Global
// PUBLIC_IP cache").
package publicip
