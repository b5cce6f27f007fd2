package client

import "strings"

// httpHeaderContainsToken reports whether any Connection header value
// contains the given comma-separated token, case-insensitively (RFC 7230
// §6.1). Used to detect a genuine Upgrade request rather than just the
// presence of an Upgrade header with an unrelated Connection value.
func httpHeaderContainsToken(values []string, token string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
