// Package origin decides whether a browser Origin may use the relay's HTTP
// and WebSocket endpoints.
package origin

import (
	"net/http"
	"strings"

	"github.com/meshcall/voicemesh/internal/config"
)

// Check returns the normalized Origin of r and whether it is allowed.
// Requests without an Origin header come from non-browser clients and pass
// with an empty origin.
//
// With allowed set, each entry is "*" or a normalized origin. Otherwise only
// the request's own host is accepted; the scheme is not compared because TLS
// may terminate in front of the relay.
func Check(r *http.Request, allowed []string) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Origin"))
	if raw == "" {
		return "", true
	}
	normalized, ok := config.NormalizeOrigin(raw)
	if !ok {
		return "", false
	}

	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return normalized, true
			}
		}
		return "", false
	}
	return normalized, sameHost(normalized, r.Host)
}

func sameHost(normalized, requestHost string) bool {
	scheme, host, _ := strings.Cut(normalized, "://")
	req, ok := config.NormalizeOrigin(scheme + "://" + strings.TrimSpace(requestHost))
	if !ok {
		return false
	}
	_, reqHost, _ := strings.Cut(req, "://")
	return host == reqHost
}
