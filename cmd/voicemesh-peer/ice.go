package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/meshcall/voicemesh/internal/auth"
	"github.com/meshcall/voicemesh/internal/config"
)

const maxICEResponseBytes = 64 * 1024

// iceURL maps the relay's signaling URL to its ICE endpoint on the same host.
func iceURL(cfg config.PeerConfig, participant string) (string, error) {
	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/signal") + "/ice"

	q := url.Values{}
	q.Set("participant", participant)
	if cfg.AuthMode != config.AuthModeNone && cfg.Credential != "" {
		q.Set(auth.QueryParam(cfg.AuthMode), cfg.Credential)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func fetchICEServers(ctx context.Context, client *http.Client, cfg config.PeerConfig, participant string) ([]webrtc.ICEServer, error) {
	endpoint, err := iceURL(cfg, participant)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: status %d", resp.StatusCode)
	}

	var payload struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxICEResponseBytes)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return payload.ICEServers, nil
}
