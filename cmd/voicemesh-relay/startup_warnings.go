package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/meshcall/voicemesh/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication (any client may join any channel under any participant id)",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxMembersPerChannel <= 0 {
		logger.Warn("startup security warning: MAX_MEMBERS_PER_CHANNEL is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_members_unlimited_in_prod",
			"max_members_per_channel", cfg.MaxMembersPerChannel,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnectsPerIPPerMinute <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTS_PER_IP_PER_MINUTE is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connects_unlimited_in_prod",
			"max_connects_per_ip_per_minute", cfg.MaxConnectsPerIPPerMinute,
			"mode", cfg.Mode,
		)
	}

	// Full-mesh SDP can be large but never approaches this.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.RedisURL != "" {
		if u, err := url.Parse(strings.TrimSpace(cfg.RedisURL)); err == nil && u.Scheme == "redis" && cfg.Mode == config.ModeProd && !isLoopbackHost(u.Hostname()) {
			logger.Warn("startup security warning: REDIS_URL uses plaintext redis:// to a non-local host (signaling payloads cross the network unencrypted; prefer rediss://)",
				"warning_code", "redis_plaintext",
				"redis_host", u.Host,
				"mode", cfg.Mode,
			)
		}
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
