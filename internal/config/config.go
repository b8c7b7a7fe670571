package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"
)

const (
	envVarListenAddr      = "VOICEMESH_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "VOICEMESH_LOG_FORMAT"
	envVarLogLevel        = "VOICEMESH_LOG_LEVEL"
	envVarShutdownTimeout = "VOICEMESH_SHUTDOWN_TIMEOUT"
	envVarMode            = "VOICEMESH_MODE"

	envVarAuthMode  = "AUTH_MODE"
	envVarAPIKey    = "API_KEY"
	envVarJWTSecret = "JWT_SECRET"

	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueBytes       = "SIGNALING_SEND_QUEUE_BYTES"
	envVarMaxMembersPerChannel          = "MAX_MEMBERS_PER_CHANNEL"
	envVarMaxConnectsPerIPPerMinute     = "MAX_CONNECTS_PER_IP_PER_MINUTE"

	envVarRedisURL = "REDIS_URL"

	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"

	// Participant (cmd/voicemesh-peer) settings.
	envVarRelayURL      = "VOICEMESH_RELAY_URL"
	envVarChannel       = "VOICEMESH_CHANNEL"
	envVarParticipantID = "VOICEMESH_PARTICIPANT_ID"
	envVarCredential    = "VOICEMESH_CREDENTIAL"
	envVarStartVideo    = "VOICEMESH_START_VIDEO"
	envVarStartScreen   = "VOICEMESH_START_SCREEN"
	envVarFetchICE      = "VOICEMESH_FETCH_ICE"
)

const (
	DefaultListenAddr = "127.0.0.1:8080"
	DefaultShutdown   = 15 * time.Second
	DefaultMode       = ModeDev

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueBytes       = 1 << 20
	DefaultMaxMembersPerChannel          = 25
	DefaultMaxConnectsPerIPPerMinute     = 60

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "voicemesh"

	DefaultRelayURL          = "ws://127.0.0.1:8080/voice/signal"
	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

// Recommended lower bound for an explicit ICE port range. Every peer
// connection needs at least one port and a mesh of N peers needs N-1 of them.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// LogSettings selects the slog handler built by NewLogger.
type LogSettings struct {
	LogFormat LogFormat
	LogLevel  slog.Level
}

// WebRTCSettings are the pion SettingEngine knobs of a participant's media
// connections.
type WebRTCSettings struct {
	// UDPPortRange restricts the UDP ports used for ICE. When nil, pion picks
	// ephemeral ports.
	UDPPortRange *UDPPortRange

	// NAT1To1IPs are advertised as ICE candidates of NAT1To1IPCandidateType
	// when the host sits behind a static NAT.
	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType

	// UDPListenIP restricts ICE to one local interface. 0.0.0.0 keeps the pion
	// default.
	UDPListenIP net.IP
}

// Config is the relay server configuration.
type Config struct {
	LogSettings

	ListenAddr      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueBytes       int

	// MaxMembersPerChannel caps a single voice channel. <= 0 means unlimited.
	MaxMembersPerChannel      int
	MaxConnectsPerIPPerMinute int

	// RedisURL enables the cross-instance backplane when set.
	RedisURL string

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// PeerConfig configures a headless participant.
type PeerConfig struct {
	LogSettings
	WebRTCSettings

	Mode          Mode
	RelayURL      string
	Channel       string
	ParticipantID string
	AuthMode      AuthMode
	Credential    string

	StartVideo  bool
	StartScreen bool
	// FetchICE asks the relay's /voice/ice endpoint for the ICE list at
	// startup instead of using the local one.
	FetchICE bool

	RedisURL   string
	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault, logFormatDefault, logLevelDefault := modeAndLogDefaults(lookup)

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(AuthModeNone))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	redisURL := envOrDefault(lookup, envVarRedisURL, "")
	ice := iceFlagValues{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}
	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	turnRESTTTLSeconds, err := envInt64OrDefault(lookup, envVarTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envInt64OrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueBytes, err := envIntOrDefault(lookup, envVarSignalingSendQueueBytes, DefaultSignalingSendQueueBytes)
	if err != nil {
		return Config{}, err
	}
	maxMembers, err := envIntOrDefault(lookup, envVarMaxMembersPerChannel, DefaultMaxMembersPerChannel)
	if err != nil {
		return Config{}, err
	}
	maxConnects, err := envIntOrDefault(lookup, envVarMaxConnectsPerIPPerMinute, DefaultMaxConnectsPerIPPerMinute)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("voicemesh-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Signaling auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.DurationVar(&idleTimeout, "signaling-ws-idle-timeout", idleTimeout, "Drop signaling connections silent for this long; peers see a leave event (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "Ping interval on signaling connections (must be < idle timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&sendQueueBytes, "signaling-send-queue-bytes", sendQueueBytes, "Max queued outbound bytes per connection before dropping (env "+envVarSignalingSendQueueBytes+")")
	fs.IntVar(&maxMembers, "max-members-per-channel", maxMembers, "Max participants per voice channel (0 = unlimited; env "+envVarMaxMembersPerChannel+")")
	fs.IntVar(&maxConnects, "max-connects-per-ip-per-minute", maxConnects, "Max signaling connection attempts per client IP per minute (0 = unlimited; env "+envVarMaxConnectsPerIPPerMinute+")")
	fs.StringVar(&redisURL, "redis-url", redisURL, "Redis URL for the multi-instance backplane (env "+envVarRedisURL+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	ice.register(fs)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logs, err := parseLogSettings(logFormatStr, logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	switch authMode {
	case AuthModeAPIKey:
		if strings.TrimSpace(apiKey) == "" {
			return Config{}, fmt.Errorf("%s=%s requires %s", envVarAuthMode, authMode, envVarAPIKey)
		}
	case AuthModeJWT:
		if strings.TrimSpace(jwtSecret) == "" {
			return Config{}, fmt.Errorf("%s=%s requires %s", envVarAuthMode, authMode, envVarJWTSecret)
		}
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if idleTimeout <= 0 || pingInterval <= 0 {
		return Config{}, fmt.Errorf("signaling ws idle timeout and ping interval must be > 0")
	}
	if pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("signaling ws ping interval (%s) must be < idle timeout (%s)", pingInterval, idleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if sendQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarSignalingSendQueueBytes)
	}
	if maxMembers < 0 || maxConnects < 0 {
		return Config{}, fmt.Errorf("member and connect limits must be >= 0")
	}
	if err := validateRedisURL(redisURL); err != nil {
		return Config{}, err
	}
	if turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarTURNRESTTTLSeconds)
	}
	if strings.Contains(turnRESTUsernamePrefix, ":") {
		return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
	}

	cfg := Config{
		LogSettings: logs,

		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,

		SignalingWSIdleTimeout:        idleTimeout,
		SignalingWSPingInterval:       pingInterval,
		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		SignalingSendQueueBytes:       sendQueueBytes,
		MaxMembersPerChannel:          maxMembers,
		MaxConnectsPerIPPerMinute:     maxConnects,

		RedisURL: redisURL,
		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
	}

	// A broken ICE list keeps the relay up (signaling still works) but /readyz
	// and /voice/ice report the problem.
	iceServers, err := ice.parse(cfg.TURNREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}
	return cfg, nil
}

func LoadPeer(args []string) (PeerConfig, error) {
	return loadPeer(os.LookupEnv, args)
}

func loadPeer(lookup func(string) (string, bool), args []string) (PeerConfig, error) {
	modeDefault, logFormatDefault, logLevelDefault := modeAndLogDefaults(lookup)

	relayURL := envOrDefault(lookup, envVarRelayURL, DefaultRelayURL)
	channel := envOrDefault(lookup, envVarChannel, "")
	participantID := envOrDefault(lookup, envVarParticipantID, "")
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(AuthModeNone))
	credential := envOrDefault(lookup, envVarCredential, "")
	redisURL := envOrDefault(lookup, envVarRedisURL, "")
	ice := iceFlagValues{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}

	startVideo, err := envBoolOrDefault(lookup, envVarStartVideo, false)
	if err != nil {
		return PeerConfig{}, err
	}
	startScreen, err := envBoolOrDefault(lookup, envVarStartScreen, false)
	if err != nil {
		return PeerConfig{}, err
	}
	fetchICE, err := envBoolOrDefault(lookup, envVarFetchICE, false)
	if err != nil {
		return PeerConfig{}, err
	}
	rtc, err := webrtcFlagValuesFromEnv(lookup)
	if err != nil {
		return PeerConfig{}, err
	}

	fs := flag.NewFlagSet("voicemesh-peer", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&relayURL, "relay-url", relayURL, "Signaling relay WebSocket URL (env "+envVarRelayURL+")")
	fs.StringVar(&channel, "channel", channel, "Voice channel id to join (env "+envVarChannel+")")
	fs.StringVar(&participantID, "participant-id", participantID, "Participant id (default: random UUID; env "+envVarParticipantID+")")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Relay auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&credential, "credential", credential, "API key or JWT presented to the relay (env "+envVarCredential+")")
	fs.BoolVar(&startVideo, "video", startVideo, "Turn the camera on after joining (env "+envVarStartVideo+")")
	fs.BoolVar(&startScreen, "screen", startScreen, "Start screen sharing after joining (env "+envVarStartScreen+")")
	fs.BoolVar(&fetchICE, "fetch-ice", fetchICE, "Fetch ICE servers from the relay's /voice/ice endpoint (env "+envVarFetchICE+")")
	fs.StringVar(&redisURL, "redis-url", redisURL, "Redis URL for the participant registry (env "+envVarRedisURL+")")
	ice.register(fs)
	rtc.register(fs)

	if err := fs.Parse(args); err != nil {
		return PeerConfig{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return PeerConfig{}, err
	}
	logs, err := parseLogSettings(logFormatStr, logLevelStr)
	if err != nil {
		return PeerConfig{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return PeerConfig{}, err
	}
	if authMode != AuthModeNone && strings.TrimSpace(credential) == "" {
		return PeerConfig{}, fmt.Errorf("%s=%s requires %s", envVarAuthMode, authMode, envVarCredential)
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return PeerConfig{}, fmt.Errorf("%s/--channel is required", envVarChannel)
	}
	u, err := url.Parse(relayURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return PeerConfig{}, fmt.Errorf("invalid %s %q (expected ws:// or wss:// URL)", envVarRelayURL, relayURL)
	}
	if err := validateRedisURL(redisURL); err != nil {
		return PeerConfig{}, err
	}
	rtcSettings, err := rtc.parse()
	if err != nil {
		return PeerConfig{}, err
	}
	iceServers, err := ice.parse(false)
	if err != nil {
		return PeerConfig{}, err
	}

	return PeerConfig{
		LogSettings:    logs,
		WebRTCSettings: rtcSettings,

		Mode:          mode,
		RelayURL:      relayURL,
		Channel:       channel,
		ParticipantID: strings.TrimSpace(participantID),
		AuthMode:      authMode,
		Credential:    credential,
		StartVideo:    startVideo,
		StartScreen:   startScreen,
		FetchICE:      fetchICE,
		RedisURL:      redisURL,
		ICEServers:    iceServers,
	}, nil
}

// NewLogger builds the process logger on stdout.
func NewLogger(s LogSettings) (*slog.Logger, error) {
	return newLogger(os.Stdout, s)
}

func newLogger(w io.Writer, s LogSettings) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: s.LogLevel,
	}

	var handler slog.Handler
	switch s.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", s.LogFormat)
	}

	return slog.New(handler), nil
}

type webrtcFlagValues struct {
	portMin, portMax uint
	nat1To1IPs       string
	candidateType    string
	listenIP         string
}

func webrtcFlagValuesFromEnv(lookup func(string) (string, bool)) (webrtcFlagValues, error) {
	v := webrtcFlagValues{
		nat1To1IPs:    envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""),
		candidateType: envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost)),
		listenIP:      envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP),
	}
	for _, p := range []struct {
		key string
		dst *uint
	}{
		{envVarWebRTCUDPPortMin, &v.portMin},
		{envVarWebRTCUDPPortMax, &v.portMax},
	} {
		raw, ok := lookup(p.key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		port, err := parsePortString(raw)
		if err != nil {
			return webrtcFlagValues{}, fmt.Errorf("invalid %s: %w", p.key, err)
		}
		*p.dst = uint(port)
	}
	return v, nil
}

func (v *webrtcFlagValues) register(fs *flag.FlagSet) {
	fs.UintVar(&v.portMin, "webrtc-udp-port-min", v.portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&v.portMax, "webrtc-udp-port-max", v.portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&v.nat1To1IPs, "webrtc-nat-1to1-ips", v.nat1To1IPs, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&v.candidateType, "webrtc-nat-1to1-ip-candidate-type", v.candidateType, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.StringVar(&v.listenIP, "webrtc-udp-listen-ip", v.listenIP, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
}

func (v webrtcFlagValues) parse() (WebRTCSettings, error) {
	var out WebRTCSettings

	switch {
	case v.portMin == 0 && v.portMax == 0:
	case v.portMin == 0 || v.portMax == 0:
		return WebRTCSettings{}, fmt.Errorf("%s and %s must be set together", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	default:
		lo, err := parsePortUint(v.portMin)
		if err != nil {
			return WebRTCSettings{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMin, err)
		}
		hi, err := parsePortUint(v.portMax)
		if err != nil {
			return WebRTCSettings{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMax, err)
		}
		if lo > hi {
			return WebRTCSettings{}, fmt.Errorf("%s (%d) must be <= %s (%d)", envVarWebRTCUDPPortMin, lo, envVarWebRTCUDPPortMax, hi)
		}
		if int(hi)-int(lo)+1 < recommendedWebRTCUDPPortRangeSize {
			return WebRTCSettings{}, fmt.Errorf("webrtc udp port range %d-%d is too small (need at least %d ports)", lo, hi, recommendedWebRTCUDPPortRangeSize)
		}
		out.UDPPortRange = &UDPPortRange{Min: lo, Max: hi}
	}

	candidateType, err := parseCandidateType(v.candidateType)
	if err != nil {
		return WebRTCSettings{}, fmt.Errorf("invalid %s: %w", envVarWebRTCNAT1To1IPCandidateType, err)
	}
	out.NAT1To1IPCandidateType = candidateType
	if strings.TrimSpace(v.nat1To1IPs) != "" {
		ips, err := parseIPList(v.nat1To1IPs)
		if err != nil {
			return WebRTCSettings{}, fmt.Errorf("invalid %s: %w", envVarWebRTCNAT1To1IPs, err)
		}
		out.NAT1To1IPs = ips
	}

	listenIP := net.ParseIP(strings.TrimSpace(v.listenIP))
	if listenIP == nil {
		return WebRTCSettings{}, fmt.Errorf("invalid %s %q", envVarWebRTCUDPListenIP, v.listenIP)
	}
	out.UDPListenIP = listenIP
	return out, nil
}

func modeAndLogDefaults(lookup func(string) (string, bool)) (mode, logFormat, logLevel string) {
	mode = string(DefaultMode)
	if v, _ := lookup(envVarMode); v != "" {
		mode = v
	}
	logFormat = envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(mode))
	logLevel = envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(mode))
	return mode, logFormat, logLevel
}

func parseLogSettings(format, level string) (LogSettings, error) {
	f, err := parseLogFormat(format)
	if err != nil {
		return LogSettings{}, err
	}
	l, err := parseLogLevel(level)
	if err != nil {
		return LogSettings{}, err
	}
	return LogSettings{LogFormat: f, LogLevel: l}, nil
}

func validateRedisURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if _, err := redis.ParseURL(raw); err != nil {
		return fmt.Errorf("invalid %s: %w", envVarRedisURL, err)
	}
	return nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone), "":
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

// parseAllowedOrigins accepts "*" or full origins and returns them in
// scheme://host[:port] form with default ports removed.
func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, ok := NormalizeOrigin(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

// NormalizeOrigin lower-cases scheme and host and drops default ports. Only
// bare http(s) origins are accepted.
func NormalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if !(scheme == "http" && n == 80) && !(scheme == "https" && n == 443) {
			host += ":" + strconv.FormatUint(n, 10)
		}
	}
	return scheme + "://" + host, true
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
