package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshcall/voicemesh/internal/auth"
	"github.com/meshcall/voicemesh/internal/config"
	"github.com/meshcall/voicemesh/internal/metrics"
	"github.com/meshcall/voicemesh/internal/origin"
	"github.com/meshcall/voicemesh/internal/ratelimit"
	"github.com/meshcall/voicemesh/internal/signaling"
)

const (
	wsWriteWait = 1 * time.Second

	maxIDBytes = 128

	// Per-IP buckets idle this long are forgotten.
	connectLimiterTTL = 10 * time.Minute
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WSServer implements GET /voice/signal. Query parameters: channel (required),
// participant (required unless the JWT subject supplies it) and the
// credential for the configured auth mode.
type WSServer struct {
	cfg      config.Config
	hub      *Hub
	verifier auth.Verifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	clock    ratelimit.Clock

	connects *ratelimit.Keyed
	upgrader websocket.Upgrader
}

func NewWSServer(cfg config.Config, hub *Hub, logger *slog.Logger, m *metrics.Metrics) (*WSServer, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.SignalingWSIdleTimeout <= 0 {
		cfg.SignalingWSIdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.SignalingWSPingInterval <= 0 || cfg.SignalingWSPingInterval >= cfg.SignalingWSIdleTimeout {
		cfg.SignalingWSPingInterval = cfg.SignalingWSIdleTimeout / 3
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		cfg.MaxSignalingMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		cfg.MaxSignalingMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if cfg.SignalingSendQueueBytes <= 0 {
		cfg.SignalingSendQueueBytes = config.DefaultSignalingSendQueueBytes
	}

	s := &WSServer{
		cfg:      cfg,
		hub:      hub,
		verifier: verifier,
		log:      logger,
		metrics:  m,
		clock:    ratelimit.RealClock{},
	}
	if n := cfg.MaxConnectsPerIPPerMinute; n > 0 {
		// Buckets refill per second; round up so small limits still refill.
		rate := int64((n + 59) / 60)
		s.connects = ratelimit.NewKeyed(s.clock, int64(n), rate, connectLimiterTTL)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := origin.Check(r, cfg.AllowedOrigins)
			return ok
		},
	}
	return s, nil
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.connects != nil && !s.connects.Allow(clientIP(r)) {
		s.metrics.Inc(metrics.RateLimited)
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many connection attempts")
		return
	}

	q := r.URL.Query()
	channel := q.Get("channel")
	if !validID(channel) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid channel")
		return
	}

	principal, err := s.authenticate(q)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailed)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	participant := q.Get("participant")
	if principal.Subject != "" {
		if participant == "" {
			participant = principal.Subject
		} else if participant != principal.Subject {
			s.metrics.Inc(metrics.AuthFailed)
			writeError(w, http.StatusForbidden, "forbidden", "participant does not match credential")
			return
		}
	}
	if !validID(participant) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid participant")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied.
		return
	}
	s.serveConn(r.Context(), conn, channel, participant)
}

func (s *WSServer) authenticate(q url.Values) (auth.Principal, error) {
	cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, q)
	if err != nil {
		return auth.Principal{}, err
	}
	return s.verifier.Verify(cred)
}

func (s *WSServer) serveConn(ctx context.Context, conn *websocket.Conn, channel, participant string) {
	log := s.log.With("channel", channel, "participant", participant, "conn_id", uuid.NewString())

	var closeOnce sync.Once
	closeWith := func(code int, reason string) {
		closeOnce.Do(func() {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
			_ = conn.Close()
		})
	}
	defer closeWith(websocket.CloseNormalClosure, "")

	queue := newSendQueue(s.cfg.SignalingSendQueueBytes, nil)
	defer queue.Close()
	member := &Member{
		ID:      participant,
		Deliver: queue.Enqueue,
		Kick: func(reason KickReason) {
			if reason == KickShutdown {
				closeWith(websocket.CloseGoingAway, "relay shutting down")
				return
			}
			log.Info("signaling connection replaced")
			closeWith(websocket.ClosePolicyViolation, "replaced by a newer connection")
		},
	}

	if _, err := s.hub.Join(ctx, channel, member); err != nil {
		if errors.Is(err, ErrTooManyMembers) {
			closeWith(websocket.CloseTryAgainLater, "channel full")
		} else if errors.Is(err, ErrHubClosed) {
			closeWith(websocket.CloseGoingAway, "relay shutting down")
		} else {
			log.Warn("join failed", "err", err)
			closeWith(websocket.CloseInternalServerErr, "join failed")
		}
		return
	}
	defer s.hub.Leave(member)
	log.Info("signaling connected")
	defer log.Info("signaling disconnected")

	done := make(chan struct{})
	defer close(done)
	go s.writeLoop(conn, queue)
	go s.pingLoop(conn, done)

	idle := s.cfg.SignalingWSIdleTimeout
	conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	perSecond := int64(s.cfg.MaxSignalingMessagesPerSecond)
	bucket := ratelimit.NewTokenBucket(s.clock, perSecond, perSecond)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.metrics.Inc(metrics.SignalDroppedInvalid)
				closeWith(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		if !bucket.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			continue
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.SignalDroppedInvalid)
			continue
		}
		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.metrics.Inc(metrics.SignalDroppedInvalid)
			log.Debug("dropping malformed signal", "err", err)
			continue
		}
		s.hub.Route(member, msg)
	}
}

func (s *WSServer) writeLoop(conn *websocket.Conn, queue *sendQueue) {
	for {
		frame, ok := queue.Dequeue()
		if !ok {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			_ = conn.Close()
			return
		}
	}
}

// pingLoop keeps the client's read deadline alive and provokes the pongs
// that keep ours alive.
func (s *WSServer) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.SignalingWSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func validID(id string) bool {
	return id != "" && len(id) <= maxIDBytes && strings.TrimSpace(id) == id
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Message: message})
}
