package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshcall/voicemesh/internal/metrics"
	"github.com/meshcall/voicemesh/internal/signaling"
)

var (
	ErrTooManyMembers = errors.New("relay: too many members in channel")
	ErrHubClosed      = errors.New("relay: hub closed")
)

// KickReason tells a member why the hub dropped it.
type KickReason int

const (
	// KickReplaced: a newer connection took over the same participant id.
	KickReplaced KickReason = iota
	KickShutdown
)

const backplaneTimeout = 2 * time.Second

// Member is one subscribed connection. Deliver must not block. Kick closes
// the connection; the member's own Leave afterwards is a no-op.
type Member struct {
	ID      string
	Deliver func(frame []byte) bool
	Kick    func(reason KickReason)

	scope string
}

type HubOptions struct {
	// MaxMembersPerChannel caps a channel across every relay instance.
	// <= 0 means unlimited.
	MaxMembersPerChannel int

	// Backplane links relay instances. Nil keeps the hub local.
	Backplane Backplane

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Hub struct {
	opts     HubOptions
	log      *slog.Logger
	metrics  *metrics.Metrics
	instance string

	mu     sync.Mutex
	closed bool
	scopes map[string]map[string]*Member
}

func NewHub(opts HubOptions) *Hub {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		opts:     opts,
		log:      log,
		metrics:  opts.Metrics,
		instance: uuid.NewString(),
		scopes:   make(map[string]map[string]*Member),
	}
}

// Run consumes backplane traffic until ctx ends. Without a backplane it just
// waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.opts.Backplane == nil {
		<-ctx.Done()
		return nil
	}
	return h.opts.Backplane.Run(ctx, h.handleRemote)
}

// Join subscribes m to scope. The sync frame listing everyone already present
// is delivered to m before any other frame. An existing member with the same
// id is kicked and announced as having left.
func (h *Hub) Join(ctx context.Context, scope string, m *Member) ([]string, error) {
	var remote []string
	if bp := h.opts.Backplane; bp != nil {
		ids, err := bp.Members(ctx, scope)
		if err != nil {
			h.metrics.Inc(metrics.BackplaneErrors)
			h.log.Warn("backplane members lookup failed", "channel", scope, "err", err)
		}
		remote = ids
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	members := h.scopes[scope]
	present := make(map[string]struct{}, len(members)+len(remote))
	for id := range members {
		present[id] = struct{}{}
	}
	for _, id := range remote {
		present[id] = struct{}{}
	}
	delete(present, m.ID)
	if limit := h.opts.MaxMembersPerChannel; limit > 0 && len(present)+1 > limit {
		h.mu.Unlock()
		h.metrics.Inc(metrics.TooManyMembers)
		return nil, ErrTooManyMembers
	}

	old := members[m.ID]
	if old != nil {
		h.removeLocked(old)
		h.metrics.Inc(metrics.MembersReplaced)
	}
	members = h.scopes[scope]
	if members == nil {
		members = make(map[string]*Member)
		h.scopes[scope] = members
	}

	keys := make([]string, 0, len(present))
	for id := range present {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	m.Deliver(encodeFrame(signaling.PresenceFrame{Event: signaling.PresenceSync, Keys: keys}))

	m.scope = scope
	members[m.ID] = m
	join := encodeFrame(signaling.PresenceFrame{Event: signaling.PresenceJoin, Key: m.ID})
	for id, other := range members {
		if id != m.ID {
			h.deliver(other, join)
		}
	}
	h.mu.Unlock()
	h.metrics.Inc(metrics.MembersJoined)

	if old != nil {
		old.Kick(KickReplaced)
		h.announce(scope, signaling.PresenceLeave, m.ID)
	}
	h.announce(scope, signaling.PresenceJoin, m.ID)
	return keys, nil
}

// Leave removes m if it is still the current member for its id. Repeated
// calls do nothing.
func (h *Hub) Leave(m *Member) {
	h.mu.Lock()
	current := h.scopes[m.scope][m.ID] == m
	if current {
		h.removeLocked(m)
	}
	h.mu.Unlock()
	if current {
		h.metrics.Inc(metrics.MembersLeft)
		h.announce(m.scope, signaling.PresenceLeave, m.ID)
	}
}

func (h *Hub) removeLocked(m *Member) {
	members := h.scopes[m.scope]
	delete(members, m.ID)
	if len(members) == 0 {
		delete(h.scopes, m.scope)
	}
	leave := encodeFrame(signaling.PresenceFrame{Event: signaling.PresenceLeave, Key: m.ID})
	for _, other := range members {
		h.deliver(other, leave)
	}
}

// Close kicks every member and refuses later joins. Leave announcements
// still reach the backplane as each connection winds down.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Member
	for _, members := range h.scopes {
		for _, m := range members {
			all = append(all, m)
		}
	}
	h.mu.Unlock()
	for _, m := range all {
		m.Kick(KickShutdown)
	}
}

// Route delivers msg from sender to its target, or to every other member of
// the channel when msg.To is empty. From is always the sender's id.
func (h *Hub) Route(from *Member, msg signaling.Message) {
	msg.From = from.ID
	if err := msg.Validate(); err != nil {
		h.metrics.Inc(metrics.SignalDroppedInvalid)
		return
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		h.metrics.Inc(metrics.SignalDroppedInvalid)
		return
	}

	h.mu.Lock()
	members := h.scopes[from.scope]
	if members[from.ID] != from {
		h.mu.Unlock()
		return
	}
	local := false
	if msg.To != "" {
		if target := members[msg.To]; target != nil {
			h.deliver(target, frame)
			local = true
		}
	} else {
		for id, other := range members {
			if id != from.ID {
				h.deliver(other, frame)
			}
		}
	}
	h.mu.Unlock()

	if local {
		return
	}
	if h.opts.Backplane == nil {
		if msg.To != "" {
			h.metrics.Inc(metrics.SignalDroppedNoPeer)
		}
		return
	}
	h.publish(Envelope{Scope: from.scope, Message: &msg})
}

// Members lists the ids subscribed to scope on this instance.
func (h *Hub) Members(scope string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.scopes[scope]))
	for id := range h.scopes[scope] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) deliver(m *Member, frame []byte) {
	if m.Deliver(frame) {
		h.metrics.Inc(metrics.SignalRouted)
		return
	}
	h.metrics.Inc(metrics.SignalDroppedQueue)
}

// announce mirrors a local presence change to the other instances.
func (h *Hub) announce(scope string, event signaling.PresenceEvent, id string) {
	bp := h.opts.Backplane
	if bp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backplaneTimeout)
	defer cancel()
	var err error
	if event == signaling.PresenceJoin {
		err = bp.AddMember(ctx, scope, id)
	} else {
		err = bp.RemoveMember(ctx, scope, id)
	}
	if err != nil {
		h.metrics.Inc(metrics.BackplaneErrors)
		h.log.Warn("backplane membership update failed", "channel", scope, "participant", id, "err", err)
	}
	h.publish(Envelope{Scope: scope, Presence: &signaling.PresenceFrame{Event: event, Key: id}})
}

func (h *Hub) publish(env Envelope) {
	env.Origin = h.instance
	ctx, cancel := context.WithTimeout(context.Background(), backplaneTimeout)
	defer cancel()
	if err := h.opts.Backplane.Publish(ctx, env); err != nil {
		h.metrics.Inc(metrics.BackplaneErrors)
		h.log.Warn("backplane publish failed", "channel", env.Scope, "err", err)
	}
}

// handleRemote delivers traffic published by another instance to the local
// members it concerns.
func (h *Hub) handleRemote(env Envelope) {
	if env.Origin == h.instance {
		return
	}
	var frame []byte
	var skip, target string
	switch {
	case env.Message != nil:
		b, err := json.Marshal(env.Message)
		if err != nil {
			return
		}
		frame, skip, target = b, env.Message.From, env.Message.To
	case env.Presence != nil && env.Presence.Event != signaling.PresenceSync:
		frame, skip = encodeFrame(*env.Presence), env.Presence.Key
	default:
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, m := range h.scopes[env.Scope] {
		if id == skip || (target != "" && id != target) {
			continue
		}
		h.deliver(m, frame)
	}
}

func encodeFrame(f signaling.PresenceFrame) []byte {
	b, _ := json.Marshal(f)
	return b
}
