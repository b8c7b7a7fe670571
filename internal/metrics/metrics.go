package metrics

import "sync"

// Event names shared by the relay and the coordinator.
const (
	MembersJoined        = "members_joined"
	MembersLeft          = "members_left"
	MembersReplaced      = "members_replaced"
	TooManyMembers       = "too_many_members"
	SignalRouted         = "signal_routed"
	SignalDroppedNoPeer  = "signal_dropped_no_peer"
	SignalDroppedQueue   = "signal_dropped_queue_full"
	SignalDroppedInvalid = "signal_dropped_invalid"
	RateLimited          = "rate_limited"
	AuthFailed           = "auth_failed"
	BackplaneErrors      = "backplane_errors"

	OfferSent        = "negotiation_offer_sent"
	AnswerSent       = "negotiation_answer_sent"
	OfferIgnored     = "negotiation_offer_ignored"
	Rollback         = "negotiation_rollback"
	RollbackFallback = "negotiation_rollback_recreate"
	ICERestart       = "ice_restart"
	CandidateQueued  = "candidate_buffered"
	PeerCreated      = "peer_created"
	PeerFailed       = "peer_failed"
	PeerClosed       = "peer_closed"
	PublishFailed    = "signal_publish_failed"
	SignalingLost    = "signaling_lost"
	RegistryDropped  = "registry_write_dropped"
	RegistryFailed   = "registry_write_failed"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
