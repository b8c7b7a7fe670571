package relay

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/meshcall/voicemesh/internal/metrics"
	"github.com/meshcall/voicemesh/internal/signaling"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []signaling.Frame
	kicked []KickReason
	full   bool
}

func (c *fakeConn) member(id string) *Member {
	return &Member{
		ID: id,
		Deliver: func(b []byte) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.full {
				return false
			}
			f, err := signaling.DecodeFrame(b)
			if err != nil {
				panic(err)
			}
			c.frames = append(c.frames, f)
			return true
		},
		Kick: func(reason KickReason) {
			c.mu.Lock()
			c.kicked = append(c.kicked, reason)
			c.mu.Unlock()
		},
	}
}

// log renders frames as "sync:a,b", "join:a", "leave:a" or "offer:a>b".
func (c *fakeConn) log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		switch {
		case f.Presence != nil && f.Presence.Event == signaling.PresenceSync:
			s := "sync:"
			for i, k := range f.Presence.Keys {
				if i > 0 {
					s += ","
				}
				s += k
			}
			out = append(out, s)
		case f.Presence != nil:
			out = append(out, string(f.Presence.Event)+":"+f.Presence.Key)
		default:
			out = append(out, string(f.Message.Type)+":"+f.Message.From+">"+f.Message.To)
		}
	}
	return out
}

func testOffer(t *testing.T, from, to string) signaling.Message {
	t.Helper()
	msg, err := signaling.NewDescriptionMessage(from, to, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	if err != nil {
		t.Fatalf("NewDescriptionMessage: %v", err)
	}
	return msg
}

func TestHub_PresenceExactlyOnce(t *testing.T) {
	h := NewHub(HubOptions{Metrics: metrics.New()})
	ctx := context.Background()
	var a, b, c fakeConn
	ma, mb, mc := a.member("a"), b.member("b"), c.member("c")

	if _, err := h.Join(ctx, "room", ma); err != nil {
		t.Fatalf("Join a: %v", err)
	}
	if _, err := h.Join(ctx, "room", mb); err != nil {
		t.Fatalf("Join b: %v", err)
	}
	present, err := h.Join(ctx, "room", mc)
	if err != nil {
		t.Fatalf("Join c: %v", err)
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(present, want) {
		t.Fatalf("present=%v, want %v", present, want)
	}

	h.Leave(mb)
	h.Leave(mb)

	if got, want := a.log(), []string{"sync:", "join:b", "join:c", "leave:b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("a saw %v, want %v", got, want)
	}
	if got, want := c.log(), []string{"sync:a,b", "leave:b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("c saw %v, want %v", got, want)
	}
	if got, want := h.Members("room"), []string{"a", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("members=%v, want %v", got, want)
	}
}

func TestHub_RouteTargetedAndBroadcast(t *testing.T) {
	m := metrics.New()
	h := NewHub(HubOptions{Metrics: m})
	ctx := context.Background()
	var a, b, c fakeConn
	ma, mb, mc := a.member("a"), b.member("b"), c.member("c")
	for _, mem := range []*Member{ma, mb, mc} {
		if _, err := h.Join(ctx, "room", mem); err != nil {
			t.Fatalf("Join %s: %v", mem.ID, err)
		}
	}

	// From is rewritten to the sender.
	h.Route(ma, testOffer(t, "mallory", "b"))
	h.Route(mb, testOffer(t, "b", ""))
	h.Route(mc, testOffer(t, "c", "nobody"))
	h.Route(mc, signaling.Message{Type: "bogus", Payload: json.RawMessage(`{}`)})

	if got, want := b.log(), []string{"sync:a", "join:c", "offer:a>b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("b saw %v, want %v", got, want)
	}
	if got, want := a.log(), []string{"sync:", "join:b", "join:c", "offer:b>"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("a saw %v, want %v", got, want)
	}
	if got, want := c.log(), []string{"sync:a,b", "offer:b>"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("c saw %v, want %v", got, want)
	}
	if got := m.Get(metrics.SignalDroppedNoPeer); got != 1 {
		t.Fatalf("no-peer drops=%d, want 1", got)
	}
	if got := m.Get(metrics.SignalDroppedInvalid); got != 1 {
		t.Fatalf("invalid drops=%d, want 1", got)
	}

	// A member that already left cannot route.
	h.Leave(ma)
	h.Route(ma, testOffer(t, "a", "b"))
	if got := len(b.log()); got != 4 {
		t.Fatalf("b frames=%d after stale route, want 4", got)
	}
}

func TestHub_DuplicateIDReplacesMember(t *testing.T) {
	m := metrics.New()
	h := NewHub(HubOptions{Metrics: m})
	ctx := context.Background()
	var a, b1, b2 fakeConn
	ma, mb1, mb2 := a.member("a"), b1.member("b"), b2.member("b")

	for _, mem := range []*Member{ma, mb1} {
		if _, err := h.Join(ctx, "room", mem); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	present, err := h.Join(ctx, "room", mb2)
	if err != nil {
		t.Fatalf("Join replacement: %v", err)
	}
	if want := []string{"a"}; !reflect.DeepEqual(present, want) {
		t.Fatalf("present=%v, want %v", present, want)
	}
	if len(b1.kicked) != 1 || b1.kicked[0] != KickReplaced {
		t.Fatalf("old connection kicked=%v, want [KickReplaced]", b1.kicked)
	}
	if got, want := a.log(), []string{"sync:", "join:b", "leave:b", "join:b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("a saw %v, want %v", got, want)
	}

	// The stale connection's own cleanup must not remove the new member.
	h.Leave(mb1)
	if got, want := h.Members("room"), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("members=%v, want %v", got, want)
	}
	if got := m.Get(metrics.MembersReplaced); got != 1 {
		t.Fatalf("replaced=%d, want 1", got)
	}
}

func TestHub_MaxMembersPerChannel(t *testing.T) {
	m := metrics.New()
	h := NewHub(HubOptions{MaxMembersPerChannel: 2, Metrics: m})
	ctx := context.Background()
	var a, b, c, d fakeConn

	if _, err := h.Join(ctx, "room", a.member("a")); err != nil {
		t.Fatalf("Join a: %v", err)
	}
	if _, err := h.Join(ctx, "room", b.member("b")); err != nil {
		t.Fatalf("Join b: %v", err)
	}
	if _, err := h.Join(ctx, "room", c.member("c")); !errors.Is(err, ErrTooManyMembers) {
		t.Fatalf("Join c err=%v, want %v", err, ErrTooManyMembers)
	}
	// Reconnecting an existing id does not count twice.
	if _, err := h.Join(ctx, "room", d.member("b")); err != nil {
		t.Fatalf("rejoin b: %v", err)
	}
	// Other channels are unaffected.
	if _, err := h.Join(ctx, "lobby", c.member("c")); err != nil {
		t.Fatalf("Join c elsewhere: %v", err)
	}
	if got := m.Get(metrics.TooManyMembers); got != 1 {
		t.Fatalf("too_many_members=%d, want 1", got)
	}
}

func TestHub_FullQueueDropsOnlyThatMember(t *testing.T) {
	m := metrics.New()
	h := NewHub(HubOptions{Metrics: m})
	ctx := context.Background()
	var a, b, c fakeConn
	ma, mb, mc := a.member("a"), b.member("b"), c.member("c")
	for _, mem := range []*Member{ma, mb, mc} {
		if _, err := h.Join(ctx, "room", mem); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	b.mu.Lock()
	b.full = true
	b.mu.Unlock()

	h.Route(ma, testOffer(t, "a", ""))
	if got := m.Get(metrics.SignalDroppedQueue); got != 1 {
		t.Fatalf("queue drops=%d, want 1", got)
	}
	if got := c.log(); got[len(got)-1] != "offer:a>" {
		t.Fatalf("c saw %v, want trailing offer", got)
	}
}

func TestHub_CloseKicksEveryone(t *testing.T) {
	h := NewHub(HubOptions{})
	ctx := context.Background()
	var a, b, c fakeConn
	if _, err := h.Join(ctx, "room", a.member("a")); err != nil {
		t.Fatalf("Join a: %v", err)
	}
	if _, err := h.Join(ctx, "lobby", b.member("b")); err != nil {
		t.Fatalf("Join b: %v", err)
	}

	h.Close()
	for name, conn := range map[string]*fakeConn{"a": &a, "b": &b} {
		if len(conn.kicked) != 1 || conn.kicked[0] != KickShutdown {
			t.Fatalf("%s kicked=%v, want [KickShutdown]", name, conn.kicked)
		}
	}
	if _, err := h.Join(ctx, "room", c.member("c")); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("Join after Close err=%v, want %v", err, ErrHubClosed)
	}
}
