package signaling

import (
	"context"
	"errors"
)

var (
	ErrAlreadySubscribed    = errors.New("signaling: already subscribed")
	ErrDuplicateParticipant = errors.New("signaling: participant already present in scope")
	ErrConnectionLost       = errors.New("signaling: connection lost")
)

// Handler receives inbound traffic for one subscription. Callbacks run on a
// single goroutine per subscription, in delivery order, and must not block.
// Nil callbacks are skipped.
//
// Lost fires at most once, when the subscription ends without Unsubscribe.
// Nothing else is delivered afterwards.
type Handler struct {
	Message func(Message)
	Join    func(peerID string)
	Leave   func(peerID string)
	Lost    func(err error)
}

func (h Handler) message(m Message) {
	if h.Message != nil {
		h.Message(m)
	}
}

func (h Handler) join(id string) {
	if h.Join != nil {
		h.Join(id)
	}
}

func (h Handler) leave(id string) {
	if h.Leave != nil {
		h.Leave(id)
	}
}

func (h Handler) lost(err error) {
	if h.Lost != nil {
		h.Lost(err)
	}
}

// Channel is a pub/sub relay scoped to one voice channel.
//
// Subscribe joins scope as self and returns the participants already present,
// excluding self. Join and Leave fire exactly once per other participant
// entering or leaving the scope after the snapshot was taken.
//
// Publish delivers msg to every other subscriber of the scope, or only to
// msg.To when set. It is a no-op before Subscribe returns and after
// Unsubscribe. The From field is always set to self.
//
// Unsubscribe leaves the scope. Repeated calls do nothing.
type Channel interface {
	Subscribe(ctx context.Context, scope, self string, h Handler) ([]string, error)
	Publish(ctx context.Context, msg Message) error
	Unsubscribe() error
}
