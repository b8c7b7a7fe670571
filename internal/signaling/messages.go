package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "ice-candidate"
)

// Message is the signaling envelope. An empty To broadcasts to the scope.
type Message struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

var errInvalidMessage = errors.New("signaling: invalid message")

type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type iceCandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// NewDescriptionMessage wraps an offer or answer addressed to peer.
func NewDescriptionMessage(from, to string, desc webrtc.SessionDescription) (Message, error) {
	var t MessageType
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		t = TypeOffer
	case webrtc.SDPTypeAnswer:
		t = TypeAnswer
	default:
		return Message{}, fmt.Errorf("%w: sdp type %q", errInvalidMessage, desc.Type.String())
	}
	payload, err := json.Marshal(sessionDescription{Type: desc.Type.String(), SDP: desc.SDP})
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, From: from, To: to, Payload: payload}, nil
}

func NewCandidateMessage(from, to string, c webrtc.ICECandidateInit) (Message, error) {
	payload, err := json.Marshal(iceCandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeCandidate, From: from, To: to, Payload: payload}, nil
}

// Description decodes the payload of an offer or answer.
func (m Message) Description() (webrtc.SessionDescription, error) {
	var d sessionDescription
	if err := decodeStrict(m.Payload, &d); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	var want webrtc.SDPType
	switch m.Type {
	case TypeOffer:
		want = webrtc.SDPTypeOffer
	case TypeAnswer:
		want = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %q carries no description", errInvalidMessage, m.Type)
	}
	if d.Type != want.String() {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s message has sdp type %q", errInvalidMessage, m.Type, d.Type)
	}
	if d.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: empty sdp", errInvalidMessage)
	}
	return webrtc.SessionDescription{Type: want, SDP: d.SDP}, nil
}

func (m Message) Candidate() (webrtc.ICECandidateInit, error) {
	if m.Type != TypeCandidate {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: %q carries no candidate", errInvalidMessage, m.Type)
	}
	var c iceCandidate
	if err := decodeStrict(m.Payload, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}, nil
}

// Validate checks the envelope only. Payloads are decoded lazily by the
// receiver.
func (m Message) Validate() error {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeCandidate:
	default:
		return fmt.Errorf("%w: unsupported type %q", errInvalidMessage, m.Type)
	}
	if m.From == "" {
		return fmt.Errorf("%w: missing from", errInvalidMessage)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", errInvalidMessage)
	}
	return nil
}

// ParseMessage decodes one envelope, rejecting unknown fields and trailing
// data.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := decodeStrict(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

type PresenceEvent string

const (
	PresenceJoin  PresenceEvent = "join"
	PresenceLeave PresenceEvent = "leave"
	// PresenceSync is sent once by the relay right after subscribing and
	// lists the participants already present.
	PresenceSync PresenceEvent = "sync"
)

type PresenceFrame struct {
	Event PresenceEvent `json:"event"`
	Key   string        `json:"key,omitempty"`
	Keys  []string      `json:"keys,omitempty"`
}

func (f PresenceFrame) validate() error {
	switch f.Event {
	case PresenceJoin, PresenceLeave:
		if f.Key == "" {
			return fmt.Errorf("%w: %s without key", errInvalidMessage, f.Event)
		}
	case PresenceSync:
	default:
		return fmt.Errorf("%w: unsupported presence event %q", errInvalidMessage, f.Event)
	}
	return nil
}

// Frame is one relay-to-client frame: either a signaling message or a
// presence event.
type Frame struct {
	Message  *Message
	Presence *PresenceFrame
}

// DecodeFrame tells presence frames apart from envelopes by the `event` key.
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if head.Event != "" {
		var p PresenceFrame
		if err := decodeStrict(data, &p); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", errInvalidMessage, err)
		}
		if err := p.validate(); err != nil {
			return Frame{}, err
		}
		return Frame{Presence: &p}, nil
	}
	m, err := ParseMessage(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Message: &m}, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
