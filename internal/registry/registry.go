// Package registry mirrors each participant's media flags for presence
// display. Writes from the voice coordinator are best effort.
package registry

import (
	"context"
	"errors"
	"sort"
	"time"
)

var ErrNotFound = errors.New("participant not found")

// Participant is one row per (channel, participant).
type Participant struct {
	ChannelID       string    `json:"channel_id"`
	ID              string    `json:"id"`
	JoinedAt        time.Time `json:"joined_at"`
	IsMuted         bool      `json:"is_muted"`
	IsCameraOn      bool      `json:"is_camera_on"`
	IsScreenSharing bool      `json:"is_screen_sharing"`
	IsSpeaking      bool      `json:"is_speaking"`
}

// Patch updates the flags that are non-nil.
type Patch struct {
	IsMuted         *bool
	IsCameraOn      *bool
	IsScreenSharing *bool
	IsSpeaking      *bool
}

func Bool(b bool) *bool { return &b }

func (p Patch) Apply(dst *Participant) {
	if p.IsMuted != nil {
		dst.IsMuted = *p.IsMuted
	}
	if p.IsCameraOn != nil {
		dst.IsCameraOn = *p.IsCameraOn
	}
	if p.IsScreenSharing != nil {
		dst.IsScreenSharing = *p.IsScreenSharing
	}
	if p.IsSpeaking != nil {
		dst.IsSpeaking = *p.IsSpeaking
	}
}

type Registry interface {
	Upsert(ctx context.Context, p Participant) error
	// Update returns ErrNotFound when the row does not exist.
	Update(ctx context.Context, channelID, id string, patch Patch) error
	// Delete is a no-op for missing rows.
	Delete(ctx context.Context, channelID, id string) error
	// List returns rows ordered by join time, then id.
	List(ctx context.Context, channelID string) ([]Participant, error)
}

func sortParticipants(ps []Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
