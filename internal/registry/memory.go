package registry

import (
	"context"
	"sync"
)

type Memory struct {
	mu   sync.Mutex
	rows map[string]map[string]Participant
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]map[string]Participant)}
}

func (m *Memory) Upsert(_ context.Context, p Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.rows[p.ChannelID]
	if ch == nil {
		ch = make(map[string]Participant)
		m.rows[p.ChannelID] = ch
	}
	ch[p.ID] = p
	return nil
}

func (m *Memory) Update(_ context.Context, channelID, id string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[channelID][id]
	if !ok {
		return ErrNotFound
	}
	patch.Apply(&p)
	m.rows[channelID][id] = p
	return nil
}

func (m *Memory) Delete(_ context.Context, channelID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.rows[channelID]
	delete(ch, id)
	if len(ch) == 0 {
		delete(m.rows, channelID)
	}
	return nil
}

func (m *Memory) List(_ context.Context, channelID string) ([]Participant, error) {
	m.mu.Lock()
	out := make([]Participant, 0, len(m.rows[channelID]))
	for _, p := range m.rows[channelID] {
		out = append(out, p)
	}
	m.mu.Unlock()
	sortParticipants(out)
	return out, nil
}
