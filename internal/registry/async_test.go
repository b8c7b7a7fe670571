package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meshcall/voicemesh/internal/metrics"
)

// blockingRegistry parks every write until release is closed.
type blockingRegistry struct {
	*Memory
	release chan struct{}
}

func (b *blockingRegistry) Upsert(ctx context.Context, p Participant) error {
	<-b.release
	return b.Memory.Upsert(ctx, p)
}

type failingRegistry struct{ *Memory }

func (failingRegistry) Delete(context.Context, string, string) error {
	return errors.New("backend down")
}

func TestAsyncWriter_AppliesInOrder(t *testing.T) {
	mem := NewMemory()
	w := NewAsyncWriter(mem, AsyncOptions{})
	defer w.Close(context.Background())

	w.Upsert(Participant{ChannelID: "room1", ID: "a1"})
	w.Update("room1", "a1", Patch{IsMuted: Bool(true)})
	w.Update("room1", "a1", Patch{IsMuted: Bool(false), IsSpeaking: Bool(true)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rows, _ := mem.List(context.Background(), "room1")
	if len(rows) != 1 || rows[0].IsMuted || !rows[0].IsSpeaking {
		t.Fatalf("rows=%+v", rows)
	}
}

func TestAsyncWriter_DropsWhenFull(t *testing.T) {
	reg := &blockingRegistry{Memory: NewMemory(), release: make(chan struct{})}
	m := metrics.New()
	w := NewAsyncWriter(reg, AsyncOptions{QueueSize: 1, Metrics: m})

	// The first write is picked up by the worker and parks, the second fills
	// the queue, the rest are dropped.
	w.Upsert(Participant{ChannelID: "c", ID: "1"})
	deadline := time.Now().Add(2 * time.Second)
	for len(w.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	w.Upsert(Participant{ChannelID: "c", ID: "2"})
	w.Upsert(Participant{ChannelID: "c", ID: "3"})
	w.Upsert(Participant{ChannelID: "c", ID: "4"})

	if got := m.Get(metrics.RegistryDropped); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.RegistryDropped, got)
	}

	close(reg.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	rows, _ := reg.List(context.Background(), "c")
	if len(rows) != 2 {
		t.Fatalf("rows=%+v, want the two accepted writes", rows)
	}
}

func TestAsyncWriter_CountsFailures(t *testing.T) {
	m := metrics.New()
	w := NewAsyncWriter(failingRegistry{NewMemory()}, AsyncOptions{Metrics: m})
	w.Delete("c", "1")
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := m.Get(metrics.RegistryFailed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.RegistryFailed, got)
	}
}

func TestAsyncWriter_SubmitAfterCloseIsIgnored(t *testing.T) {
	mem := NewMemory()
	w := NewAsyncWriter(mem, AsyncOptions{})
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	w.Upsert(Participant{ChannelID: "c", ID: "1"})
	if err := w.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush on closed writer to fail")
	}
	rows, _ := mem.List(context.Background(), "c")
	if len(rows) != 0 {
		t.Fatalf("rows=%+v, want none", rows)
	}
}
