package relay

import (
	"testing"
	"time"
)

func TestSendQueue_ByteBudget(t *testing.T) {
	drops := 0
	q := newSendQueue(10, func() { drops++ })

	if !q.Enqueue([]byte("hello")) || !q.Enqueue([]byte("world")) {
		t.Fatalf("expected both frames to fit")
	}
	if q.Enqueue([]byte("!")) {
		t.Fatalf("expected frame over budget to be dropped")
	}
	if got := q.DropCount(); got != 1 || drops != 1 {
		t.Fatalf("drops=%d callback=%d, want 1", got, drops)
	}

	frame, ok := q.Dequeue()
	if !ok || string(frame) != "hello" {
		t.Fatalf("Dequeue=%q,%v, want hello,true", frame, ok)
	}
	if !q.Enqueue([]byte("!")) {
		t.Fatalf("expected frame to fit after dequeue")
	}
}

func TestSendQueue_CloseWakesReader(t *testing.T) {
	q := newSendQueue(1024, nil)
	got := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		got <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case ok := <-got:
		if ok {
			t.Fatalf("Dequeue after Close ok=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Dequeue did not return after Close")
	}
	if q.Enqueue([]byte("x")) {
		t.Fatalf("Enqueue after Close accepted")
	}
}
