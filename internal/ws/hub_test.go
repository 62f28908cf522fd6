package ws

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"example.com/backstage/services/monitor/internal/core"
	"github.com/sirupsen/logrus"
)

func testHub() *Hub {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewHub(logger)
}

// addClient wires a viewer into the hub without a real connection.
func addClient(h *Hub, id string, buffer int) *Client {
	c := &Client{hub: h, send: make(chan []byte, buffer), id: id}
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()
	return c
}

func TestBroadcastReachesAllViewers(t *testing.T) {
	h := testHub()
	a := addClient(h, "a", 4)
	b := addClient(h, "b", 4)

	h.Broadcast(core.Event{Type: core.EventQueueUpdate, Data: map[string]interface{}{"device_id": 1}})

	for _, c := range []*Client{a, b} {
		select {
		case raw := <-c.send:
			var event core.Event
			if err := json.Unmarshal(raw, &event); err != nil {
				t.Fatalf("invalid event payload: %v", err)
			}
			if event.Type != core.EventQueueUpdate {
				t.Fatalf("expected queue_update, got %s", event.Type)
			}
		default:
			t.Fatalf("viewer %s received nothing", c.id)
		}
	}
}

func TestBroadcastSkipsFullViewer(t *testing.T) {
	h := testHub()
	slow := addClient(h, "slow", 1)
	fast := addClient(h, "fast", 4)

	// Fill the slow viewer's buffer.
	slow.send <- []byte("{}")

	done := make(chan struct{})
	go func() {
		h.Broadcast(core.Event{Type: core.EventDeviceStatusUpdate})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full viewer buffer")
	}

	select {
	case <-fast.send:
	default:
		t.Fatal("fast viewer should still receive the event")
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	h := testHub()
	go h.Run()

	c := &Client{hub: h, send: make(chan []byte, 1), id: "viewer-1"}
	h.register <- c

	deadline := time.After(time.Second)
	for h.ViewerCount() != 1 {
		select {
		case <-deadline:
			t.Fatal("viewer was not registered")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	h.unregister <- c
	deadline = time.After(time.Second)
	for h.ViewerCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("viewer was not unregistered")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if _, ok := <-c.send; ok {
		t.Fatal("expected send channel closed on unregister")
	}
}
