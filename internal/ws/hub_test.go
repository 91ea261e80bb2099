package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type memorySubscriber struct {
	mu       sync.Mutex
	received [][]byte
	sendErr  error
	closed   bool
}

func (m *memorySubscriber) Send(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, append([]byte(nil), payload...))
	return nil
}

func (m *memorySubscriber) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *memorySubscriber) messages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.received...)
}

func (m *memorySubscriber) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBroadcastReachesInstanceSubscribers(t *testing.T) {
	hub := NewHub()
	subA := &memorySubscriber{}
	subB := &memorySubscriber{}
	hub.Register("inst-1", subA)
	hub.Register("inst-2", subB)

	hub.Broadcast("inst-1", []byte(`{"status":"running"}`))

	waitFor(t, func() bool { return len(subA.messages()) == 1 })
	if len(subB.messages()) != 0 {
		t.Fatal("subscriber of another instance received the event")
	}
}

func TestBroadcastNoSubscribersIsSilent(t *testing.T) {
	hub := NewHub()
	hub.Broadcast("inst-none", []byte("x"))
}

func TestUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub()
	sub := &memorySubscriber{}
	hub.Register("inst-1", sub)
	hub.Unregister("inst-1", sub)

	hub.Broadcast("inst-1", []byte("after"))
	time.Sleep(20 * time.Millisecond)
	if len(sub.messages()) != 0 {
		t.Fatal("unregistered subscriber still receiving")
	}
}

func TestFailedSendEvictsSubscriber(t *testing.T) {
	hub := NewHub()
	bad := &memorySubscriber{sendErr: errors.New("write: broken pipe")}
	good := &memorySubscriber{}
	hub.Register("inst-1", bad)
	hub.Register("inst-1", good)

	hub.Broadcast("inst-1", []byte("one"))
	waitFor(t, func() bool { return len(good.messages()) == 1 })
	waitFor(t, bad.isClosed)

	hub.Broadcast("inst-1", []byte("two"))
	waitFor(t, func() bool { return len(good.messages()) == 2 })
}
