package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case e := <-sub:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventInstanceRemoved, Group: "acme", Server: "site-1", Key: "instances/b:2"})

	for _, sub := range []Subscriber{s1, s2} {
		e := receive(t, sub)
		assert.Equal(t, EventInstanceRemoved, e.Type)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}

	b.Unsubscribe(s1)
	b.Unsubscribe(s1)
	assert.Equal(t, 1, b.SubscriberCount())
	_, open := <-s1
	assert.False(t, open)
}

func TestBrokerStopUnblocksPublish(t *testing.T) {
	b := NewBroker()
	b.Stop()
	b.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Type: EventSyncCompleted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on stopped broker")
	}
}

func TestRecorderFilter(t *testing.T) {
	var r Recorder
	r.Publish(&Event{Type: EventInstanceRemoved})
	r.Publish(&Event{Type: EventGroupServersChanged})
	r.Publish(&Event{Type: EventSystemRemoved})

	assert.Len(t, r.Events(), 3)
	assert.Len(t, r.Events(EventInstanceRemoved, EventSystemRemoved), 2)

	r.Reset()
	assert.Empty(t, r.Events())
}

func TestBrokerBridge(t *testing.T) {
	var r Recorder
	bridge := NewBrokerBridge(&r)

	require.NoError(t, bridge.SyncStarted(context.Background(), "acme", "site-1"))
	got := r.Events(EventSyncStarted)
	require.Len(t, got, 1)
	assert.Equal(t, "site-1", got[0].Server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, bridge.SyncStarted(ctx, "acme", "site-1"))

	assert.NoError(t, NoopBridge{}.SyncStarted(ctx, "acme", "site-1"))
}

type fakeNATS struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgs == nil {
		f.msgs = make(map[string][][]byte)
	}
	f.msgs[subject] = append(f.msgs[subject], data)
	return nil
}

func (f *fakeNATS) count(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs[subject])
}

func TestForwarder(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	pub := &fakeNATS{}
	f := newForwarder(b, pub)
	f.Start()

	b.Publish(&Event{Type: EventGroupServersChanged, Group: "acme"})

	subject := SubjectPrefix + string(EventGroupServersChanged)
	require.Eventually(t, func() bool { return pub.count(subject) == 1 }, time.Second, 5*time.Millisecond)
	f.Stop()

	var e Event
	require.NoError(t, json.Unmarshal(pub.msgs[subject][0], &e))
	assert.Equal(t, "acme", e.Group)
}
