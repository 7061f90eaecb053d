// ABOUTME: Tests for the event broadcaster
// ABOUTME: Covers filtering, id ordering, slow subscriber eviction and failing subscriber isolation

package events

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
)

// collector records delivered events.
type collector struct {
	mu     sync.Mutex
	events []*protocol.Event
}

func (c *collector) cb(ev *protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Event)
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) ids() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.ID)
	}
	return out
}

type atomicFlag struct{ v atomic.Bool }

func (f *atomicFlag) set() { f.v.Store(true) }
func (f *atomicFlag) get() bool { return f.v.Load() }

func mustSubscribe(t *testing.T, b *Broadcaster, cb Callback, f Filter, opts ...SubscribeOption) string {
	t.Helper()
	id, err := b.Subscribe(cb, f, opts...)
	require.NoError(t, err)
	return id
}

func TestFilter_Matches(t *testing.T) {
	tests := []struct {
		name    string
		filter  Filter
		event   string
		session string
		want    bool
	}{
		{"empty matches all", Filter{}, "chat.delta", "s1", true},
		{"empty matches global", Filter{}, "presence", "", true},
		{"session match", Filter{SessionKey: "s1"}, "chat.delta", "s1", true},
		{"session mismatch", Filter{SessionKey: "s1"}, "chat.delta", "s2", false},
		{"session filter excludes global", Filter{SessionKey: "s1"}, "presence", "", false},
		{"prefix match", Filter{Prefix: "chat."}, "chat.delta", "s1", true},
		{"prefix mismatch", Filter{Prefix: "chat."}, "cron.run", "s1", false},
		{"both match", Filter{SessionKey: "s1", Prefix: "chat"}, "chat.final", "s1", true},
		{"both one fails", Filter{SessionKey: "s1", Prefix: "chat"}, "agent.run", "s1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.event, tt.session))
		})
	}
}

func TestBroadcaster_EmitReturnsStampedEvent(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	b := NewBroadcaster(nil, WithClock(func() time.Time { return fixed }))
	defer b.Close()

	ev := b.Emit("chat.delta", map[string]string{"text": "hi"}, "s1")
	assert.Equal(t, protocol.TypeEvent, ev.Type)
	assert.Equal(t, uint64(1), ev.ID)
	assert.Equal(t, fixed.UnixMilli(), ev.At)
	assert.Equal(t, "chat.delta", ev.Event)
	assert.Equal(t, "s1", ev.SessionKey)
	assert.JSONEq(t, `{"text":"hi"}`, string(ev.Payload))

	ev2 := b.Emit("tick", nil, "")
	assert.Equal(t, uint64(2), ev2.ID)
	assert.Nil(t, ev2.Payload)
}

func TestBroadcaster_AtNeverGoesBackwards(t *testing.T) {
	times := []time.Time{time.UnixMilli(2000), time.UnixMilli(1000)}
	i := 0
	b := NewBroadcaster(nil, WithClock(func() time.Time {
		ts := times[i]
		i++
		return ts
	}))
	defer b.Close()

	first := b.Emit("a", nil, "")
	second := b.Emit("b", nil, "")
	assert.Equal(t, int64(2000), first.At)
	assert.Equal(t, int64(2000), second.At)
	assert.Greater(t, second.ID, first.ID)
}

func TestBroadcaster_UnfilteredSubscriberReceivesEverything(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	c := &collector{}
	mustSubscribe(t, b, c.cb, Filter{})

	b.Emit("a", nil, "s1")
	b.Emit("b", nil, "s2")
	b.Emit("c", nil, "")

	require.Eventually(t, func() bool { return c.len() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, c.names())
}

func TestBroadcaster_SessionFilterIsolation(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	s1 := &collector{}
	all := &collector{}
	mustSubscribe(t, b, s1.cb, Filter{SessionKey: "s1"})
	mustSubscribe(t, b, all.cb, Filter{})

	b.Emit("x", nil, "s2")
	b.Emit("y", nil, "s1")
	b.Emit("z", nil, "s2")

	require.Eventually(t, func() bool { return all.len() == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s1.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"y"}, s1.names())
}

func TestBroadcaster_PrefixFilter(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	c := &collector{}
	mustSubscribe(t, b, c.cb, Filter{Prefix: "cron."})

	b.Emit("chat.delta", nil, "s1")
	b.Emit("cron.run", nil, "")
	b.Emit("cron.finished", nil, "")

	require.Eventually(t, func() bool { return c.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"cron.run", "cron.finished"}, c.names())
}

func TestBroadcaster_ConcurrentEmitDeliversInIDOrder(t *testing.T) {
	b := NewBroadcaster(nil, WithSubscriberBuffer(4096))
	defer b.Close()

	c := &collector{}
	mustSubscribe(t, b, c.cb, Filter{})

	const emitters = 8
	const perEmitter = 250

	var wg sync.WaitGroup
	for range emitters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perEmitter {
				b.Emit("tick", nil, "")
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return c.len() == emitters*perEmitter }, 2*time.Second, 5*time.Millisecond)
	ids := c.ids()
	for i := 1; i < len(ids); i++ {
		require.Greater(t, ids[i], ids[i-1], "arrival order must equal id order at %d", i)
	}
	assert.Equal(t, uint64(emitters*perEmitter), ids[len(ids)-1])
}

func TestBroadcaster_FailingSubscriberDoesNotAffectOthers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	good := &collector{}
	mustSubscribe(t, b, func(*protocol.Event) error { return errors.New("socket gone") }, Filter{})
	mustSubscribe(t, b, func(*protocol.Event) error { panic("boom") }, Filter{})
	mustSubscribe(t, b, good.cb, Filter{})

	assert.NotPanics(t, func() {
		b.Emit("a", nil, "")
		b.Emit("b", nil, "")
	})

	require.Eventually(t, func() bool { return good.len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_SlowSubscriberIsEvicted(t *testing.T) {
	var mu sync.Mutex
	var evicted int
	b := NewBroadcaster(nil,
		WithSubscriberBuffer(1),
		WithEmitObserver(func(_ string, _, n int) {
			mu.Lock()
			evicted += n
			mu.Unlock()
		}))
	defer b.Close()

	release := make(chan struct{})
	overflowed := make(chan struct{})
	c := &collector{}
	mustSubscribe(t, b, func(ev *protocol.Event) error {
		<-release
		return c.cb(ev)
	}, Filter{}, OnOverflow(func() { close(overflowed) }))

	done := make(chan struct{})
	go func() {
		for range 10 {
			b.Emit("flood", nil, "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a slow subscriber")
	}
	select {
	case <-overflowed:
	case <-time.After(time.Second):
		t.Fatal("overflow handler not called")
	}
	close(release)

	assert.Equal(t, 0, b.SubscriberCount())
	mu.Lock()
	assert.Equal(t, 1, evicted, "a subscriber is evicted once")
	mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, c.len(), 1, "queued events are discarded after eviction")
}

func TestBroadcaster_UnfilteredSubscriberSeesEveryEventOrIsEvicted(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var evicted atomicFlag
	c := &collector{}
	mustSubscribe(t, b, func(ev *protocol.Event) error {
		time.Sleep(time.Millisecond)
		return c.cb(ev)
	}, Filter{}, OnOverflow(evicted.set))

	const total = 200
	for i := range total {
		b.Emit("x.y", i, "")
	}

	require.Eventually(t, func() bool {
		return evicted.get() || c.len() == total
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	ids := c.ids()
	for i, id := range ids {
		require.Equal(t, uint64(i+1), id, "no gap while subscribed")
	}
	if !evicted.get() {
		assert.Len(t, ids, total)
	}
}

func TestBroadcaster_EmitToQueuesBehindEarlierEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	c := &collector{}
	id := mustSubscribe(t, b, c.cb, Filter{Prefix: "chat."})

	b.Emit("chat.a", nil, "s1")
	direct, err := b.EmitTo(id, "tool.approve", json.RawMessage(`{"requestId":"r1"}`), "s1")
	require.NoError(t, err)
	b.Emit("chat.b", nil, "s1")

	require.Eventually(t, func() bool { return c.len() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"chat.a", "tool.approve", "chat.b"}, c.names(), "filter is bypassed, order kept")
	assert.Equal(t, []uint64{1, 2, 3}, c.ids())
	assert.JSONEq(t, `{"requestId":"r1"}`, string(direct.Payload))

	_, err = b.EmitTo("missing", "tool.approve", nil, "")
	assert.ErrorIs(t, err, ErrUnknownSubscription)
}

func TestBroadcaster_EmitToOverflowEvicts(t *testing.T) {
	b := NewBroadcaster(nil, WithSubscriberBuffer(1))
	defer b.Close()

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 1)
	id := mustSubscribe(t, b, func(*protocol.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, Filter{})

	b.Emit("a", nil, "")
	<-started
	_, err := b.EmitTo(id, "b", nil, "")
	require.NoError(t, err)
	_, err = b.EmitTo(id, "c", nil, "")
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroadcaster_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	c := &collector{}
	id := mustSubscribe(t, b, c.cb, Filter{})
	assert.Equal(t, 1, b.SubscriberCount())

	b.Emit("before", nil, "")
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id))
	assert.Equal(t, 0, b.SubscriberCount())

	b.Emit("after", nil, "")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"before"}, c.names())
}

func TestBroadcaster_StampSharesSequence(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	c := &collector{}
	mustSubscribe(t, b, c.cb, Filter{})

	e1 := b.Emit("a", nil, "")
	direct := b.Stamp("direct", json.RawMessage(`{"requestId":"r1"}`), "s1")
	e2 := b.Emit("b", nil, "")

	assert.Equal(t, e1.ID+1, direct.ID)
	assert.Equal(t, direct.ID+1, e2.ID)
	assert.JSONEq(t, `{"requestId":"r1"}`, string(direct.Payload))

	require.Eventually(t, func() bool { return c.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, c.names(), "stamped events are not delivered")
}

func TestBroadcaster_UnencodablePayloadStillEmits(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ev := b.Emit("bad", make(chan int), "")
	assert.Equal(t, uint64(1), ev.ID)
	assert.Nil(t, ev.Payload)
}

func TestBroadcaster_CloseRejectsSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	c := &collector{}
	mustSubscribe(t, b, c.cb, Filter{})

	b.Close()
	b.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	_, err := b.Subscribe(c.cb, Filter{})
	assert.ErrorIs(t, err, ErrClosed)

	ev := b.Emit("late", nil, "")
	assert.NotNil(t, ev)
}
