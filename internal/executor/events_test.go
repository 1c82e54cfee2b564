package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whrit/flow-agent-sub011/internal/pool"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	_, ch1 := b.Subscribe(4)
	_, ch2 := b.Subscribe(4)
	assert.Equal(t, 2, b.Subscribers())

	b.OnEvent(Event{Type: EventTaskCompleted, TaskID: "t1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventTaskCompleted, ev.Type)
			assert.Equal(t, "t1", ev.TaskID)
			assert.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("订阅者应收到事件")
		}
	}
}

func TestBroadcaster_DropsWhenSubscriberFull(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	_, ch := b.Subscribe(1)
	b.OnEvent(Event{Type: EventTaskCompleted})
	b.OnEvent(Event{Type: EventTaskFailed})

	assert.Equal(t, int64(1), b.Dropped())
	ev := <-ch
	assert.Equal(t, EventTaskCompleted, ev.Type)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	id, ch := b.Subscribe(1)
	b.Unsubscribe(id)
	b.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok, "取消订阅后通道应关闭")
	assert.Equal(t, 0, b.Subscribers())
}

func TestBroadcaster_CloseClosesSubscribers(t *testing.T) {
	b := NewBroadcaster()
	_, ch := b.Subscribe(1)
	b.Close()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// 关闭后订阅得到已关闭的通道
	id, late := b.Subscribe(1)
	assert.Equal(t, -1, id)
	_, ok = <-late
	assert.False(t, ok)

	b.OnEvent(Event{Type: EventTaskCompleted})
}

func TestBroadcaster_AdaptsPoolEvents(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()
	_, ch := b.Subscribe(1)

	var listener pool.Listener = b
	listener.OnPoolEvent(pool.Event{
		Type:         pool.EventConnectionDestroyed,
		ConnectionID: 7,
		Reason:       pool.ReasonIdle,
	})

	ev := <-ch
	require.Equal(t, EventConnectionDestroyed, ev.Type)
	assert.Equal(t, uint64(7), ev.ConnectionID)
	assert.Equal(t, pool.ReasonIdle, ev.Reason)
}
