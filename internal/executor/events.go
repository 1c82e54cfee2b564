package executor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/whrit/flow-agent-sub011/internal/core"
	"github.com/whrit/flow-agent-sub011/internal/pool"
)

// EventType 生命周期事件类型
type EventType string

const (
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCacheHit  EventType = "task.cache_hit"
	EventTaskSlow      EventType = "task.slow"

	EventConnectionCreated   = EventType(pool.EventConnectionCreated)
	EventConnectionDestroyed = EventType(pool.EventConnectionDestroyed)
	EventAcquireTimeout      = EventType(pool.EventAcquireTimeout)
)

// Event 任务与连接的生命周期事件
type Event struct {
	Type         EventType      `json:"type"`
	TaskID       string         `json:"task_id,omitempty"`
	ConnectionID uint64         `json:"connection_id,omitempty"`
	Duration     time.Duration  `json:"duration,omitempty"`
	ErrorCode    core.ErrorCode `json:"error_code,omitempty"`
	Error        string         `json:"error,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Time         time.Time      `json:"time"`
}

// Observer 接收生命周期事件，实现方不得阻塞
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc 函数适配器
type ObserverFunc func(Event)

// OnEvent implements Observer
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Broadcaster 把事件扇出给多个订阅者，订阅者通道满时丢弃该事件
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool

	dropped atomic.Int64
}

// NewBroadcaster 创建事件广播器
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe 订阅事件，返回订阅 id 与只读通道
func (b *Broadcaster) Subscribe(buffer int) (int, <-chan Event) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return -1, ch
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe 取消订阅并关闭通道
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// OnEvent implements Observer
func (b *Broadcaster) OnEvent(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// OnPoolEvent 适配 pool.Listener
func (b *Broadcaster) OnPoolEvent(e pool.Event) {
	b.OnEvent(fromPoolEvent(e))
}

// Subscribers 当前订阅者数量
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped 因订阅者过慢丢弃的事件数
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close 关闭全部订阅通道
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func fromPoolEvent(e pool.Event) Event {
	return Event{
		Type:         EventType(e.Type),
		ConnectionID: e.ConnectionID,
		Duration:     e.Waited,
		Reason:       e.Reason,
		Time:         e.Time,
	}
}

// multiObserver 依次通知多个观察者
type multiObserver []Observer

func (m multiObserver) OnEvent(e Event) {
	for _, o := range m {
		o.OnEvent(e)
	}
}
