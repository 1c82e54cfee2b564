package pool

import "time"

// EventType 连接池事件类型
type EventType string

const (
	EventConnectionCreated   EventType = "pool.connection_created"
	EventConnectionDestroyed EventType = "pool.connection_destroyed"
	EventAcquireTimeout      EventType = "pool.acquire_timeout"
)

// 连接销毁原因
const (
	ReasonUnhealthy = "unhealthy"
	ReasonIdle      = "idle_timeout"
	ReasonDrain     = "drain"
)

// Event 连接池生命周期事件
type Event struct {
	Type         EventType     `json:"type"`
	ConnectionID uint64        `json:"connection_id,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Waited       time.Duration `json:"waited,omitempty"`
	Time         time.Time     `json:"time"`
}

// Listener 接收连接池事件，实现方不得阻塞
type Listener interface {
	OnPoolEvent(Event)
}

// ListenerFunc 函数适配器
type ListenerFunc func(Event)

// OnPoolEvent implements Listener
func (f ListenerFunc) OnPoolEvent(e Event) { f(e) }
