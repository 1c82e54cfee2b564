package pool

import "time"

// Connection 池化连接，同一时刻最多一个借用者
type Connection[R Resource] struct {
	id        uint64
	resource  R
	createdAt time.Time

	// 以下字段由连接池在持锁状态下修改
	inUse      bool
	lastUsedAt time.Time
	useCount   int64
}

// ID 连接编号，单调递增
func (c *Connection[R]) ID() uint64 { return c.id }

// Resource 底层资源
func (c *Connection[R]) Resource() R { return c.resource }

// CreatedAt 创建时间
func (c *Connection[R]) CreatedAt() time.Time { return c.createdAt }

// UseCount 被借出的次数，仅借用者在持有期间读取
func (c *Connection[R]) UseCount() int64 { return c.useCount }

type acquireResult[R Resource] struct {
	conn *Connection[R]
	err  error
}

// waiter 排队等待的 Acquire 调用，done 只在持有池锁时修改
type waiter[R Resource] struct {
	ch         chan acquireResult[R]
	enqueuedAt time.Time
	done       bool
}
