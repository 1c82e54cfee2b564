// Package ringbuffer provides a fixed-capacity, overwrite-oldest history buffer
package ringbuffer

import (
	"errors"
	"sync"
	"unsafe"
)

// headerBytes 缓冲区自身字段的近似开销
const headerBytes = 64

// ErrInvalidCapacity 容量必须为正数
var ErrInvalidCapacity = errors.New("ringbuffer: capacity must be positive")

// Snapshot 环形缓冲区的只读快照
type Snapshot[T any] struct {
	Items          []T   `json:"items"`
	Capacity       int   `json:"capacity"`
	Size           int   `json:"size"`
	TotalWritten   int64 `json:"total_written"`
	Overwritten    int64 `json:"overwritten"`
	EstimatedBytes int64 `json:"estimated_bytes"`
}

// RingBuffer 固定容量环形缓冲区，写满后覆盖最旧的元素
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int // 最旧元素的物理位置
	size  int
	total int64
}

// New 创建指定容量的环形缓冲区
func New[T any](capacity int) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}, nil
}

// Push O(1) 写入，写满时覆盖最旧元素
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.buf)
	idx := (r.head + r.size) % capacity
	r.buf[idx] = item
	if r.size < capacity {
		r.size++
	} else {
		r.head = (r.head + 1) % capacity
	}
	r.total++
}

// Get 按逻辑位置读取，0 为最旧元素
func (r *RingBuffer[T]) Get(i int) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if i < 0 || i >= r.size {
		return zero, false
	}
	return r.buf[(r.head+i)%len(r.buf)], true
}

// Recent 返回最近 n 个元素，按从旧到新排列
func (r *RingBuffer[T]) Recent(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 {
		return []T{}
	}
	if n > r.size {
		n = r.size
	}
	return r.copyLocked(r.size-n, n)
}

// All 返回全部元素，按从旧到新排列
func (r *RingBuffer[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyLocked(0, r.size)
}

// Len 当前元素数量
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap 容量
func (r *RingBuffer[T]) Cap() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

// TotalWritten 累计写入数量
func (r *RingBuffer[T]) TotalWritten() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Overwritten 被覆盖丢弃的数量
func (r *RingBuffer[T]) Overwritten() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overwrittenLocked()
}

// Resize 调整容量，保留最近的 min(size, n) 个元素
func (r *RingBuffer[T]) Resize(n int) error {
	if n <= 0 {
		return ErrInvalidCapacity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if n == len(r.buf) {
		return nil
	}

	keep := r.size
	if keep > n {
		keep = n
	}
	items := r.copyLocked(r.size-keep, keep)

	r.buf = make([]T, n)
	copy(r.buf, items)
	r.head = 0
	r.size = keep
	return nil
}

// Clear 清空元素，保留累计写入计数
func (r *RingBuffer[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.size = 0
}

// Snapshot 返回一致性快照
func (r *RingBuffer[T]) Snapshot() Snapshot[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	elem := int64(unsafe.Sizeof(zero))

	return Snapshot[T]{
		Items:          r.copyLocked(0, r.size),
		Capacity:       len(r.buf),
		Size:           r.size,
		TotalWritten:   r.total,
		Overwritten:    r.overwrittenLocked(),
		EstimatedBytes: headerBytes + int64(r.size)*elem,
	}
}

// overwrittenLocked 即 max(0, total - capacity)
func (r *RingBuffer[T]) overwrittenLocked() int64 {
	lost := r.total - int64(len(r.buf))
	if lost < 0 {
		return 0
	}
	return lost
}

// copyLocked 复制逻辑区间 [start, start+n)
func (r *RingBuffer[T]) copyLocked(start, n int) []T {
	out := make([]T, n)
	capacity := len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+start+i)%capacity]
	}
	return out
}
