package executor

import (
	"context"
	"sync"
	"sync/atomic"
)

// slots 有界并发队列，超出容量的调用方在 Acquire 上排队
type slots struct {
	sem     chan struct{}
	waiting atomic.Int64
	active  atomic.Int64
}

func newSlots(n int) *slots {
	return &slots{sem: make(chan struct{}, n)}
}

func (s *slots) Acquire(ctx context.Context) error {
	s.waiting.Add(1)
	defer s.waiting.Add(-1)

	select {
	case s.sem <- struct{}{}:
		s.active.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slots) Release() {
	s.active.Add(-1)
	<-s.sem
}

// QueueLength 正在等待并发名额的任务数
func (s *slots) QueueLength() int {
	return int(s.waiting.Load())
}

// Active 正在执行的任务数
func (s *slots) Active() int {
	return int(s.active.Load())
}

// tracker 统计进行中的执行，可在计数归零时被等待，允许等待期间继续 add
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func newTracker() *tracker {
	t := &tracker{idle: make(chan struct{})}
	close(t.idle)
	return t
}

func (t *tracker) add() {
	t.mu.Lock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	ch := t.idle
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
