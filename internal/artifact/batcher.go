package artifact

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/whrit/flow-agent-sub011/internal/core"
)

const writeTimeout = 10 * time.Second

// BatcherConfig configures the artifact batcher
type BatcherConfig struct {
	MaxBatch      int
	FlushInterval time.Duration
}

// BatcherStats 批量写入统计
type BatcherStats struct {
	Pending int   `json:"pending"`
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Flushes int64 `json:"flushes"`
}

// Batcher 攒批写入产物，达到 MaxBatch 或定时触发写入；写入失败只记录日志
type Batcher struct {
	store  Store
	config BatcherConfig
	logger zerolog.Logger

	mu      sync.Mutex
	pending []*Artifact
	closed  bool

	// flushMu 串行化对 store 的写入
	flushMu sync.Mutex
	kick    chan struct{}

	written atomic.Int64
	failed  atomic.Int64
	flushes atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBatcher creates a new artifact batcher and starts its flush loop
func NewBatcher(store Store, config BatcherConfig) *Batcher {
	if config.MaxBatch <= 0 {
		config.MaxBatch = 50
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	b := &Batcher{
		store:   store,
		config:  config,
		logger:  core.GetLogger(core.ComponentArtifact),
		pending: make([]*Artifact, 0, config.MaxBatch),
		kick:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	b.wg.Add(1)
	go b.flushLoop()

	return b
}

// Submit 加入待写队列，不阻塞调用方
func (b *Batcher) Submit(a *Artifact) {
	if a == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn().Str("task_id", a.TaskID).Msg("Artifact submitted after close, dropping")
		return
	}
	b.pending = append(b.pending, a)
	full := len(b.pending) >= b.config.MaxBatch
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Flush 立即写入全部待写产物
func (b *Batcher) Flush(ctx context.Context) error {
	return b.flush(ctx)
}

// Close 写入剩余产物并停止后台协程，可重复调用
func (b *Batcher) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		b.cancel()
		b.wg.Wait()

		b.flushWithTimeout()
		err = b.store.Close()
	})
	return err
}

// Stats 返回统计快照
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()

	return BatcherStats{
		Pending: pending,
		Written: b.written.Load(),
		Failed:  b.failed.Load(),
		Flushes: b.flushes.Load(),
	}
}

func (b *Batcher) flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = make([]*Artifact, 0, b.config.MaxBatch)
	b.mu.Unlock()

	b.flushes.Add(1)
	if err := b.store.SaveBatch(ctx, batch); err != nil {
		b.failed.Add(int64(len(batch)))
		b.logger.Error().Err(err).Int("count", len(batch)).Msg("Failed to write artifact batch")
		return core.NewErrorWithErr(core.ErrArtifactWrite, err)
	}

	b.written.Add(int64(len(batch)))
	b.logger.Debug().Int("count", len(batch)).Msg("Artifact batch written")
	return nil
}

// flushWithTimeout 后台写入不受 Close 取消影响，以免丢失进行中的批次
func (b *Batcher) flushWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = b.flush(ctx)
}

// flushLoop runs the periodic flush
func (b *Batcher) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.flushWithTimeout()
		case <-b.kick:
			b.flushWithTimeout()
		}
	}
}
