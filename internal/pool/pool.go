// Package pool provides a bounded pool of reusable remote-call handles
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whrit/flow-agent-sub011/internal/core"
)

const defaultDrainTimeout = 30 * time.Second

// Resource 可池化的资源
type Resource interface {
	Ping(ctx context.Context) error
	Close() error
}

// Factory 创建新资源
type Factory[R Resource] func(ctx context.Context) (R, error)

// State 连接池状态
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateDraining
	StateDrained
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// Config 连接池配置
type Config struct {
	Min              int
	Max              int
	AcquireTimeout   time.Duration
	IdleTimeout      time.Duration
	EvictionInterval time.Duration
	TestOnBorrow     bool
	DrainTimeout     time.Duration // 0 使用默认 30 秒
}

func (c Config) validate() error {
	switch {
	case c.Min < 0:
		return core.NewErrorWithDetail(core.ErrInvalidConfig, "pool min must not be negative")
	case c.Max < 1:
		return core.NewErrorWithDetail(core.ErrInvalidConfig, "pool max must be at least 1")
	case c.Min > c.Max:
		return core.NewErrorWithDetail(core.ErrInvalidConfig, "pool min must not exceed max")
	case c.AcquireTimeout <= 0:
		return core.NewErrorWithDetail(core.ErrInvalidConfig, "pool acquire timeout must be positive")
	case c.IdleTimeout <= 0:
		return core.NewErrorWithDetail(core.ErrInvalidConfig, "pool idle timeout must be positive")
	case c.EvictionInterval <= 0:
		return core.NewErrorWithDetail(core.ErrInvalidConfig, "pool eviction interval must be positive")
	case c.DrainTimeout < 0:
		return core.NewErrorWithDetail(core.ErrInvalidConfig, "pool drain timeout must not be negative")
	}
	return nil
}

// Stats 连接池统计
type Stats struct {
	Total               int    `json:"total"`
	InUse               int    `json:"in_use"`
	Idle                int    `json:"idle"`
	Waiting             int    `json:"waiting"`
	Pending             int    `json:"pending"`
	Acquisitions        int64  `json:"acquisitions"`
	Created             int64  `json:"created"`
	Destroyed           int64  `json:"destroyed"`
	Timeouts            int64  `json:"timeouts"`
	HealthCheckFailures int64  `json:"health_check_failures"`
	State               string `json:"state"`
}

type options struct {
	listener Listener
	logger   *zerolog.Logger
}

// Option 连接池可选项
type Option func(*options)

// WithListener 订阅连接池事件
func WithListener(l Listener) Option {
	return func(o *options) { o.listener = l }
}

// WithLogger 指定日志记录器
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// Pool 有界连接池
type Pool[R Resource] struct {
	factory  Factory[R]
	cfg      Config
	listener Listener
	logger   zerolog.Logger

	// mu 保护以下全部字段
	mu      sync.Mutex
	state   State
	conns   map[uint64]*Connection[R]
	idle    []*Connection[R] // 末尾为最近归还
	waiters *list.List       // *waiter[R]，FIFO
	inUse   int
	pending int // 正在创建的连接，计入 Max
	nextID  uint64
	drainCh chan struct{}

	acquisitions   int64
	created        int64
	destroyed      int64
	timeouts       int64
	healthFailures int64

	// bgCtx 在 Drain 时取消，用于后台补充创建
	bgCtx    context.Context
	bgCancel context.CancelFunc
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New 创建连接池，同步建立 Min 个连接后返回
func New[R Resource](ctx context.Context, factory Factory[R], cfg Config, opts ...Option) (*Pool[R], error) {
	if factory == nil {
		return nil, core.NewErrorWithDetail(core.ErrInvalidConfig, "pool factory is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool[R]{
		factory:  factory,
		cfg:      cfg,
		listener: o.listener,
		state:    StateInitializing,
		conns:    make(map[uint64]*Connection[R], cfg.Max),
		idle:     make([]*Connection[R], 0, cfg.Max),
		waiters:  list.New(),
		stopCh:   make(chan struct{}),
	}
	if o.logger != nil {
		p.logger = *o.logger
	} else {
		p.logger = core.GetLogger(core.ComponentPool)
	}
	p.bgCtx, p.bgCancel = context.WithCancel(context.Background())

	for i := 0; i < cfg.Min; i++ {
		res, err := factory(ctx)
		if err != nil {
			for _, c := range p.conns {
				_ = c.resource.Close()
			}
			p.bgCancel()
			return nil, core.NewErrorWithErr(core.ErrPoolCreateFailed, err)
		}
		conn := p.registerLocked(res)
		p.idle = append(p.idle, conn)
		p.emit(Event{Type: EventConnectionCreated, ConnectionID: conn.id})
	}

	p.state = StateReady

	p.wg.Add(1)
	go p.evictLoop()

	p.logger.Info().
		Int("min", cfg.Min).
		Int("max", cfg.Max).
		Dur("acquire_timeout", cfg.AcquireTimeout).
		Bool("test_on_borrow", cfg.TestOnBorrow).
		Msg("Connection pool ready")

	return p, nil
}

// Acquire 借出一个连接；池满时按 FIFO 排队，超时从入队时刻开始计算
func (p *Pool[R]) Acquire(ctx context.Context) (*Connection[R], error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.state != StateReady {
			p.mu.Unlock()
			return nil, core.NewError(core.ErrPoolClosed)
		}

		// 1. 复用空闲连接
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.reserveLocked(conn)
			if !p.cfg.TestOnBorrow {
				p.commitLocked(conn)
				p.mu.Unlock()
				return conn, nil
			}
			p.mu.Unlock()

			if err := conn.resource.Ping(ctx); err != nil {
				// 调用方超时或取消导致的失败不算健康检查失败，连接放回
				if ctxErr := ctx.Err(); ctxErr != nil {
					p.mu.Lock()
					p.releaseLocked(conn)
					p.mu.Unlock()
					return nil, ctxErr
				}
				p.discardUnhealthy(conn, err)
				continue
			}

			p.mu.Lock()
			if p.state != StateReady {
				p.releaseLocked(conn)
				p.mu.Unlock()
				return nil, core.NewError(core.ErrPoolClosed)
			}
			p.commitLocked(conn)
			p.mu.Unlock()
			return conn, nil
		}

		// 2. 未达上限时按需创建
		if len(p.conns)+p.pending < p.cfg.Max {
			p.pending++
			p.mu.Unlock()
			return p.createForCaller(ctx)
		}

		// 3. 排队等待
		w := &waiter[R]{ch: make(chan acquireResult[R], 1), enqueuedAt: time.Now()}
		elem := p.waiters.PushBack(w)
		p.mu.Unlock()

		return p.wait(ctx, w, elem)
	}
}

// Release 归还连接；有等待者时直接移交给最早的等待者
func (p *Pool[R]) Release(conn *Connection[R]) error {
	p.mu.Lock()
	if p.state == StateDrained {
		// 排空超时后已被强制关闭
		p.mu.Unlock()
		return nil
	}
	if conn == nil || p.conns[conn.id] != conn || !conn.inUse {
		p.mu.Unlock()
		return core.NewError(core.ErrPoolInvalid)
	}
	conn.lastUsedAt = time.Now()
	p.releaseLocked(conn)
	p.mu.Unlock()
	return nil
}

// Drain 停止借出、拒绝全部等待者、等待借出的连接归还后销毁所有连接
// 重复调用直接返回 nil
func (p *Pool[R]) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateReady {
		p.mu.Unlock()
		return nil
	}
	p.state = StateDraining

	rejected := p.waiters.Len()
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter[R])
		w.done = true
		w.ch <- acquireResult[R]{err: core.NewError(core.ErrPoolClosed)}
	}
	p.waiters.Init()

	var waitCh chan struct{}
	inUse := p.inUse
	if inUse > 0 {
		p.drainCh = make(chan struct{})
		waitCh = p.drainCh
	}
	p.mu.Unlock()

	p.logger.Info().
		Int("in_use", inUse).
		Int("rejected_waiters", rejected).
		Msg("Draining connection pool")

	close(p.stopCh)
	p.bgCancel()

	var drainErr error
	if waitCh != nil {
		timer := time.NewTimer(p.cfg.DrainTimeout)
		select {
		case <-waitCh:
		case <-timer.C:
			drainErr = core.NewErrorWithDetail(core.ErrPoolDrainTimeout, p.cfg.DrainTimeout.String())
		case <-ctx.Done():
			drainErr = core.NewErrorWithErr(core.ErrPoolDrainTimeout, ctx.Err())
		}
		timer.Stop()
	}

	p.wg.Wait()

	p.mu.Lock()
	p.state = StateDrained
	victims := make([]*Connection[R], 0, len(p.conns))
	for id, c := range p.conns {
		victims = append(victims, c)
		delete(p.conns, id)
	}
	leaked := p.inUse
	p.idle = p.idle[:0]
	p.inUse = 0
	p.destroyed += int64(len(victims))
	p.mu.Unlock()

	for _, c := range victims {
		p.closeResource(c, ReasonDrain)
	}

	if drainErr != nil {
		p.logger.Warn().
			Err(drainErr).
			Int("in_use", leaked).
			Msg("Connection pool drain timed out, remaining connections closed")
		return drainErr
	}

	p.logger.Info().Int("closed", len(victims)).Msg("Connection pool drained")
	return nil
}

// Stats 返回统计快照
func (p *Pool[R]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Total:               len(p.conns),
		InUse:               p.inUse,
		Idle:                len(p.idle),
		Waiting:             p.waiters.Len(),
		Pending:             p.pending,
		Acquisitions:        p.acquisitions,
		Created:             p.created,
		Destroyed:           p.destroyed,
		Timeouts:            p.timeouts,
		HealthCheckFailures: p.healthFailures,
		State:               p.state.String(),
	}
}

// State 当前状态
func (p *Pool[R]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pool[R]) wait(ctx context.Context, w *waiter[R], elem *list.Element) (*Connection[R], error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.conn, res.err
	case <-timer.C:
		return p.abandon(w, elem, core.NewErrorWithDetail(core.ErrPoolTimeout, p.cfg.AcquireTimeout.String()), true)
	case <-ctx.Done():
		return p.abandon(w, elem, ctx.Err(), false)
	}
}

// abandon 放弃等待；若移交已先一步完成，则保留已分配的连接
func (p *Pool[R]) abandon(w *waiter[R], elem *list.Element, err error, timedOut bool) (*Connection[R], error) {
	p.mu.Lock()
	if w.done {
		p.mu.Unlock()
		res := <-w.ch
		return res.conn, res.err
	}
	w.done = true
	p.waiters.Remove(elem)
	if timedOut {
		p.timeouts++
	}
	p.mu.Unlock()

	if timedOut {
		waited := time.Since(w.enqueuedAt)
		p.emit(Event{Type: EventAcquireTimeout, Waited: waited})
		p.logger.Warn().Dur("waited", waited).Msg("Connection acquire timed out")
	}
	return nil, err
}

func (p *Pool[R]) createForCaller(ctx context.Context) (*Connection[R], error) {
	res, err := p.factory(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.refillLocked()
		p.mu.Unlock()
		p.logger.Error().Err(err).Msg("Failed to create connection")
		return nil, core.NewErrorWithErr(core.ErrPoolCreateFailed, err)
	}
	if p.state != StateReady {
		p.mu.Unlock()
		_ = res.Close()
		return nil, core.NewError(core.ErrPoolClosed)
	}
	conn := p.registerLocked(res)
	p.reserveLocked(conn)
	p.commitLocked(conn)
	p.mu.Unlock()

	p.emit(Event{Type: EventConnectionCreated, ConnectionID: conn.id})
	return conn, nil
}

// backfill 后台创建连接，成功后放入空闲列表或交给等待者
func (p *Pool[R]) backfill() {
	defer p.wg.Done()

	res, err := p.factory(p.bgCtx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		// 还有空余容量时等待者只能指望这次创建，直接让最早的等待者失败
		failed := false
		if p.state == StateReady && len(p.conns)+p.pending < p.cfg.Max {
			failed = p.failOldestWaiterLocked(core.NewErrorWithErr(core.ErrPoolCreateFailed, err))
		}
		p.mu.Unlock()
		p.logger.Warn().Err(err).Bool("waiter_failed", failed).Msg("Background connection creation failed")
		return
	}
	if p.state != StateReady {
		p.mu.Unlock()
		_ = res.Close()
		return
	}
	conn := p.registerLocked(res)
	p.putLocked(conn)
	p.mu.Unlock()

	p.emit(Event{Type: EventConnectionCreated, ConnectionID: conn.id})
}

// refillLocked 补足 Min，并为排队中的等待者补充创建，调用方须持有 p.mu
func (p *Pool[R]) refillLocked() {
	if p.state != StateReady {
		return
	}
	total := len(p.conns) + p.pending
	want := p.cfg.Min - total
	if n := p.waiters.Len() - p.pending; n > want {
		want = n
	}
	if room := p.cfg.Max - total; want > room {
		want = room
	}
	for i := 0; i < want; i++ {
		p.pending++
		p.wg.Add(1)
		go p.backfill()
	}
}

// failOldestWaiterLocked 以 err 结束最早的未完成等待者，调用方须持有 p.mu
func (p *Pool[R]) failOldestWaiterLocked(err error) bool {
	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		p.waiters.Remove(e)
		w := e.Value.(*waiter[R])
		if w.done {
			continue
		}
		w.done = true
		w.ch <- acquireResult[R]{err: err}
		return true
	}
	return false
}

func (p *Pool[R]) discardUnhealthy(conn *Connection[R], err error) {
	p.mu.Lock()
	p.healthFailures++
	conn.inUse = false
	p.inUse--
	delete(p.conns, conn.id)
	p.destroyed++
	p.signalDrainLocked()
	p.refillLocked()
	p.mu.Unlock()

	p.logger.Warn().
		Err(core.NewErrorWithErr(core.ErrPoolUnhealthy, err)).
		Uint64("connection_id", conn.id).
		Msg("Connection failed health check, destroying")
	p.closeResource(conn, ReasonUnhealthy)
}

func (p *Pool[R]) registerLocked(res R) *Connection[R] {
	p.nextID++
	now := time.Now()
	conn := &Connection[R]{
		id:         p.nextID,
		resource:   res,
		createdAt:  now,
		lastUsedAt: now,
	}
	p.conns[conn.id] = conn
	p.created++
	return conn
}

// reserveLocked 标记为借出，尚未计入借用次数
func (p *Pool[R]) reserveLocked(conn *Connection[R]) {
	conn.inUse = true
	p.inUse++
}

func (p *Pool[R]) commitLocked(conn *Connection[R]) {
	conn.useCount++
	p.acquisitions++
}

// releaseLocked 连接回到空闲状态；排空期间只放入空闲列表并通知 Drain
func (p *Pool[R]) releaseLocked(conn *Connection[R]) {
	conn.inUse = false
	p.inUse--
	if p.state != StateReady {
		p.idle = append(p.idle, conn)
		p.signalDrainLocked()
		return
	}
	p.putLocked(conn)
}

// putLocked 优先移交给最早的等待者，否则放入空闲列表
func (p *Pool[R]) putLocked(conn *Connection[R]) {
	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		p.waiters.Remove(e)
		w := e.Value.(*waiter[R])
		if w.done {
			continue
		}
		w.done = true
		p.reserveLocked(conn)
		p.commitLocked(conn)
		w.ch <- acquireResult[R]{conn: conn}
		return
	}
	p.idle = append(p.idle, conn)
}

func (p *Pool[R]) signalDrainLocked() {
	if p.inUse == 0 && p.drainCh != nil {
		close(p.drainCh)
		p.drainCh = nil
	}
}

func (p *Pool[R]) evictLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// evictIdle 销毁空闲超时的连接，但不低于 Min
func (p *Pool[R]) evictIdle() {
	now := time.Now()

	p.mu.Lock()
	if p.state != StateReady {
		p.mu.Unlock()
		return
	}
	total := len(p.conns)
	keep := p.idle[:0]
	var victims []*Connection[R]
	for _, c := range p.idle {
		if total > p.cfg.Min && now.Sub(c.lastUsedAt) > p.cfg.IdleTimeout {
			victims = append(victims, c)
			delete(p.conns, c.id)
			total--
			continue
		}
		keep = append(keep, c)
	}
	p.idle = keep
	p.destroyed += int64(len(victims))
	// 之前后台创建失败时在这里补足 Min
	p.refillLocked()
	p.mu.Unlock()

	for _, c := range victims {
		p.closeResource(c, ReasonIdle)
	}
	if len(victims) > 0 {
		p.logger.Debug().Int("evicted", len(victims)).Msg("Evicted idle connections")
	}
}

func (p *Pool[R]) closeResource(conn *Connection[R], reason string) {
	if err := conn.resource.Close(); err != nil {
		p.logger.Debug().Err(err).Uint64("connection_id", conn.id).Msg("Error closing connection")
	}
	p.emit(Event{Type: EventConnectionDestroyed, ConnectionID: conn.id, Reason: reason})
}

func (p *Pool[R]) emit(e Event) {
	if p.listener == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	p.listener.OnPoolEvent(e)
}
