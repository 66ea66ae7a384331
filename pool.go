package ldapstream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PooledConnection is one authenticated session owned by the pool. It is
// referenced outside the pool only while checked out.
type PooledConnection struct {
	pool     *Pool
	conn     Conn
	busy     bool
	lastUsed time.Time
}

// Conn exposes the underlying transport of a checked-out connection.
func (pc *PooledConnection) Conn() Conn {
	return pc.conn
}

// Release returns the connection to its pool. Releasing an already released
// connection is a no-op, so every code path can release unconditionally.
func (pc *PooledConnection) Release() {
	if pc != nil && pc.pool != nil {
		pc.pool.Release(pc)
	}
}

// LastUsed reports when the connection was last returned to the pool.
func (pc *PooledConnection) LastUsed() time.Time {
	return pc.lastUsed
}

// PoolStats provides a snapshot of pool state.
type PoolStats struct {
	Open    int           // connections currently held by the pool
	Busy    int           // connections checked out
	Idle    int           // connections available for checkout
	Waiting int           // acquirers queued behind a full pool
	Created int64         // total connections created over the pool lifetime
	Errors  int64         // total connect/bind failures
	Uptime  time.Duration // time since the pool was created
}

// Pool is a bounded set of authenticated connections with a strict FIFO wait
// queue. All pool state is mutated only under p.mu; connections are handed to
// the longest-waiting acquirer first.
type Pool struct {
	cfg  *Config
	dial DialFunc
	log  Logger

	mu        sync.Mutex
	conns     []*PooledConnection
	waiters   []chan *PooledConnection // buffered(1); nil handoff means "retry"
	total     int                      // established plus in-flight creations
	draining  bool
	drainDone chan struct{}

	evictRunning bool
	evictStop    chan struct{}

	created   atomic.Int64
	failures  atomic.Int64
	startTime time.Time
}

// newPool creates a pool for a validated configuration.
func newPool(cfg *Config) *Pool {
	dial := cfg.Dial
	if dial == nil {
		dial = dialDirectory
	}

	return &Pool{
		cfg:       cfg,
		dial:      dial,
		log:       cfg.logger(),
		startTime: time.Now(),
	}
}

// Acquire returns an authenticated, non-busy connection. It reuses an idle
// connection when one exists, grows the pool while under capacity, and
// otherwise queues behind earlier acquirers until a release hands one over.
func (p *Pool) Acquire(ctx context.Context) (*PooledConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for {
		p.mu.Lock()

		if pc := p.idleLocked(); pc != nil {
			pc.busy = true
			p.mu.Unlock()
			if err := p.ensureLive(pc); err != nil {
				return nil, err
			}
			logPoolEvent(p.log, "connection_acquired", nil)
			return pc, nil
		}

		if p.total < p.cfg.PoolSize {
			// Reserve the slot before dialing so concurrent acquirers cannot
			// overshoot the capacity.
			p.total++
			p.mu.Unlock()

			pc, err := p.newConnection()
			if err != nil {
				p.releaseSlot()
				return nil, err
			}

			pc.busy = true
			p.mu.Lock()
			p.conns = append(p.conns, pc)
			p.startEvictorLocked()
			p.mu.Unlock()

			logPoolEvent(p.log, "connection_created", nil)
			return pc, nil
		}

		// At capacity with nothing idle: join the FIFO queue.
		ch := make(chan *PooledConnection, 1)
		p.waiters = append(p.waiters, ch)
		waiting := len(p.waiters)
		p.mu.Unlock()

		logPoolEvent(p.log, "pool_exhausted", map[string]any{"waiting": waiting})

		select {
		case pc := <-ch:
			if pc == nil {
				// A slot freed up without a connection to hand over.
				continue
			}
			if err := p.ensureLive(pc); err != nil {
				return nil, err
			}
			logPoolEvent(p.log, "connection_acquired", nil)
			return pc, nil

		case <-ctx.Done():
			p.mu.Lock()
			removed := false
			for i, w := range p.waiters {
				if w == ch {
					p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
					removed = true
					break
				}
			}
			p.mu.Unlock()
			if !removed {
				// Handoffs happen under the pool lock, so the connection is
				// already in the channel; put it back for the next waiter.
				if pc := <-ch; pc != nil {
					p.Release(pc)
				}
			}
			return nil, ctx.Err()
		}
	}
}

// Release marks the connection idle, or hands it directly to the
// longest-waiting queued acquirer. Exactly one release per acquire; extra
// calls are ignored.
func (p *Pool) Release(pc *PooledConnection) {
	if pc == nil {
		return
	}

	p.mu.Lock()

	if !pc.busy {
		p.mu.Unlock()
		return
	}

	pc.lastUsed = time.Now()

	if !p.draining && len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- pc // stays busy; buffered handoff under the lock
		p.mu.Unlock()
		return
	}

	pc.busy = false

	if p.draining && p.busyCountLocked() == 0 && p.drainDone != nil {
		close(p.drainDone)
		p.drainDone = nil
	}

	p.mu.Unlock()
	logPoolEvent(p.log, "connection_released", nil)
}

// Close drains the pool: waits for all checked-out connections to be
// released, then unbinds everything. The pool reopens transparently on the
// next Acquire; draining is not a terminal state.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true

	if p.busyCountLocked() > 0 {
		done := make(chan struct{})
		p.drainDone = done
		p.mu.Unlock()

		logPoolEvent(p.log, "pool_draining", nil)

		select {
		case <-done:
		case <-ctx.Done():
			p.mu.Lock()
			p.draining = false
			p.drainDone = nil
			p.wakeAllWaitersLocked()
			p.mu.Unlock()
			return ctx.Err()
		}

		p.mu.Lock()
	}

	// A connection re-acquired after the drain completed stays checked out;
	// only what is idle at this point is unbound.
	var idle []*PooledConnection
	kept := p.conns[:0]
	for _, pc := range p.conns {
		if pc.busy {
			kept = append(kept, pc)
		} else {
			idle = append(idle, pc)
		}
	}
	p.conns = kept

	// Slots reserved by in-flight dials stay counted, so a dial racing the
	// close cannot push the reopened pool past its capacity.
	p.total -= len(idle)
	p.draining = false
	if len(p.conns) == 0 {
		p.stopEvictorLocked()
	}
	p.wakeAllWaitersLocked()
	p.mu.Unlock()

	for _, pc := range idle {
		closeQuietly(pc.conn)
	}

	return nil
}

// Wait repeatedly probes the directory with an acquire/release cycle until it
// is reachable, the context is cancelled, or the configured attempt budget is
// exhausted (zero budget retries indefinitely).
func (p *Pool) Wait(ctx context.Context) error {
	attempts := 0

	for {
		pc, err := p.Acquire(ctx)
		if err == nil {
			p.Release(pc)
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		p.log.Warn("directory not reachable", map[string]any{
			"attempt": attempts,
			"error":   err.Error(),
		})

		if p.cfg.WaitAttempts > 0 && attempts >= p.cfg.WaitAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WaitInterval):
		}
	}
}

// Stats returns a snapshot of pool state.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	busy := p.busyCountLocked()

	return PoolStats{
		Open:    len(p.conns),
		Busy:    busy,
		Idle:    len(p.conns) - busy,
		Waiting: len(p.waiters),
		Created: p.created.Load(),
		Errors:  p.failures.Load(),
		Uptime:  time.Since(p.startTime),
	}
}

// idleLocked returns an idle connection, or nil.
func (p *Pool) idleLocked() *PooledConnection {
	for _, pc := range p.conns {
		if !pc.busy {
			return pc
		}
	}
	return nil
}

func (p *Pool) busyCountLocked() int {
	busy := 0
	for _, pc := range p.conns {
		if pc.busy {
			busy++
		}
	}
	return busy
}

// newConnection dials and binds a fresh connection. Failures discard the
// half-created connection; the reserved slot is released by the caller.
func (p *Pool) newConnection() (*PooledConnection, error) {
	conn, err := p.dial(p.cfg)
	if err != nil {
		p.failures.Add(1)
		logPoolEvent(p.log, "connection_failed", map[string]any{"error": err.Error()})
		return nil, NewConnectionError("failed to connect to directory", err)
	}

	if err := bindConn(conn, p.cfg); err != nil {
		closeQuietly(conn)
		p.failures.Add(1)
		logPoolEvent(p.log, "connection_failed", map[string]any{"error": err.Error()})
		return nil, NewConnectionError("failed to bind to directory", err)
	}

	p.created.Add(1)

	return &PooledConnection{
		pool:     p,
		conn:     conn,
		lastUsed: time.Now(),
	}, nil
}

// ensureLive transparently rebinds a connection that silently disconnected
// while idle. On rebind failure the connection is destroyed and the acquire
// fails.
func (p *Pool) ensureLive(pc *PooledConnection) error {
	if !pc.conn.IsClosing() {
		return nil
	}

	replacement, err := p.newConnection()
	if err != nil {
		logPoolEvent(p.log, "rebind_failed", map[string]any{"error": err.Error()})
		p.destroy(pc)
		return err
	}

	old := pc.conn
	pc.conn = replacement.conn
	closeQuietly(old)

	logPoolEvent(p.log, "connection_rebound", nil)
	return nil
}

// destroy removes a checked-out connection from the pool and closes it.
func (p *Pool) destroy(pc *PooledConnection) {
	p.mu.Lock()
	for i, c := range p.conns {
		if c == pc {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			p.total--
			break
		}
	}
	p.wakeWaiterLocked()
	p.mu.Unlock()

	closeQuietly(pc.conn)
}

// releaseSlot gives back a reserved-but-unused capacity slot.
func (p *Pool) releaseSlot() {
	p.mu.Lock()
	p.total--
	p.wakeWaiterLocked()
	p.mu.Unlock()
}

// wakeWaiterLocked nudges the head of the queue after capacity freed up
// without a connection to hand over; the waiter re-enters the acquire loop.
func (p *Pool) wakeWaiterLocked() {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- nil
	}
}

// wakeAllWaitersLocked empties the wait queue with the nil handoff. Acquirers
// queued while the pool drained re-enter the acquire loop and dial fresh
// against the reopened pool.
func (p *Pool) wakeAllWaitersLocked() {
	for _, ch := range p.waiters {
		ch <- nil
	}
	p.waiters = nil
}

// startEvictorLocked starts the idle eviction timer if an idle timeout is
// configured and the timer is not already running.
func (p *Pool) startEvictorLocked() {
	if p.cfg.IdleTimeout <= 0 || p.evictRunning {
		return
	}

	p.evictRunning = true
	p.evictStop = make(chan struct{})

	interval := p.cfg.IdleTimeout / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	go p.evictLoop(p.evictStop, interval)
}

func (p *Pool) stopEvictorLocked() {
	if p.evictRunning {
		close(p.evictStop)
		p.evictRunning = false
	}
}

// evictLoop periodically destroys connections idle beyond the configured
// timeout and stops itself once the pool is empty.
func (p *Pool) evictLoop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if p.evictIdle() {
				return
			}
		}
	}
}

// evictIdle destroys every connection idle beyond the timeout and reports
// whether the pool is now empty.
func (p *Pool) evictIdle() bool {
	now := time.Now()
	var evicted []*PooledConnection

	p.mu.Lock()

	kept := p.conns[:0]
	for _, pc := range p.conns {
		if !pc.busy && now.Sub(pc.lastUsed) >= p.cfg.IdleTimeout {
			evicted = append(evicted, pc)
			p.total--
		} else {
			kept = append(kept, pc)
		}
	}
	p.conns = kept

	empty := p.total == 0
	if empty {
		p.evictRunning = false
	}

	p.mu.Unlock()

	for _, pc := range evicted {
		closeQuietly(pc.conn)
		logPoolEvent(p.log, "connection_evicted", nil)
	}

	return empty
}

// closeQuietly unbinds and closes a transport connection, ignoring errors.
func closeQuietly(conn Conn) {
	if conn == nil {
		return
	}
	_ = conn.Unbind()
	_ = conn.Close()
}
