// Package clients provides connection pool management for store connections
package clients

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/geodoc/pkg/config"
	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/logger"
	"github.com/ajitpratap0/geodoc/pkg/metrics"
	"github.com/ajitpratap0/geodoc/pkg/store"
)

// Maintenance phases, used as metric labels.
const (
	phaseGrow   = "grow"
	phaseShrink = "shrink"
	phaseHeal   = "heal"
)

// ConnectionPool keeps a bounded set of store connections with a ready-to-use subset
// sized between MinFreeConnections and MaxFreeConnections. A background maintenance
// loop grows and shrinks the free subset and reconnects broken connections in place.
//
// Every connection the pool opened is tracked in the total set until it is closed. The
// free set is a channel holding the idle subset; a connection is re-admitted to it on
// release only while it is still tracked.
type ConnectionPool struct {
	config  config.PoolConfig
	options store.Options
	dialer  store.Dialer
	logger  *zap.Logger
	metrics *metrics.PoolCollector

	free chan *pooledConn

	mu      sync.Mutex
	total   map[*pooledConn]struct{}
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// pooledConn is a connection tracked by the pool.
type pooledConn struct {
	store.Conn
	id        string
	createdAt time.Time
}

// PoolStats is a snapshot of the pool's state.
type PoolStats struct {
	Running bool `json:"running"`
	Total   int  `json:"total"`
	Free    int  `json:"free"`
	Leased  int  `json:"leased"`
}

// DefaultPoolName labels the metrics of a pool created without WithName. Processes that
// run several pools should name each one.
const DefaultPoolName = "default"

// Option configures a ConnectionPool.
type Option func(*ConnectionPool)

// WithName sets the pool name used in logs and metric labels.
func WithName(name string) Option {
	return func(p *ConnectionPool) {
		p.metrics = metrics.NewPoolCollector(name)
	}
}

// NewConnectionPool creates a stopped pool. It fails with a configuration error when the
// pool bounds or the port are invalid.
func NewConnectionPool(cfg config.PoolConfig, opts store.Options, dialer store.Dialer, log *zap.Logger, options ...Option) (*ConnectionPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := config.ValidatePort(opts.Port); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "dialer is required")
	}

	p := &ConnectionPool{
		config:  cfg.WithDefaults(),
		options: opts,
		dialer:  dialer,
		free:    make(chan *pooledConn, cfg.MaxConnections),
		total:   make(map[*pooledConn]struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.NewPoolCollector(DefaultPoolName)
	}
	p.logger = logger.OrGlobal(log).With(
		zap.String("component", "connection_pool"),
		zap.String("pool", p.metrics.Name()))

	return p, nil
}

// Start starts the maintenance loop. The first maintenance cycle runs immediately.
func (p *ConnectionPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.Wrap(errors.ErrPoolRunning, errors.ErrorTypeConnection, "cannot start pool")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.maintenanceLoop(p.stopCh, p.doneCh)

	p.logger.Info("connection pool started",
		zap.Int("max_connections", p.config.MaxConnections),
		zap.Int("min_free", p.config.MinFreeConnections),
		zap.Int("max_free", p.config.MaxFreeConnections))
	return nil
}

// IsRunning reports whether the pool is running.
func (p *ConnectionPool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Acquire implements store.Provider using the configured acquire timeout.
func (p *ConnectionPool) Acquire(ctx context.Context) (store.Lease, error) {
	lc, err := p.GetConnection(ctx, 0)
	if err != nil {
		return nil, err
	}
	return lc, nil
}

// GetConnection waits up to timeout for a free connection. A non-positive timeout uses
// the configured AcquireTimeout. It fails when the pool is not running, when no
// connection frees up in time, or when ctx is done.
func (p *ConnectionPool) GetConnection(ctx context.Context, timeout time.Duration) (*LeasedConnection, error) {
	p.mu.Lock()
	running, stopCh := p.running, p.stopCh
	p.mu.Unlock()
	if !running {
		return nil, errors.Wrap(errors.ErrPoolNotRunning, errors.ErrorTypeConnection, "cannot get connection")
	}

	if timeout <= 0 {
		timeout = p.config.AcquireTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	start := time.Now()

	for {
		select {
		case pc := <-p.free:
			lc, retry := p.lease(pc)
			if retry {
				continue
			}
			if lc == nil {
				return nil, errors.Wrap(errors.ErrPoolNotRunning, errors.ErrorTypeConnection, "cannot get connection")
			}
			p.metrics.ObserveAcquire(time.Since(start))
			return lc, nil

		case <-stopCh:
			return nil, errors.Wrap(errors.ErrPoolNotRunning, errors.ErrorTypeConnection, "pool shut down while waiting")

		case <-timer.C:
			p.metrics.AcquireTimedOut()
			return nil, errors.Wrap(errors.ErrAcquireTimeout, errors.ErrorTypeConnection, "no free connection").
				WithDetail("timeout", timeout.String())

		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "context done while waiting for connection")
		}
	}
}

// lease turns a connection taken from the free set into a lease. retry is true when the
// connection is no longer tracked. A nil lease without retry means the pool stopped; the
// connection is handed back so shutdown can close it.
func (p *ConnectionPool) lease(pc *pooledConn) (lc *LeasedConnection, retry bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, tracked := p.total[pc]; !tracked {
		return nil, true
	}
	if !p.running {
		p.admit(pc)
		return nil, false
	}
	p.publishSizes()
	return &LeasedConnection{Conn: pc.Conn, pool: p, pc: pc}, false
}

// release returns a leased connection to the free set if it is still tracked.
func (p *ConnectionPool) release(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, tracked := p.total[pc]; !tracked {
		p.logger.Debug("dropping released connection that is no longer tracked",
			zap.String("connection_id", pc.id))
		return
	}
	p.admit(pc)
	p.publishSizes()
}

// admit puts a tracked connection in the free set. Callers hold mu. The free channel
// has room for every tracked connection, so the send only fails on a double release.
func (p *ConnectionPool) admit(pc *pooledConn) {
	select {
	case p.free <- pc:
	default:
		p.logger.Warn("free set is full, connection not re-admitted",
			zap.String("connection_id", pc.id))
	}
}

// Stats returns a snapshot of the pool's state.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	total, free := len(p.total), len(p.free)
	return PoolStats{
		Running: p.running,
		Total:   total,
		Free:    free,
		Leased:  total - free,
	}
}

// Shutdown stops the maintenance loop, then closes idle connections for up to timeout,
// waking every DrainInterval to reclaim connections returned by callers. Connections
// still leased when the timeout elapses are force-closed. Close errors are aggregated.
func (p *ConnectionPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.Wrap(errors.ErrPoolNotRunning, errors.ErrorTypeConnection, "cannot shut down pool")
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	<-done

	p.logger.Info("draining connection pool", zap.Duration("timeout", timeout))

	var errs error
	ticker := time.NewTicker(p.config.DrainInterval)
	defer ticker.Stop()

	for {
		errs = multierr.Append(errs, p.closeIdle())
		if p.Stats().Total == 0 {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := time.NewTimer(remaining)
		select {
		case <-ticker.C:
		case <-wait.C:
		}
		wait.Stop()
	}

	p.mu.Lock()
	leftover := make([]*pooledConn, 0, len(p.total))
	for pc := range p.total {
		leftover = append(leftover, pc)
	}
	p.total = make(map[*pooledConn]struct{})
	p.drainFree()
	p.publishSizes()
	p.mu.Unlock()

	if len(leftover) > 0 {
		p.logger.Warn("force-closing connections still leased after drain timeout",
			zap.Int("count", len(leftover)))
	}
	for _, pc := range leftover {
		errs = multierr.Append(errs, p.closeConn(pc))
	}

	p.logger.Info("connection pool stopped")
	if errs != nil {
		return errors.Wrap(errs, errors.ErrorTypeConnection, "errors closing connections during shutdown")
	}
	return nil
}

// closeIdle closes every connection currently in the free set.
func (p *ConnectionPool) closeIdle() error {
	var errs error
	for {
		p.mu.Lock()
		pc := p.takeFree()
		if pc != nil {
			delete(p.total, pc)
		}
		p.publishSizes()
		p.mu.Unlock()

		if pc == nil {
			return errs
		}
		errs = multierr.Append(errs, p.closeConn(pc))
	}
}

// takeFree removes one connection from the free set without blocking. Callers hold mu.
func (p *ConnectionPool) takeFree() *pooledConn {
	select {
	case pc := <-p.free:
		return pc
	default:
		return nil
	}
}

func (p *ConnectionPool) drainFree() {
	for p.takeFree() != nil {
	}
}

func (p *ConnectionPool) closeConn(pc *pooledConn) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.options.ConnectTimeoutOr(10*time.Second))
	defer cancel()

	p.metrics.ConnectionClosed()
	if err := pc.Close(ctx); err != nil {
		p.logger.Warn("error closing connection",
			zap.String("connection_id", pc.id),
			zap.Error(err))
		return err
	}
	return nil
}

// publishSizes updates the size gauges. Callers hold mu.
func (p *ConnectionPool) publishSizes() {
	p.metrics.SetSizes(len(p.total), len(p.free))
}

// LeasedConnection is a connection borrowed from the pool. The pool keeps ownership;
// Release (or Close) hands it back exactly once.
type LeasedConnection struct {
	store.Conn

	pool *ConnectionPool
	pc   *pooledConn
	once sync.Once
}

// ID returns the pooled connection's id.
func (l *LeasedConnection) ID() string { return l.pc.id }

// Release returns the connection to the pool. Further calls are no-ops.
func (l *LeasedConnection) Release() {
	l.once.Do(func() {
		l.pool.release(l.pc)
	})
}

// Close releases the lease. The physical connection stays open and owned by the pool.
func (l *LeasedConnection) Close(context.Context) error {
	l.Release()
	return nil
}
