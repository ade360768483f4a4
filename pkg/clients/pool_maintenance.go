package clients

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maintenanceLoop runs one maintenance cycle immediately and then once per
// MaintenanceInterval until stopCh is closed.
func (p *ConnectionPool) maintenanceLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(p.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		p.maintain(ctx)

		select {
		case <-ticker.C:
		case <-stopCh:
			return
		}
	}
}

// maintain runs one grow/shrink/heal cycle. Failures are logged and counted; they never
// stop the loop.
func (p *ConnectionPool) maintain(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in pool maintenance", zap.Any("panic", r))
		}
	}()

	p.grow(ctx)
	p.shrink()
	p.heal(ctx)
}

// grow opens connections while the free set is below MinFreeConnections and the total
// set is below MaxConnections. Dialing happens outside the lock; the bounds are checked
// again before the new connection is tracked.
func (p *ConnectionPool) grow(ctx context.Context) {
	for {
		p.mu.Lock()
		need := p.running &&
			len(p.free) < p.config.MinFreeConnections &&
			len(p.total) < p.config.MaxConnections
		p.mu.Unlock()
		if !need || ctx.Err() != nil {
			return
		}

		pc, err := p.open(ctx)
		if err != nil {
			p.metrics.MaintenanceError(phaseGrow)
			p.logger.Error("failed to open connection", zap.Error(err))
			return
		}

		p.mu.Lock()
		accepted := p.running && len(p.total) < p.config.MaxConnections
		if accepted {
			p.total[pc] = struct{}{}
			p.admit(pc)
			p.publishSizes()
		}
		p.mu.Unlock()

		if !accepted {
			_ = p.closeConn(pc)
			return
		}
		p.logger.Debug("opened connection", zap.String("connection_id", pc.id))
	}
}

func (p *ConnectionPool) open(ctx context.Context) (*pooledConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.options.ConnectTimeoutOr(10*time.Second))
	defer cancel()

	conn, err := p.dialer.Dial(dialCtx, p.options)
	if err != nil {
		return nil, err
	}
	p.metrics.ConnectionCreated()
	return &pooledConn{
		Conn:      conn,
		id:        uuid.NewString(),
		createdAt: time.Now(),
	}, nil
}

// shrink closes idle connections while the free set is above MaxFreeConnections.
func (p *ConnectionPool) shrink() {
	for {
		p.mu.Lock()
		var pc *pooledConn
		if len(p.free) > p.config.MaxFreeConnections {
			pc = p.takeFree()
			if pc != nil {
				delete(p.total, pc)
				p.publishSizes()
			}
		}
		p.mu.Unlock()

		if pc == nil {
			return
		}
		if err := p.closeConn(pc); err != nil {
			p.metrics.MaintenanceError(phaseShrink)
		}
		p.logger.Debug("closed surplus connection", zap.String("connection_id", pc.id))
	}
}

// heal reconnects every tracked connection that is not open. A connection that fails
// to reconnect stays tracked and is retried on the next cycle.
func (p *ConnectionPool) heal(ctx context.Context) {
	p.mu.Lock()
	broken := make([]*pooledConn, 0)
	for pc := range p.total {
		if !pc.IsOpen() {
			broken = append(broken, pc)
		}
	}
	p.mu.Unlock()

	for _, pc := range broken {
		if ctx.Err() != nil {
			return
		}
		reconnectCtx, cancel := context.WithTimeout(ctx, p.options.ConnectTimeoutOr(10*time.Second))
		err := pc.Reconnect(reconnectCtx)
		cancel()

		p.metrics.Reconnected(err)
		if err != nil {
			p.metrics.MaintenanceError(phaseHeal)
			p.logger.Warn("failed to reconnect connection",
				zap.String("connection_id", pc.id),
				zap.Duration("age", time.Since(pc.createdAt)),
				zap.Error(err))
			continue
		}
		p.logger.Info("reconnected connection", zap.String("connection_id", pc.id))
	}
}
