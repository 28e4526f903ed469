package feeder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned when feed loops outlive the shutdown timeout
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// loopGroup owns the feeder's background loops. Every loop gets the group
// context and is cancelled together on stop.
type loopGroup struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *zap.Logger

	running atomic.Int32
}

func newLoopGroup(parent context.Context, logger *zap.Logger) *loopGroup {
	if parent == nil {
		parent = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	return &loopGroup{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// goLoop runs fn until it returns. A panicking loop is logged and counted
// as exited; it does not take the process down with it.
func (g *loopGroup) goLoop(name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	g.running.Add(1)

	go func() {
		defer g.wg.Done()
		defer g.running.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Feed loop panicked",
					zap.String("loop", name),
					zap.Any("panic", r))
			}
		}()

		g.logger.Debug("Feed loop started", zap.String("loop", name))
		fn(g.ctx)
		g.logger.Debug("Feed loop exited", zap.String("loop", name))
	}()
}

// stop cancels every loop and waits up to timeout for them to return.
func (g *loopGroup) stop(timeout time.Duration) error {
	g.stopOnce.Do(func() {
		g.logger.Debug("Stopping feed loops",
			zap.Int32("running", g.running.Load()),
			zap.Duration("timeout", timeout))
		g.cancel()
	})

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		g.logger.Warn("Shutdown timeout exceeded",
			zap.Int32("still_running", g.running.Load()))
		return ErrShutdownTimeout
	}
}

func (g *loopGroup) stopping() bool {
	return g.ctx.Err() != nil
}
