package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/fieldops/fieldsync/internal/queue"
)

// Start recovers operations left in flight by a previous process and begins
// automatic scheduling: a run on every regained connectivity, a periodic run
// while online and signed in, and a boot run after BootDelay when work is
// pending. It returns immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("syncer: already started")
	}
	c.started = true
	c.runCtx, c.cancel = context.WithCancel(ctx)
	runCtx := c.runCtx
	c.mu.Unlock()

	if n, err := c.queue.RecoverInFlight(runCtx); err != nil {
		c.logger.Error("failed to recover in-flight operations", "error", err)
	} else if n > 0 {
		c.logger.Info("recovered in-flight operations", "count", n)
	}

	unsub := c.monitor.OnRegainConnectivity(func() { c.Trigger(TriggerReconnect) })
	c.mu.Lock()
	c.unsub = unsub
	c.wg.Add(2)
	c.mu.Unlock()

	go c.periodicLoop(runCtx)
	go c.bootRun(runCtx)

	c.logger.Info("sync scheduling started",
		"interval", c.cfg.SyncInterval, "boot_delay", c.cfg.BootDelay)
	return nil
}

// Stop ends scheduling and waits for background runs to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started || c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	unsub, cancel := c.unsub, c.cancel
	if c.reset != nil {
		c.reset.Stop()
		c.reset = nil
	}
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	cancel()
	c.wg.Wait()
	c.logger.Info("sync scheduling stopped")
}

// Trigger starts a run in the background. It is a no-op before Start or
// after Stop.
func (c *Coordinator) Trigger(t Trigger) {
	c.mu.Lock()
	if !c.started || c.stopping {
		c.mu.Unlock()
		return
	}
	ctx := c.runCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.runLogged(ctx, t)
	}()
}

func (c *Coordinator) runLogged(ctx context.Context, t Trigger) {
	if ctx.Err() != nil {
		return
	}
	if _, err := c.Run(ctx, t); err != nil {
		c.logger.Debug("background sync failed", "trigger", t, "error", err)
	}
}

func (c *Coordinator) periodicLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.monitor.IsOnline() || !c.session.Authenticated() {
				continue
			}
			c.runLogged(ctx, TriggerPeriodic)
		}
	}
}

// bootRun waits for the settling delay, then runs once if anything is
// pending.
func (c *Coordinator) bootRun(ctx context.Context) {
	defer c.wg.Done()

	timer := time.NewTimer(c.cfg.BootDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	counts, err := c.queue.Counts(ctx)
	if err != nil {
		c.logger.Warn("failed to read queue at boot", "error", err)
		return
	}
	if counts[queue.StatusPending] == 0 {
		return
	}
	c.runLogged(ctx, TriggerBoot)
}
