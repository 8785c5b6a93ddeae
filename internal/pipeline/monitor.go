package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// Run sweeps all pipelines every MonitorInterval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	c.log.Info("pipeline monitor started", slog.Duration("interval", c.cfg.MonitorInterval))
	for {
		select {
		case <-ctx.Done():
			c.log.Info("pipeline monitor stopped")
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep performs one monitor pass: it evicts expired cache entries, abandons
// jobs past their timeout budget, restarts missing preparation and raises
// degradation signals for what it observed.
func (c *Coordinator) Sweep() {
	now := c.clock.Now()

	if evicted := c.cache.EvictExpired(now); len(evicted) > 0 {
		c.log.Debug("expired units evicted", slog.Int("count", len(evicted)))
	}

	failing := c.failureRateExceeded()

	for _, s := range c.sessions() {
		s.mu.Lock()
		budget := c.timeoutBudgetLocked(s)
		timedOut := 0
		for ch, id := range s.jobs {
			job, err := c.worker.GetProgress(id)
			if err != nil {
				delete(s.jobs, ch)
				continue
			}
			if job.Status.Active() && now.Sub(job.StartTime) > budget {
				_ = c.worker.Abandon(id, "preparation timeout")
				c.worker.Forget(id)
				delete(s.jobs, ch)
				timedOut++
			}
		}
		c.pruneJobsLocked(s)
		c.healLocked(s)
		alreadyFailing := s.degradation != nil && s.degradation.Type == DegradationHighFailureRate
		user := s.ID
		s.mu.Unlock()

		if timedOut > 0 {
			c.log.Warn("preparation jobs timed out",
				slog.String("user_id", string(user)),
				slog.Int("count", timedOut),
				slog.Duration("budget", budget))
			c.signal(user, DegradationPreparationTimeout)
		}
		if failing && !alreadyFailing {
			c.signal(user, DegradationHighFailureRate)
		}
	}
}

func (c *Coordinator) signal(user UserID, t DegradationType) {
	if _, err := c.HandleSystemDegradation(user, t); err != nil {
		c.log.Debug("degradation signal dropped",
			slog.String("user_id", string(user)),
			slog.String("error", err.Error()))
	}
}
