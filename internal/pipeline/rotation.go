package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Rotate advances the user's three-channel cycle:
//
//	LIVE      -> PREPARING
//	READY     -> LIVE
//	PREPARING -> READY (only if its content is already prepared)
//
// A concurrent Rotate for the same user fails with
// ErrConcurrentRotationConflict. If the READY channels have no content the
// call fails with ErrNoReadyContent and no channel status changes.
func (c *Coordinator) Rotate(user UserID, reason string) (RotationResult, error) {
	start := time.Now()

	s, err := c.session(user)
	if err != nil {
		c.recordRotation("not_initialized", 0)
		return RotationResult{}, err
	}
	if !s.rotating.CompareAndSwap(false, true) {
		s.conflicts.Add(1)
		c.recordRotation("conflict", 0)
		c.log.Info("rotation rejected, another rotation in progress", slog.String("user_id", string(user)))
		return RotationResult{}, fmt.Errorf("%w: user %s", ErrConcurrentRotationConflict, user)
	}
	defer s.rotating.Store(false)

	if reason == "" {
		reason = "unspecified"
	}

	// Pre-rotation validation and the transition itself form one critical
	// section with no I/O.
	s.mu.Lock()
	c.healLocked(s)
	target, settled := c.selectTargetLocked(s)
	if target == 0 {
		spike := c.recordMissLocked(s)
		s.mu.Unlock()

		c.recordRotation("no_ready_content", 0)
		c.log.Warn("rotation rejected, no ready content", slog.String("user_id", string(user)))
		if spike {
			if _, err := c.HandleSystemDegradation(user, DegradationCacheMissSpike); err != nil {
				c.log.Error("cache miss degradation failed", slog.String("error", err.Error()))
			}
		}
		return RotationResult{}, fmt.Errorf("%w: user %s", ErrNoReadyContent, user)
	}

	prevLive := liveChannel(s.channels)
	transitions := c.applyRotationLocked(s, prevLive, target, settled, reason)
	s.rotationCount++
	count := s.rotationCount
	s.mu.Unlock()

	// Post-rotation tasks.
	s.mu.Lock()
	c.pruneJobsLocked(s)
	prio := PriorityNormal
	if countStatus(s.channels, StatusReady) == 0 {
		prio = PriorityHigh
	}
	_, prepErr := c.requestPreparationLocked(s, prevLive, prio)
	healed := c.healLocked(s)

	corrected := false
	if err := validateChannels(s.channels); err != nil {
		corrected = true
		s.corrections++
		c.log.Error("channel invariant violated after rotation",
			slog.String("user_id", string(user)),
			slog.String("error", err.Error()))
		c.correctLocked(s)
		if c.metrics != nil {
			c.metrics.IncInvariantViolations()
		}
	} else if countStatus(s.channels, StatusReady) == 0 {
		c.log.Warn("no spare READY channel after rotation", slog.String("user_id", string(user)))
	}
	newLive := liveChannel(s.channels)

	latency := time.Since(start)
	s.totalLatency += latency
	s.mu.Unlock()

	if prepErr != nil {
		c.log.Warn("background preparation not restarted",
			slog.String("user_id", string(user)),
			slog.Int("channel_id", int(prevLive)),
			slog.String("error", prepErr.Error()))
	}
	c.recordRotation("success", latency)
	c.log.Info("rotated",
		slog.String("user_id", string(user)),
		slog.String("reason", reason),
		slog.Int("previous_live", int(prevLive)),
		slog.Int("new_live", int(newLive)),
		slog.Int64("rotation_count", count))

	return RotationResult{
		UserID:                       user,
		Transitions:                  transitions,
		PreviousLive:                 prevLive,
		NewLive:                      newLive,
		RotationCount:                count,
		BackgroundPreparationStarted: prepErr == nil && healed,
		Corrected:                    corrected,
		Latency:                      latency,
	}, nil
}

// selectTargetLocked picks the channel to become LIVE: the longest-READY
// channel whose content is available. Only when no channel is READY at all
// may a PREPARING channel whose content has already been prepared be used;
// settled reports that case. It returns 0 if there is no target.
func (c *Coordinator) selectTargetLocked(s *Session) (target ChannelID, settled bool) {
	status := StatusReady
	if countStatus(s.channels, StatusReady) == 0 {
		status = StatusPreparing
	}
	candidates := make([]ChannelState, 0, 2)
	for _, ch := range s.channels {
		if ch.Status == status {
			candidates = append(candidates, ch)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].LastTransitionTime.Equal(candidates[j].LastTransitionTime) {
			return candidates[i].LastTransitionTime.Before(candidates[j].LastTransitionTime)
		}
		return candidates[i].ID < candidates[j].ID
	})
	for _, ch := range candidates {
		if c.cache.CheckAvailability(s.ID, ch.ID).IsReady {
			return ch.ID, status == StatusPreparing
		}
	}
	return 0, false
}

// applyRotationLocked performs the three-way status change and returns one
// transition per channel whose status changed. A settled target is first
// reported as PREPARING -> READY so every edge stays within the cycle.
func (c *Coordinator) applyRotationLocked(s *Session, prevLive, target ChannelID, settled bool, reason string) []Transition {
	now := c.clock.Now()

	var transitions []Transition
	if settled {
		s.channels[target-1].Status = StatusReady
		s.channels[target-1].LastTransitionTime = now
		transitions = append(transitions, Transition{
			ChannelID:     target,
			From:          StatusPreparing,
			To:            StatusReady,
			Timestamp:     now,
			TriggerReason: reason,
		})
	}
	before := s.channels

	if prevLive != 0 {
		s.channels[prevLive-1].Status = StatusPreparing
	}
	s.channels[target-1].Status = StatusLive
	for i := range s.channels {
		ch := s.channels[i].ID
		if ch == prevLive || ch == target || s.channels[i].Status != StatusPreparing {
			continue
		}
		if _, ok := c.cache.peek(s.ID, ch); ok {
			s.channels[i].Status = StatusReady
		}
	}

	if prevLive != 0 {
		c.cache.Release(s.ID, prevLive)
	}
	c.cache.PromoteActive(s.ID, target)
	// The promoted unit must not be replaced while it is being consumed.
	if id, ok := s.jobs[target]; ok {
		_ = c.worker.Cancel(id, "superseded by rotation")
		c.worker.Forget(id)
		delete(s.jobs, target)
	}

	for i := range s.channels {
		if before[i].Status == s.channels[i].Status {
			continue
		}
		s.channels[i].LastTransitionTime = now
		transitions = append(transitions, Transition{
			ChannelID:     s.channels[i].ID,
			From:          before[i].Status,
			To:            s.channels[i].Status,
			Timestamp:     now,
			TriggerReason: reason,
		})
	}
	return transitions
}

// pruneJobsLocked forgets finished jobs.
func (c *Coordinator) pruneJobsLocked(s *Session) {
	for ch, id := range s.jobs {
		job, err := c.worker.GetProgress(id)
		if err != nil {
			delete(s.jobs, ch)
			continue
		}
		if !job.Status.Active() {
			c.worker.Forget(id)
			delete(s.jobs, ch)
		}
	}
}

// recordMissLocked notes a NoReadyContent rejection and reports whether the
// rejections within the miss window reached the spike threshold.
func (c *Coordinator) recordMissLocked(s *Session) bool {
	now := c.clock.Now()
	s.rejections++

	kept := s.missTimes[:0]
	for _, t := range s.missTimes {
		if now.Sub(t) <= c.cfg.CacheMissWindow {
			kept = append(kept, t)
		}
	}
	s.missTimes = append(kept, now)

	if len(s.missTimes) >= c.cfg.CacheMissThreshold {
		s.missTimes = s.missTimes[:0]
		return true
	}
	return false
}

// ValidateState checks the user's channel invariants. On violation the state
// is re-derived from the cache and an ErrInvalidChannelState is returned for
// diagnostics.
func (c *Coordinator) ValidateState(user UserID) error {
	s, err := c.session(user)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	verr := validateChannels(s.channels)
	if verr == nil {
		return nil
	}
	s.corrections++
	c.log.Error("channel invariant violated",
		slog.String("user_id", string(user)),
		slog.String("error", verr.Error()))
	c.correctLocked(s)
	if c.metrics != nil {
		c.metrics.IncInvariantViolations()
	}
	return verr
}

// correctLocked re-derives channel statuses from cache contents: the channel
// holding the consumed unit (or, failing that, the previous LIVE channel, or
// any channel with content) is LIVE; others are READY if they hold content
// and PREPARING otherwise.
func (c *Coordinator) correctLocked(s *Session) {
	now := c.clock.Now()

	live := ChannelID(0)
	for _, ch := range Channels {
		if c.cache.isActive(s.ID, ch) {
			live = ch
			break
		}
	}
	if live == 0 {
		for _, ch := range s.channels {
			if ch.Status == StatusLive {
				live = ch.ID
				break
			}
		}
	}
	if live == 0 {
		for _, ch := range Channels {
			if _, ok := c.cache.peek(s.ID, ch); ok {
				live = ch
				break
			}
		}
	}
	if live == 0 {
		live = Channel3
	}

	for i := range s.channels {
		ch := ChannelID(i + 1)
		want := StatusPreparing
		switch {
		case ch == live:
			want = StatusLive
		default:
			if _, ok := c.cache.peek(s.ID, ch); ok {
				want = StatusReady
			}
		}
		s.channels[i].ID = ch
		if s.channels[i].Status != want {
			s.channels[i].Status = want
			s.channels[i].LastTransitionTime = now
		}
	}
	c.healLocked(s)
}

// validateChannels checks that the statuses form a valid rotation state:
// exactly one LIVE channel and every other channel READY or PREPARING.
// Zero READY channels is a legal transient state.
func validateChannels(channels [3]ChannelState) error {
	live := 0
	for i, ch := range channels {
		if ch.ID != ChannelID(i+1) {
			return fmt.Errorf("%w: slot %d holds channel %d", ErrInvalidChannelState, i+1, ch.ID)
		}
		switch ch.Status {
		case StatusLive:
			live++
		case StatusReady, StatusPreparing:
		default:
			return fmt.Errorf("%w: channel %d has status %q", ErrInvalidChannelState, ch.ID, ch.Status)
		}
	}
	if live != 1 {
		return fmt.Errorf("%w: %d LIVE channels", ErrInvalidChannelState, live)
	}
	return nil
}

func countStatus(channels [3]ChannelState, status ChannelStatus) int {
	n := 0
	for _, ch := range channels {
		if ch.Status == status {
			n++
		}
	}
	return n
}

func (c *Coordinator) recordRotation(outcome string, latency time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.IncRotations(outcome)
	if outcome == "success" {
		c.metrics.ObserveRotationLatency(latency)
	}
}
