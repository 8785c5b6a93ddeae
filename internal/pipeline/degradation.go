package pipeline

import (
	"log/slog"
	"time"
)

// DegradationType names an observed failure pattern.
type DegradationType string

const (
	DegradationHighFailureRate    DegradationType = "high_preparation_failure_rate"
	DegradationCacheMissSpike     DegradationType = "cache_miss_spike"
	DegradationPreparationTimeout DegradationType = "preparation_timeout"
)

// Mitigations a strategy can apply.
const (
	MitigationReduceComplexity      = "reduce_complexity"
	MitigationPreferCachedTemplates = "prefer_cached_templates"
	MitigationEagerPreload          = "eager_preload"
	MitigationSuspendExpiry         = "suspend_expiry"
	MitigationSimplifiedContent     = "simplified_content"
	MitigationExtendTimeout         = "extend_timeout"
	MitigationThrottleBackground    = "throttle_background"
	MitigationExtendRetention       = "extend_retention"
)

// retentionExtension is the cache retention multiplier under extend_retention.
const retentionExtension = 2

// Strategy is one row of the degradation policy table.
type Strategy struct {
	Name             string        `json:"strategy"`
	Mitigations      []string      `json:"mitigations"`
	RecoveryEstimate time.Duration `json:"recovery_estimate_ns"`
	Health           SystemHealth  `json:"health"`
}

var degradationPolicies = map[DegradationType]Strategy{
	DegradationHighFailureRate: {
		Name:             "simplify_content_assembly",
		Mitigations:      []string{MitigationReduceComplexity, MitigationPreferCachedTemplates},
		RecoveryEstimate: 30 * time.Second,
		Health:           HealthCritical,
	},
	DegradationCacheMissSpike: {
		Name:             "emergency_cache_warming",
		Mitigations:      []string{MitigationEagerPreload, MitigationSuspendExpiry},
		RecoveryEstimate: 10 * time.Second,
		Health:           HealthDegraded,
	},
	DegradationPreparationTimeout: {
		Name:             "fallback_generation",
		Mitigations:      []string{MitigationSimplifiedContent, MitigationExtendTimeout},
		RecoveryEstimate: 60 * time.Second,
		Health:           HealthDegraded,
	},
}

var defaultStrategy = Strategy{
	Name:             "graceful_degradation",
	Mitigations:      []string{MitigationThrottleBackground, MitigationExtendRetention},
	RecoveryEstimate: 20 * time.Second,
	Health:           HealthDegraded,
}

// StrategyFor returns the strategy for t; unclassified types get the
// graceful degradation strategy.
func StrategyFor(t DegradationType) Strategy {
	if s, ok := degradationPolicies[t]; ok {
		return s
	}
	return defaultStrategy
}

// DegradationResponse describes an applied strategy.
type DegradationResponse struct {
	UserID     UserID          `json:"user_id"`
	Type       DegradationType `json:"degradation_type"`
	Strategy   Strategy        `json:"strategy"`
	Health     SystemHealth    `json:"system_health"`
	AppliedAt  time.Time       `json:"applied_at"`
	RecoveryAt time.Time       `json:"recovery_at"`
}

type mitigationSet struct {
	simplified      bool
	cachedTemplates bool
	suspendExpiry   bool
	extendTimeout   bool
	throttle        bool
	extendRetention bool
}

func (m *mitigationSet) apply(names []string) {
	for _, n := range names {
		switch n {
		case MitigationReduceComplexity, MitigationSimplifiedContent:
			m.simplified = true
		case MitigationPreferCachedTemplates:
			m.cachedTemplates = true
		case MitigationSuspendExpiry:
			m.suspendExpiry = true
		case MitigationExtendTimeout:
			m.extendTimeout = true
		case MitigationThrottleBackground:
			m.throttle = true
		case MitigationExtendRetention:
			m.extendRetention = true
		}
	}
}

func (m mitigationSet) retentionPolicy() RetentionPolicy {
	p := RetentionPolicy{SuspendExpiry: m.suspendExpiry}
	if m.extendRetention {
		p.Multiplier = retentionExtension
	}
	return p
}

// HandleSystemDegradation applies the strategy for t to the user's pipeline,
// lowers its health and schedules a recheck after the recovery estimate. A
// recheck that finds no newer signal and no persisting condition restores
// optimal health and lifts the mitigations.
func (c *Coordinator) HandleSystemDegradation(user UserID, t DegradationType) (DegradationResponse, error) {
	s, err := c.session(user)
	if err != nil {
		return DegradationResponse{}, err
	}
	strategy := StrategyFor(t)
	now := c.clock.Now()

	s.mu.Lock()
	s.degradeGen++
	gen := s.degradeGen
	if strategy.Health.rank() > s.health.rank() {
		s.health = strategy.Health
	}
	wasThrottled := s.mitigation.throttle
	s.mitigation.apply(strategy.Mitigations)
	throttled := s.mitigation.throttle
	c.cache.SetPolicy(user, s.mitigation.retentionPolicy())

	for _, m := range strategy.Mitigations {
		if m == MitigationEagerPreload {
			c.preloadLocked(s)
		}
	}

	if s.recheck != nil {
		s.recheck.Stop()
	}
	s.recheck = c.clock.AfterFunc(strategy.RecoveryEstimate, func() {
		c.recheckHealth(user, gen, strategy.RecoveryEstimate)
	})

	resp := DegradationResponse{
		UserID:     user,
		Type:       t,
		Strategy:   strategy,
		Health:     s.health,
		AppliedAt:  now,
		RecoveryAt: now.Add(strategy.RecoveryEstimate),
	}
	s.degradation = &resp
	s.mu.Unlock()

	if throttled && !wasThrottled {
		c.adjustThrottle(1)
	}
	c.log.Warn("pipeline degraded",
		slog.String("user_id", string(user)),
		slog.String("degradation_type", string(t)),
		slog.String("strategy", strategy.Name),
		slog.String("system_health", string(resp.Health)),
		slog.Duration("recovery_estimate", strategy.RecoveryEstimate))
	if c.metrics != nil {
		c.metrics.IncDegradations(string(t))
	}
	return resp, nil
}

// preloadLocked requests high priority preparation for every channel that
// has no cached unit.
func (c *Coordinator) preloadLocked(s *Session) {
	for _, ch := range Channels {
		if _, ok := c.cache.peek(s.ID, ch); ok {
			continue
		}
		if _, err := c.requestPreparationLocked(s, ch, PriorityHigh); err != nil {
			c.log.Warn("eager preload failed",
				slog.String("user_id", string(s.ID)),
				slog.Int("channel_id", int(ch)),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Coordinator) recheckHealth(user UserID, gen uint64, estimate time.Duration) {
	s, err := c.session(user)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.degradeGen != gen {
		s.mu.Unlock()
		return
	}
	if reason := c.persistingConditionLocked(s); reason != "" {
		s.recheck = c.clock.AfterFunc(estimate, func() {
			c.recheckHealth(user, gen, estimate)
		})
		s.mu.Unlock()
		c.log.Info("degradation persists, recheck rescheduled",
			slog.String("user_id", string(user)),
			slog.String("condition", reason))
		return
	}

	throttled := s.mitigation.throttle
	s.health = HealthOptimal
	s.mitigation = mitigationSet{}
	s.degradation = nil
	s.recheck = nil
	c.cache.SetPolicy(user, RetentionPolicy{})
	s.mu.Unlock()

	if throttled {
		c.adjustThrottle(-1)
	}
	c.log.Info("pipeline recovered", slog.String("user_id", string(user)))
}

// persistingConditionLocked returns a non-empty description if a degradation
// condition is still observable.
func (c *Coordinator) persistingConditionLocked(s *Session) string {
	now := c.clock.Now()
	budget := c.timeoutBudgetLocked(s)
	for _, id := range s.jobs {
		job, err := c.worker.GetProgress(id)
		if err == nil && job.Status.Active() && now.Sub(job.StartTime) > budget {
			return "overdue preparation job"
		}
	}
	if c.failureRateExceeded() {
		return "preparation failure rate above threshold"
	}
	return ""
}

func (c *Coordinator) failureRateExceeded() bool {
	st := c.worker.Stats()
	return st.RecentSamples >= c.cfg.FailureRateMinSamples && st.RecentFailureRate > c.cfg.FailureRateThreshold
}

func (c *Coordinator) timeoutBudgetLocked(s *Session) time.Duration {
	if s.mitigation.extendTimeout {
		return 2 * c.cfg.JobTimeout
	}
	return c.cfg.JobTimeout
}
