package pipeline

import "time"

// PerformanceMetrics is the per-user view returned by PerformanceMetrics.
type PerformanceMetrics struct {
	UserID                   UserID               `json:"user_id"`
	RotationCount            int64                `json:"rotation_count"`
	AverageRotationLatency   time.Duration        `json:"average_rotation_latency_ns"`
	RotationConflicts        int64                `json:"rotation_conflicts"`
	NoReadyContentRejections int64                `json:"no_ready_content_rejections"`
	EmergencyPreparations    int64                `json:"emergency_preparations"`
	InvariantCorrections     int64                `json:"invariant_corrections"`
	ActiveJobs               int                  `json:"active_jobs"`
	ReadyChannels            int                  `json:"ready_channels"`
	SystemHealth             SystemHealth         `json:"system_health"`
	Degradation              *DegradationResponse `json:"degradation,omitempty"`
	Cache                    CacheStats           `json:"cache"`
	CacheHitRate             float64              `json:"cache_hit_rate"`
	Worker                   WorkerStats          `json:"worker"`
}

// PerformanceMetrics reports the user's rotation statistics together with
// the shared cache and worker counters.
func (c *Coordinator) PerformanceMetrics(user UserID) (PerformanceMetrics, error) {
	s, err := c.session(user)
	if err != nil {
		return PerformanceMetrics{}, err
	}

	s.mu.Lock()
	pm := PerformanceMetrics{
		UserID:                   s.ID,
		RotationCount:            s.rotationCount,
		RotationConflicts:        s.conflicts.Load(),
		NoReadyContentRejections: s.rejections,
		EmergencyPreparations:    s.emergencies,
		InvariantCorrections:     s.corrections,
		SystemHealth:             s.health,
	}
	if s.rotationCount > 0 {
		pm.AverageRotationLatency = s.totalLatency / time.Duration(s.rotationCount)
	}
	if s.degradation != nil {
		d := *s.degradation
		pm.Degradation = &d
	}
	for _, id := range s.jobs {
		if job, err := c.worker.GetProgress(id); err == nil && job.Status.Active() {
			pm.ActiveJobs++
		}
	}
	s.mu.Unlock()

	pm.ReadyChannels = len(c.cache.ReadyChannels(user))
	pm.Cache = c.cache.Stats()
	pm.CacheHitRate = pm.Cache.HitRate()
	pm.Worker = c.worker.Stats()
	return pm, nil
}
