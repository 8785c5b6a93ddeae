package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stitch-pipeline/internal/platform/metrics"

	"golang.org/x/time/rate"
)

// ProgressionSource supplies the next content id for a user's channel. It is
// expected to be synchronous and cheap.
type ProgressionSource interface {
	NextContentID(user UserID, channel ChannelID) (ContentID, error)
}

// Preparer is the part of the Worker the coordinator depends on.
type Preparer interface {
	RequestPreparation(req PreparationRequest) (PreparationJob, error)
	GetProgress(id JobID) (PreparationJob, error)
	EmergencyPrepare(ctx context.Context, user UserID, content ContentID) (PreparedUnit, error)
	Abandon(id JobID, reason string) error
	Cancel(id JobID, reason string) error
	Forget(id JobID)
	SetBackgroundRate(limit rate.Limit)
	Stats() WorkerStats
}

// Config tunes the coordinator. Zero values fall back to DefaultConfig.
type Config struct {
	// JobTimeout is how long a job may stay active before the monitor
	// abandons it.
	JobTimeout      time.Duration
	MonitorInterval time.Duration
	// FailureRateThreshold triggers high_preparation_failure_rate once at
	// least FailureRateMinSamples recent outcomes are known.
	FailureRateThreshold  float64
	FailureRateMinSamples int
	// CacheMissThreshold NoReadyContent rejections within CacheMissWindow
	// trigger cache_miss_spike.
	CacheMissThreshold int
	CacheMissWindow    time.Duration
	// ThrottledRate is the background job start rate while any user is
	// under the throttle mitigation.
	ThrottledRate rate.Limit
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		JobTimeout:            30 * time.Second,
		MonitorInterval:       5 * time.Second,
		FailureRateThreshold:  0.5,
		FailureRateMinSamples: 4,
		CacheMissThreshold:    3,
		CacheMissWindow:       time.Minute,
		ThrottledRate:         1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
	if c.FailureRateMinSamples <= 0 {
		c.FailureRateMinSamples = d.FailureRateMinSamples
	}
	if c.CacheMissThreshold <= 0 {
		c.CacheMissThreshold = d.CacheMissThreshold
	}
	if c.CacheMissWindow <= 0 {
		c.CacheMissWindow = d.CacheMissWindow
	}
	if c.ThrottledRate <= 0 {
		c.ThrottledRate = d.ThrottledRate
	}
	return c
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMetrics enables Prometheus recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithStore replaces the in-memory session store.
func WithStore(store Store) Option {
	return func(c *Coordinator) { c.store = store }
}

// Coordinator owns the LIVE/READY/PREPARING rotation of every user's three
// channels and keeps their content pipeline full.
type Coordinator struct {
	cache       *ReadyContentCache
	worker      Preparer
	progression ProgressionSource
	cfg         Config
	clock       Clock
	log         *slog.Logger
	metrics     *metrics.Metrics

	mu    sync.RWMutex
	store Store

	throttleMu sync.Mutex
	throttled  int
}

// NewCoordinator wires a coordinator to its collaborators.
func NewCoordinator(cache *ReadyContentCache, worker Preparer, progression ProgressionSource, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cache:       cache,
		worker:      worker,
		progression: progression,
		cfg:         cfg.withDefaults(),
		clock:       realClock{},
		log:         slog.Default(),
		store:       NewInMemoryStore(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize creates the user's pipeline with channel 1 READY, channel 2
// PREPARING and channel 3 LIVE, and starts preparing content for all three.
// Calling it again for an initialized user returns the current state.
func (c *Coordinator) Initialize(user UserID) (UserPipelineState, error) {
	c.mu.Lock()
	if s, ok := c.store.GetSession(user); ok {
		c.mu.Unlock()
		return c.snapshot(s), nil
	}
	s := newSession(user)
	s.mu.Lock()
	c.store.SetSession(s)
	c.mu.Unlock()

	now := c.clock.Now()
	s.channels = [3]ChannelState{
		{ID: Channel1, Status: StatusReady, LastTransitionTime: now},
		{ID: Channel2, Status: StatusPreparing, LastTransitionTime: now},
		{ID: Channel3, Status: StatusLive, LastTransitionTime: now},
	}

	schedule := []struct {
		ch   ChannelID
		prio Priority
	}{
		{Channel3, PriorityHigh},
		{Channel1, PriorityHigh},
		{Channel2, PriorityNormal},
	}
	for _, p := range schedule {
		if _, err := c.requestPreparationLocked(s, p.ch, p.prio); err != nil {
			c.log.Warn("initial preparation not started",
				slog.String("user_id", string(user)),
				slog.Int("channel_id", int(p.ch)),
				slog.String("error", err.Error()))
		}
	}
	s.mu.Unlock()

	c.log.Info("pipeline initialized", slog.String("user_id", string(user)))
	return c.snapshot(s), nil
}

// RequestBackgroundPreparation starts preparing the channel's next content
// unit. If the channel already has an active job, that job is returned with
// Existing set and nothing new is started.
func (c *Coordinator) RequestBackgroundPreparation(user UserID, channel ChannelID, prio Priority) (PreparationProgress, error) {
	if !channel.Valid() {
		return PreparationProgress{}, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	s, err := c.session(user)
	if err != nil {
		return PreparationProgress{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return c.requestPreparationLocked(s, channel, prio)
}

// requestPreparationLocked must be called with s.mu held.
func (c *Coordinator) requestPreparationLocked(s *Session, channel ChannelID, prio Priority) (PreparationProgress, error) {
	if id, ok := s.jobs[channel]; ok {
		job, err := c.worker.GetProgress(id)
		if err == nil && job.Status.Active() {
			return PreparationProgress{Job: job, Existing: true}, nil
		}
		if err == nil {
			c.worker.Forget(id)
		}
		delete(s.jobs, channel)
	}

	content, err := c.progression.NextContentID(s.ID, channel)
	if err != nil {
		return PreparationProgress{}, fmt.Errorf("%w: user %s channel %d: %v", ErrBackgroundPreparationFailed, s.ID, channel, err)
	}

	job, err := c.worker.RequestPreparation(PreparationRequest{
		UserID:                s.ID,
		ChannelID:             channel,
		ContentID:             content,
		Priority:              prio,
		Simplified:            s.mitigation.simplified,
		PreferCachedTemplates: s.mitigation.cachedTemplates,
	})
	if err != nil {
		return PreparationProgress{}, fmt.Errorf("%w: user %s channel %d: %v", ErrBackgroundPreparationFailed, s.ID, channel, err)
	}
	s.jobs[channel] = job.ID

	c.log.Debug("preparation requested",
		slog.String("user_id", string(s.ID)),
		slog.Int("channel_id", int(channel)),
		slog.String("job_id", string(job.ID)),
		slog.String("content_id", string(content)),
		slog.String("priority", string(job.Priority)))
	return PreparationProgress{Job: job}, nil
}

// healLocked starts preparation for every channel that has neither content
// nor an active job. It reports whether all such channels now have a job.
// Must be called with s.mu held.
func (c *Coordinator) healLocked(s *Session) bool {
	ok := true
	for _, ch := range Channels {
		if _, cached := c.cache.peek(s.ID, ch); cached {
			continue
		}
		prio := PriorityNormal
		if st := s.channels[ch-1].Status; st == StatusLive || st == StatusReady {
			prio = PriorityHigh
		}
		if _, err := c.requestPreparationLocked(s, ch, prio); err != nil {
			ok = false
			c.log.Warn("self-healing preparation failed",
				slog.String("user_id", string(s.ID)),
				slog.Int("channel_id", int(ch)),
				slog.String("error", err.Error()))
		}
	}
	return ok
}

// EmergencyPreparation synchronously prepares a simplified unit for channel
// and stores it in the cache, bypassing job tracking. An empty content id is
// resolved through the ProgressionSource.
func (c *Coordinator) EmergencyPreparation(ctx context.Context, user UserID, channel ChannelID, content ContentID) (EmergencyResult, error) {
	if !channel.Valid() {
		return EmergencyResult{}, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	s, err := c.session(user)
	if err != nil {
		return EmergencyResult{}, err
	}

	start := c.clock.Now()
	if content == "" {
		s.mu.Lock()
		content, err = c.progression.NextContentID(user, channel)
		s.mu.Unlock()
		if err != nil {
			return EmergencyResult{}, fmt.Errorf("%w: %v", ErrPreparationFailed, err)
		}
	}

	unit, err := c.worker.EmergencyPrepare(ctx, user, content)
	if err != nil {
		c.log.Error("emergency preparation failed",
			slog.String("user_id", string(user)),
			slog.Int("channel_id", int(channel)),
			slog.String("error", err.Error()))
		return EmergencyResult{}, err
	}
	unit.ChannelID = channel

	s.mu.Lock()
	c.cache.Store(unit, channel)
	// A LIVE channel's replacement unit is the one now being consumed.
	if s.channels[channel-1].Status == StatusLive {
		c.cache.PromoteActive(user, channel)
	}
	s.emergencies++
	s.mu.Unlock()

	elapsed := c.clock.Now().Sub(start)
	c.log.Info("emergency preparation stored",
		slog.String("user_id", string(user)),
		slog.Int("channel_id", int(channel)),
		slog.String("content_id", string(content)),
		slog.Int("elapsed_ms", int(elapsed.Milliseconds())))
	return EmergencyResult{Unit: unit, Elapsed: elapsed}, nil
}

// LiveContent returns the unit of the LIVE channel and marks it as being
// consumed, so it can be presented again after a reconnect.
func (c *Coordinator) LiveContent(user UserID) (PreparedUnit, error) {
	s, err := c.session(user)
	if err != nil {
		return PreparedUnit{}, err
	}

	s.mu.Lock()
	live := liveChannel(s.channels)
	s.mu.Unlock()

	av := c.cache.CheckAvailability(user, live)
	if !av.IsReady {
		return PreparedUnit{}, fmt.Errorf("%w: live channel %d of user %s is still preparing", ErrNoReadyContent, live, user)
	}
	c.cache.PromoteActive(user, live)
	return *av.Unit, nil
}

// InvalidateContent drops a channel's cached unit and starts preparing a
// replacement.
func (c *Coordinator) InvalidateContent(user UserID, channel ChannelID) (PreparationProgress, error) {
	if !channel.Valid() {
		return PreparationProgress{}, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	s, err := c.session(user)
	if err != nil {
		return PreparationProgress{}, err
	}
	c.cache.Invalidate(user, channel)

	s.mu.Lock()
	defer s.mu.Unlock()
	prio := PriorityNormal
	if st := s.channels[channel-1].Status; st != StatusPreparing {
		prio = PriorityHigh
	}
	return c.requestPreparationLocked(s, channel, prio)
}

// JobProgress returns the latest state of a preparation job.
func (c *Coordinator) JobProgress(id JobID) (PreparationJob, error) {
	return c.worker.GetProgress(id)
}

// State returns a snapshot of the user's pipeline.
func (c *Coordinator) State(user UserID) (UserPipelineState, error) {
	s, err := c.session(user)
	if err != nil {
		return UserPipelineState{}, err
	}
	return c.snapshot(s), nil
}

// EndSession tears the user's pipeline down: active jobs are abandoned and
// cached units dropped.
func (c *Coordinator) EndSession(user UserID) error {
	c.mu.Lock()
	s, ok := c.store.GetSession(user)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUserNotInitialized, user)
	}
	c.store.DeleteSession(user)
	c.mu.Unlock()

	s.mu.Lock()
	if s.recheck != nil {
		s.recheck.Stop()
		s.recheck = nil
	}
	for ch, id := range s.jobs {
		_ = c.worker.Cancel(id, "session ended")
		c.worker.Forget(id)
		delete(s.jobs, ch)
	}
	throttled := s.mitigation.throttle
	s.mitigation = mitigationSet{}
	s.mu.Unlock()

	if throttled {
		c.adjustThrottle(-1)
	}
	dropped := c.cache.DropUser(user)
	c.log.Info("pipeline session ended",
		slog.String("user_id", string(user)),
		slog.Int("dropped_units", dropped))
	return nil
}

// ActiveUsers returns the number of initialized users.
func (c *Coordinator) ActiveUsers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store.ListSessionIDs())
}

// HealthCounts returns how many users are in each health level.
func (c *Coordinator) HealthCounts() map[SystemHealth]int {
	counts := map[SystemHealth]int{HealthOptimal: 0, HealthDegraded: 0, HealthCritical: 0}
	for _, s := range c.sessions() {
		s.mu.Lock()
		counts[s.health]++
		s.mu.Unlock()
	}
	return counts
}

func (c *Coordinator) session(user UserID) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.store.GetSession(user)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotInitialized, user)
	}
	return s, nil
}

func (c *Coordinator) sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.store.ListSessionIDs()
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := c.store.GetSession(id); ok {
			out = append(out, s)
		}
	}
	return out
}

func (c *Coordinator) snapshot(s *Session) UserPipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := UserPipelineState{
		UserID:        s.ID,
		Channels:      s.channels,
		RotationCount: s.rotationCount,
		ActiveJobs:    make(map[ChannelID]PreparationJob),
		SystemHealth:  s.health,
	}
	for i := range st.Channels {
		if id, ok := c.cache.peek(s.ID, st.Channels[i].ID); ok {
			st.Channels[i].CachedContentID = id
		}
	}
	for ch, id := range s.jobs {
		if job, err := c.worker.GetProgress(id); err == nil && job.Status.Active() {
			st.ActiveJobs[ch] = job
		}
	}
	return st
}

func (c *Coordinator) adjustThrottle(delta int) {
	c.throttleMu.Lock()
	defer c.throttleMu.Unlock()

	c.throttled += delta
	if c.throttled < 0 {
		c.throttled = 0
	}
	if c.throttled > 0 {
		c.worker.SetBackgroundRate(c.cfg.ThrottledRate)
		return
	}
	c.worker.SetBackgroundRate(rate.Inf)
}

func liveChannel(channels [3]ChannelState) ChannelID {
	for _, ch := range channels {
		if ch.Status == StatusLive {
			return ch.ID
		}
	}
	return 0
}
