package pipeline

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stitch-pipeline/internal/platform/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// DefaultRunners is the number of jobs assembled concurrently.
	DefaultRunners = 4
	// DefaultEmergencyBudget bounds EmergencyPrepare.
	DefaultEmergencyBudget = 3 * time.Second

	initialEstimate = 2 * time.Second
	outcomeWindow   = 20
	outcomeMaxAge   = 5 * time.Minute
	// progress stays below 1.0 until the unit is stored.
	maxRunningProgress = 0.99
)

// ContentAssembler builds the question set for a content id. Implementations
// should honour ctx; the worker stops waiting once ctx is done either way.
type ContentAssembler interface {
	Assemble(ctx context.Context, req AssembleRequest) (Stitch, error)
}

// AssembleRequest is passed to the ContentAssembler.
type AssembleRequest struct {
	UserID                UserID
	ContentID             ContentID
	Simplified            bool
	PreferCachedTemplates bool
	// Progress may be called with values in [0, 1]; it is never nil.
	Progress func(float64)
}

// ContentSink receives finished units. *ReadyContentCache implements it.
type ContentSink interface {
	Store(unit PreparedUnit, channel ChannelID)
}

// PreparationRequest asks the worker to prepare one unit in the background.
type PreparationRequest struct {
	UserID                UserID
	ChannelID             ChannelID
	ContentID             ContentID
	Priority              Priority
	Simplified            bool
	PreferCachedTemplates bool
}

// WorkerConfig configures a Worker. Zero values use the defaults.
type WorkerConfig struct {
	Runners         int
	EmergencyBudget time.Duration
}

// WorkerStats is a snapshot of worker activity.
type WorkerStats struct {
	Queued            int           `json:"queued"`
	Running           int           `json:"running"`
	Completed         int64         `json:"completed"`
	Failed            int64         `json:"failed"`
	Emergencies       int64         `json:"emergencies"`
	EmergencyFailures int64         `json:"emergency_failures"`
	RecentSamples     int           `json:"recent_samples"`
	RecentFailureRate float64       `json:"recent_failure_rate"`
	AverageDuration   time.Duration `json:"average_duration_ns"`
}

type outcome struct {
	at     time.Time
	failed bool
}

type jobRecord struct {
	job       PreparationJob
	req       PreparationRequest
	seq       uint64
	index     int // position in the queue, -1 once dequeued
	cancel    context.CancelFunc
	abandoned bool
}

// jobQueue orders high priority before normal, FIFO within a priority.
type jobQueue []*jobRecord

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority == PriorityHigh
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	rec := x.(*jobRecord)
	rec.index = len(*q)
	*q = append(*q, rec)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*q = old[:n-1]
	return rec
}

// Worker prepares units asynchronously on a fixed pool of runners and stores
// successful results into its ContentSink. Failures only change job status;
// the sink is left untouched so stale content stays available.
type Worker struct {
	assembler ContentAssembler
	sink      ContentSink
	clock     Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
	budget    time.Duration

	mu          sync.Mutex
	cond        *sync.Cond
	queue       jobQueue
	jobs        map[JobID]*jobRecord
	seq         uint64
	running     int
	closed      bool
	avgDuration time.Duration
	outcomes    []outcome // ring of the last outcomeWindow finished jobs
	nextOutcome int
	completed   int64
	failed      int64
	emergencies int64
	emergFailed int64

	limiter *rate.Limiter
	flight  singleflight.Group
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker starts a worker with cfg.Runners runners. Metrics may be nil.
func NewWorker(assembler ContentAssembler, sink ContentSink, cfg WorkerConfig, clock Clock, log *slog.Logger, m *metrics.Metrics) *Worker {
	if cfg.Runners <= 0 {
		cfg.Runners = DefaultRunners
	}
	if cfg.EmergencyBudget <= 0 {
		cfg.EmergencyBudget = DefaultEmergencyBudget
	}
	if clock == nil {
		clock = realClock{}
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		assembler:   assembler,
		sink:        sink,
		clock:       clock,
		log:         log,
		metrics:     m,
		budget:      cfg.EmergencyBudget,
		jobs:        make(map[JobID]*jobRecord),
		avgDuration: initialEstimate,
		outcomes:    make([]outcome, 0, outcomeWindow),
		limiter:     rate.NewLimiter(rate.Inf, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	w.cond = sync.NewCond(&w.mu)

	w.wg.Add(cfg.Runners)
	for i := 0; i < cfg.Runners; i++ {
		go w.runner()
	}
	return w
}

// RequestPreparation registers a job and returns immediately with it in
// queued state. The job runs on the next free runner.
func (w *Worker) RequestPreparation(req PreparationRequest) (PreparationJob, error) {
	if !req.ChannelID.Valid() {
		return PreparationJob{}, fmt.Errorf("%w: %d", ErrUnknownChannel, req.ChannelID)
	}
	if req.Priority != PriorityHigh {
		req.Priority = PriorityNormal
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return PreparationJob{}, ErrWorkerClosed
	}

	now := w.clock.Now()
	w.seq++
	rec := &jobRecord{
		req: req,
		seq: w.seq,
		job: PreparationJob{
			ID:                    JobID(uuid.NewString()),
			UserID:                req.UserID,
			ChannelID:             req.ChannelID,
			ContentID:             req.ContentID,
			Priority:              req.Priority,
			Status:                JobQueued,
			StartTime:             now,
			EstimatedCompleteTime: now.Add(w.avgDuration),
		},
	}
	w.jobs[rec.job.ID] = rec
	heap.Push(&w.queue, rec)
	w.cond.Signal()

	return rec.job, nil
}

// GetProgress returns the latest known state of a job.
func (w *Worker) GetProgress(id JobID) (PreparationJob, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, ok := w.jobs[id]
	if !ok {
		return PreparationJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return rec.job, nil
}

// Abandon fails an active job that ran past its budget. Its eventual result
// is discarded and the job counts towards the failure rate. Abandoning a
// finished job is a no-op.
func (w *Worker) Abandon(id JobID, reason string) error {
	return w.stop(id, reason, true)
}

// Cancel stops an active job that is no longer wanted, e.g. because its
// session ended or its channel went LIVE. Unlike Abandon it is not counted
// as a failure.
func (w *Worker) Cancel(id JobID, reason string) error {
	return w.stop(id, reason, false)
}

func (w *Worker) stop(id JobID, reason string, failed bool) error {
	w.mu.Lock()
	rec, ok := w.jobs[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !rec.job.Status.Active() {
		w.mu.Unlock()
		return nil
	}
	w.stopLocked(rec, reason)
	if failed {
		w.recordOutcomeLocked(true)
	}
	job := rec.job
	w.mu.Unlock()

	label := "cancelled"
	if failed {
		label = "abandoned"
		w.log.Warn("preparation abandoned",
			slog.String("job_id", string(job.ID)),
			slog.String("user_id", string(job.UserID)),
			slog.Int("channel_id", int(job.ChannelID)),
			slog.String("reason", reason))
	} else {
		w.log.Debug("preparation cancelled",
			slog.String("job_id", string(job.ID)),
			slog.String("user_id", string(job.UserID)),
			slog.Int("channel_id", int(job.ChannelID)),
			slog.String("reason", reason))
	}
	if w.metrics != nil {
		w.metrics.IncPreparations(label)
	}
	return nil
}

// stopLocked marks rec failed and detaches it from the queue and its runner.
func (w *Worker) stopLocked(rec *jobRecord, reason string) {
	rec.abandoned = true
	if rec.index >= 0 {
		heap.Remove(&w.queue, rec.index)
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	rec.job.Status = JobFailed
	rec.job.Error = reason
	rec.job.ActualCompleteTime = w.clock.Now()
}

// Forget drops a finished job from the worker's records.
func (w *Worker) Forget(id JobID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if rec, ok := w.jobs[id]; ok && !rec.job.Status.Active() {
		delete(w.jobs, id)
	}
}

// EmergencyPrepare synchronously assembles a simplified unit within the
// emergency budget. Concurrent calls for the same user and content share one
// assembly. It never waits longer than the budget.
func (w *Worker) EmergencyPrepare(ctx context.Context, user UserID, content ContentID) (PreparedUnit, error) {
	key := string(user) + "\x00" + string(content)
	v, err, _ := w.flight.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, w.budget)
		defer cancel()

		stitch, err := w.assemble(ctx, AssembleRequest{
			UserID:                user,
			ContentID:             content,
			Simplified:            true,
			PreferCachedTemplates: true,
			Progress:              func(float64) {},
		})

		w.mu.Lock()
		w.emergencies++
		if err != nil {
			w.emergFailed++
		}
		w.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPreparationFailed, content, err)
		}
		return PreparedUnit{
			UserID:     user,
			ContentID:  content,
			Content:    stitch,
			Simplified: true,
			PreparedAt: w.clock.Now(),
		}, nil
	})
	if err != nil {
		if w.metrics != nil {
			w.metrics.IncEmergencies("failed")
		}
		return PreparedUnit{}, err
	}
	if w.metrics != nil {
		w.metrics.IncEmergencies("success")
	}
	return v.(PreparedUnit), nil
}

// SetBackgroundRate limits how many background jobs may start per second.
// rate.Inf removes the limit. Emergency preparation is never throttled.
func (w *Worker) SetBackgroundRate(limit rate.Limit) {
	w.limiter.SetLimit(limit)
}

// Stats returns a snapshot of worker activity.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.clock.Now().Add(-outcomeMaxAge)
	samples, failures := 0, 0
	for _, o := range w.outcomes {
		if o.at.Before(cutoff) {
			continue
		}
		samples++
		if o.failed {
			failures++
		}
	}
	var failureRate float64
	if samples > 0 {
		failureRate = float64(failures) / float64(samples)
	}
	return WorkerStats{
		Queued:            w.queue.Len(),
		Running:           w.running,
		Completed:         w.completed,
		Failed:            w.failed,
		Emergencies:       w.emergencies,
		EmergencyFailures: w.emergFailed,
		RecentSamples:     samples,
		RecentFailureRate: failureRate,
		AverageDuration:   w.avgDuration,
	}
}

// Close stops the runners and waits for them. Queued and running jobs end
// as failed without counting towards the failure rate.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, rec := range w.jobs {
		if rec.job.Status.Active() {
			w.stopLocked(rec, "worker closed")
		}
	}
	w.cond.Broadcast()
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}

func (w *Worker) runner() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		for w.queue.Len() == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			return
		}
		rec := heap.Pop(&w.queue).(*jobRecord)
		ctx, cancel := context.WithCancel(w.ctx)
		rec.cancel = cancel
		w.running++
		w.mu.Unlock()

		w.run(ctx, rec)
		cancel()

		w.mu.Lock()
		w.running--
		w.mu.Unlock()
	}
}

func (w *Worker) run(ctx context.Context, rec *jobRecord) {
	if err := w.limiter.Wait(ctx); err != nil {
		w.finish(rec, Stitch{}, err)
		return
	}

	w.mu.Lock()
	if rec.abandoned {
		w.mu.Unlock()
		return
	}
	now := w.clock.Now()
	rec.job.Status = JobInProgress
	rec.job.EstimatedCompleteTime = now.Add(w.avgDuration)
	w.mu.Unlock()

	stitch, err := w.assemble(ctx, AssembleRequest{
		UserID:                rec.req.UserID,
		ContentID:             rec.req.ContentID,
		Simplified:            rec.req.Simplified,
		PreferCachedTemplates: rec.req.PreferCachedTemplates,
		Progress:              func(p float64) { w.reportProgress(rec, p) },
	})
	w.finish(rec, stitch, err)
}

func (w *Worker) reportProgress(rec *jobRecord, p float64) {
	if p > maxRunningProgress {
		p = maxRunningProgress
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if rec.job.Status == JobInProgress && p > rec.job.Progress {
		rec.job.Progress = p
	}
}

func (w *Worker) finish(rec *jobRecord, stitch Stitch, err error) {
	w.mu.Lock()
	if rec.abandoned {
		w.mu.Unlock()
		return
	}

	now := w.clock.Now()
	rec.job.ActualCompleteTime = now
	if err != nil {
		rec.job.Status = JobFailed
		rec.job.Error = err.Error()
		w.recordOutcomeLocked(true)
	} else {
		w.sink.Store(PreparedUnit{
			UserID:     rec.job.UserID,
			ContentID:  rec.job.ContentID,
			Content:    stitch,
			Simplified: rec.req.Simplified,
			PreparedAt: now,
		}, rec.job.ChannelID)
		rec.job.Status = JobCompleted
		rec.job.Progress = 1
		w.recordOutcomeLocked(false)
		if d := now.Sub(rec.job.StartTime); d > 0 {
			w.avgDuration = (w.avgDuration*7 + d*3) / 10
		}
	}
	job := rec.job
	w.mu.Unlock()

	attrs := []any{
		slog.String("job_id", string(job.ID)),
		slog.String("user_id", string(job.UserID)),
		slog.Int("channel_id", int(job.ChannelID)),
		slog.String("content_id", string(job.ContentID)),
	}
	if err != nil {
		w.log.Warn("preparation failed", append(attrs, slog.String("error", err.Error()))...)
	} else {
		w.log.Debug("preparation completed", attrs...)
	}
	if w.metrics != nil {
		w.metrics.IncPreparations(string(job.Status))
		if err == nil {
			w.metrics.ObservePreparationDuration(job.ActualCompleteTime.Sub(job.StartTime))
		}
	}
}

// recordOutcomeLocked must be called with w.mu held.
func (w *Worker) recordOutcomeLocked(failed bool) {
	if failed {
		w.failed++
	} else {
		w.completed++
	}
	o := outcome{at: w.clock.Now(), failed: failed}
	if len(w.outcomes) < outcomeWindow {
		w.outcomes = append(w.outcomes, o)
		return
	}
	w.outcomes[w.nextOutcome] = o
	w.nextOutcome = (w.nextOutcome + 1) % outcomeWindow
}

type assembleResult struct {
	stitch Stitch
	err    error
}

// assemble runs the assembler on its own goroutine so a stuck assembler can
// never hold a runner past ctx.
func (w *Worker) assemble(ctx context.Context, req AssembleRequest) (Stitch, error) {
	done := make(chan assembleResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- assembleResult{err: fmt.Errorf("assembler panic: %v", r)}
			}
		}()
		s, err := w.assembler.Assemble(ctx, req)
		done <- assembleResult{stitch: s, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && len(r.stitch.Questions) == 0 {
			return Stitch{}, errors.New("assembler returned no questions")
		}
		return r.stitch, r.err
	case <-ctx.Done():
		return Stitch{}, ctx.Err()
	}
}
