package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeClock only moves when Advance is called. Timers fire from Advance on
// the caller's goroutine, outside the clock's lock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, pending []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped || t.fired:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

var errStubFailure = errors.New("stub assembly failure")

// stubAssembler returns a small stitch per content id. Content ids with
// holdPrefix block until release is closed or ctx ends; ids with failPrefix
// fail.
type stubAssembler struct {
	mu         sync.Mutex
	calls      []AssembleRequest
	holdPrefix string
	failPrefix string
	release    chan struct{}
	once       sync.Once
	progress   []float64
}

func newStubAssembler() *stubAssembler {
	return &stubAssembler{release: make(chan struct{})}
}

func (a *stubAssembler) hold(prefix string) *stubAssembler {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.holdPrefix = prefix
	return a
}

func (a *stubAssembler) failing(prefix string) *stubAssembler {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failPrefix = prefix
	return a
}

// unblock releases every held and future held assembly.
func (a *stubAssembler) unblock() {
	a.once.Do(func() { close(a.release) })
}

func (a *stubAssembler) Assemble(ctx context.Context, req AssembleRequest) (Stitch, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	hold := a.holdPrefix != "" && strings.HasPrefix(string(req.ContentID), a.holdPrefix)
	fail := a.failPrefix != "" && strings.HasPrefix(string(req.ContentID), a.failPrefix)
	progress := a.progress
	release := a.release
	a.mu.Unlock()

	for _, p := range progress {
		req.Progress(p)
	}
	if hold {
		select {
		case <-release:
		case <-ctx.Done():
			return Stitch{}, ctx.Err()
		}
	}
	if fail {
		return Stitch{}, errStubFailure
	}

	n := 3
	if req.Simplified {
		n = 1
	}
	st := Stitch{ConceptID: string(req.ContentID)}
	for i := 0; i < n; i++ {
		st.Questions = append(st.Questions, Question{
			ID:     fmt.Sprintf("%s/%d", req.ContentID, i),
			Prompt: "2 × 3",
			Answer: "6",
		})
	}
	return st, nil
}

func (a *stubAssembler) contentOrder() []ContentID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ContentID, 0, len(a.calls))
	for _, c := range a.calls {
		out = append(out, c.ContentID)
	}
	return out
}

// seqProgression hands out "ch<channel>-<n>" ids. Once armed, the next call
// signals entered and blocks until gate is closed.
type seqProgression struct {
	mu      sync.Mutex
	next    map[ChannelID]int
	err     error
	armed   bool
	entered chan struct{}
	gate    chan struct{}
}

func newSeqProgression() *seqProgression {
	return &seqProgression{
		next:    make(map[ChannelID]int),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (p *seqProgression) NextContentID(user UserID, channel ChannelID) (ContentID, error) {
	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return "", err
	}
	p.next[channel]++
	id := ContentID(fmt.Sprintf("ch%d-%d", channel, p.next[channel]))
	armed := p.armed
	p.armed = false
	p.mu.Unlock()

	if armed {
		close(p.entered)
		<-p.gate
	}
	return id, nil
}

func (p *seqProgression) arm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armed = true
}

func (p *seqProgression) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type testPipeline struct {
	coord       *Coordinator
	cache       *ReadyContentCache
	worker      *Worker
	clock       *fakeClock
	assembler   *stubAssembler
	progression *seqProgression
}

func newTestPipeline(t *testing.T, asm *stubAssembler, cfg Config) *testPipeline {
	t.Helper()
	clock := newFakeClock()
	cache := NewReadyContentCache(0, clock)
	worker := NewWorker(asm, cache, WorkerConfig{Runners: 3, EmergencyBudget: 200 * time.Millisecond}, clock, discardLogger, nil)
	t.Cleanup(func() {
		asm.unblock()
		worker.Close()
	})
	prog := newSeqProgression()
	coord := NewCoordinator(cache, worker, prog, cfg, WithClock(clock), WithLogger(discardLogger))
	return &testPipeline{coord: coord, cache: cache, worker: worker, clock: clock, assembler: asm, progression: prog}
}

// waitCached blocks until every given channel of user holds a unit.
func (p *testPipeline) waitCached(t *testing.T, user UserID, channels ...ChannelID) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, ch := range channels {
			if _, ok := p.cache.peek(user, ch); !ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func statuses(st UserPipelineState) map[ChannelID]ChannelStatus {
	out := make(map[ChannelID]ChannelStatus, 3)
	for _, ch := range st.Channels {
		out[ch.ID] = ch.Status
	}
	return out
}

// stubPreparer is a Preparer that never runs anything.
type stubPreparer struct{}

func (stubPreparer) RequestPreparation(req PreparationRequest) (PreparationJob, error) {
	return PreparationJob{ID: "job", UserID: req.UserID, ChannelID: req.ChannelID, Status: JobQueued}, nil
}

func (stubPreparer) GetProgress(id JobID) (PreparationJob, error) {
	return PreparationJob{}, ErrJobNotFound
}

func (stubPreparer) EmergencyPrepare(ctx context.Context, user UserID, content ContentID) (PreparedUnit, error) {
	return PreparedUnit{}, ErrPreparationFailed
}

func (stubPreparer) Abandon(id JobID, reason string) error { return nil }

func (stubPreparer) Cancel(id JobID, reason string) error { return nil }

func (stubPreparer) Forget(id JobID) {}

func (stubPreparer) SetBackgroundRate(limit rate.Limit) {}

func (stubPreparer) Stats() WorkerStats { return WorkerStats{} }
