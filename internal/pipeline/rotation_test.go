package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_assigns_starting_permutation(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler(), Config{})

	st, err := p.coord.Initialize("u1")
	require.NoError(t, err)

	assert.Equal(t, map[ChannelID]ChannelStatus{
		Channel1: StatusReady,
		Channel2: StatusPreparing,
		Channel3: StatusLive,
	}, statuses(st))
	assert.Equal(t, HealthOptimal, st.SystemHealth)
	assert.Equal(t, Channel3, st.Live())

	p.waitCached(t, "u1", Channel1, Channel2, Channel3)
}

func TestInitialize_is_idempotent(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler().hold("ch"), Config{})

	first, err := p.coord.Initialize("u1")
	require.NoError(t, err)
	second, err := p.coord.Initialize("u1")
	require.NoError(t, err)

	assert.Equal(t, statuses(first), statuses(second))
	require.Len(t, second.ActiveJobs, 3)
	for ch, job := range first.ActiveJobs {
		assert.Equal(t, job.ID, second.ActiveJobs[ch].ID, "channel %d", ch)
	}
}

func TestRotate_scenario_stitch_complete(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler().hold("ch2-"), Config{})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)
	p.waitCached(t, "u1", Channel1, Channel3)

	res, err := p.coord.Rotate("u1", "stitch_complete")
	require.NoError(t, err)

	want := []Transition{
		{ChannelID: Channel1, From: StatusReady, To: StatusLive, TriggerReason: "stitch_complete"},
		{ChannelID: Channel3, From: StatusLive, To: StatusPreparing, TriggerReason: "stitch_complete"},
	}
	if diff := cmp.Diff(want, res.Transitions, cmpopts.IgnoreFields(Transition{}, "Timestamp")); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Channel3, res.PreviousLive)
	assert.Equal(t, Channel1, res.NewLive)
	assert.Equal(t, int64(1), res.RotationCount)
	assert.True(t, res.BackgroundPreparationStarted)
	assert.False(t, res.Corrected)

	st, err := p.coord.State("u1")
	require.NoError(t, err)
	assert.Equal(t, map[ChannelID]ChannelStatus{
		Channel1: StatusLive,
		Channel2: StatusPreparing,
		Channel3: StatusPreparing,
	}, statuses(st))
}

func TestRotate_in_progress_channel_stays_preparing(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler().hold("ch2-"), Config{})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)
	p.waitCached(t, "u1", Channel1, Channel3)

	before, err := p.coord.State("u1")
	require.NoError(t, err)
	require.Contains(t, before.ActiveJobs, Channel2)

	_, err = p.coord.Rotate("u1", "stitch_complete")
	require.NoError(t, err)

	st, err := p.coord.State("u1")
	require.NoError(t, err)
	assert.Equal(t, StatusPreparing, st.Channel(Channel2).Status)
	assert.Equal(t, 1, st.Count(StatusLive))
	assert.LessOrEqual(t, st.Count(StatusReady), 1)
}

func TestRotate_prepared_channel_promoted_to_ready(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler(), Config{})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)
	p.waitCached(t, "u1", Channel1, Channel2, Channel3)

	res, err := p.coord.Rotate("u1", "stitch_complete")
	require.NoError(t, err)
	require.Len(t, res.Transitions, 3)

	st, err := p.coord.State("u1")
	require.NoError(t, err)
	assert.Equal(t, map[ChannelID]ChannelStatus{
		Channel1: StatusLive,
		Channel2: StatusReady,
		Channel3: StatusPreparing,
	}, statuses(st))
}

func TestRotate_full_cycle_returns_to_start(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler(), Config{})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)

	lives := []ChannelID{}
	for i := 0; i < 3; i++ {
		p.waitCached(t, "u1", Channel1, Channel2, Channel3)
		res, err := p.coord.Rotate("u1", "stitch_complete")
		require.NoError(t, err)
		lives = append(lives, res.NewLive)
	}
	assert.Equal(t, []ChannelID{Channel1, Channel2, Channel3}, lives)

	st, err := p.coord.State("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.RotationCount)
	assert.Equal(t, 1, st.Count(StatusLive))
}

func TestRotate_no_ready_content_leaves_state_unchanged(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler().hold("ch"), Config{})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)

	before, err := p.coord.State("u1")
	require.NoError(t, err)

	_, err = p.coord.Rotate("u1", "stitch_complete")
	require.ErrorIs(t, err, ErrNoReadyContent)

	after, err := p.coord.State("u1")
	require.NoError(t, err)
	if diff := cmp.Diff(before.Channels, after.Channels); diff != "" {
		t.Errorf("channels changed (-before +after):\n%s", diff)
	}
	assert.Equal(t, int64(0), after.RotationCount)
}

func TestRotate_ready_channel_without_content_blocks_rotation(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler().hold("ch1-"), Config{})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)
	p.waitCached(t, "u1", Channel2, Channel3)

	before, err := p.coord.State("u1")
	require.NoError(t, err)
	require.Equal(t, StatusReady, before.Channel(Channel1).Status)
	require.Equal(t, StatusPreparing, before.Channel(Channel2).Status)

	_, err = p.coord.Rotate("u1", "stitch_complete")
	require.ErrorIs(t, err, ErrNoReadyContent, "a prepared PREPARING channel must not jump the READY one")

	after, err := p.coord.State("u1")
	require.NoError(t, err)
	if diff := cmp.Diff(before.Channels, after.Channels); diff != "" {
		t.Errorf("channels changed (-before +after):\n%s", diff)
	}
}

func TestRotate_settles_prepared_channel_when_none_ready(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler().hold("ch2-"), Config{})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)
	p.waitCached(t, "u1", Channel1, Channel3)

	_, err = p.coord.Rotate("u1", "stitch_complete")
	require.NoError(t, err)
	st, err := p.coord.State("u1")
	require.NoError(t, err)
	require.Equal(t, 0, st.Count(StatusReady))

	// Channel 3's replacement finishes while channel 2 is still held.
	p.waitCached(t, "u1", Channel3)
	res, err := p.coord.Rotate("u1", "stitch_complete")
	require.NoError(t, err)

	want := []Transition{
		{ChannelID: Channel3, From: StatusPreparing, To: StatusReady, TriggerReason: "stitch_complete"},
		{ChannelID: Channel1, From: StatusLive, To: StatusPreparing, TriggerReason: "stitch_complete"},
		{ChannelID: Channel3, From: StatusReady, To: StatusLive, TriggerReason: "stitch_complete"},
	}
	if diff := cmp.Diff(want, res.Transitions, cmpopts.IgnoreFields(Transition{}, "Timestamp")); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Channel3, res.NewLive)
	for _, tr := range res.Transitions {
		assert.False(t, tr.From == StatusPreparing && tr.To == StatusLive, "edge outside the cycle: %+v", tr)
	}
}

func TestRotate_superseded_job_is_not_a_failure(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler().hold("ch"), Config{})
	st, err := p.coord.Initialize("u1")
	require.NoError(t, err)
	held := st.ActiveJobs[Channel1].ID

	_, err = p.coord.EmergencyPreparation(context.Background(), "u1", Channel1, "urgent-1")
	require.NoError(t, err)
	_, err = p.coord.Rotate("u1", "stitch_complete")
	require.NoError(t, err)

	_, err = p.worker.GetProgress(held)
	assert.ErrorIs(t, err, ErrJobNotFound, "the LIVE channel's job is cancelled and forgotten")
	ws := p.worker.Stats()
	assert.Equal(t, int64(0), ws.Failed)
	assert.Equal(t, 0, ws.RecentSamples)
}

func TestRotate_repeated_misses_raise_cache_miss_spike(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler().hold("ch"), Config{CacheMissThreshold: 3})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = p.coord.Rotate("u1", "retry")
		require.ErrorIs(t, err, ErrNoReadyContent)
	}

	st, err := p.coord.State("u1")
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, st.SystemHealth)

	pm, err := p.coord.PerformanceMetrics("u1")
	require.NoError(t, err)
	require.NotNil(t, pm.Degradation)
	assert.Equal(t, DegradationCacheMissSpike, pm.Degradation.Type)
	assert.Equal(t, int64(3), pm.NoReadyContentRejections)
}

func TestRotate_uninitialized_user(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler(), Config{})

	_, err := p.coord.Rotate("ghost", "stitch_complete")
	assert.ErrorIs(t, err, ErrUserNotInitialized)
}

func TestRotate_concurrent_rotation_is_rejected(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler(), Config{})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)
	p.waitCached(t, "u1", Channel1, Channel2, Channel3)

	// The first rotation blocks inside its post-rotation preparation request
	// while still holding the rotation guard.
	p.progression.arm()

	var wg sync.WaitGroup
	var firstErr error
	var first RotationResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = p.coord.Rotate("u1", "stitch_complete")
	}()
	<-p.progression.entered

	_, err = p.coord.Rotate("u1", "stitch_complete")
	assert.ErrorIs(t, err, ErrConcurrentRotationConflict)

	close(p.progression.gate)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, int64(1), first.RotationCount)

	pm, err := p.coord.PerformanceMetrics("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pm.RotationConflicts)
}

func TestRotate_exactly_one_succeeds_under_contention(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler(), Config{})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)
	p.waitCached(t, "u1", Channel1, Channel2, Channel3)

	p.progression.arm()
	results := make(chan error, 2)
	go func() {
		_, err := p.coord.Rotate("u1", "a")
		results <- err
	}()
	<-p.progression.entered
	go func() {
		_, err := p.coord.Rotate("u1", "b")
		results <- err
	}()
	conflict := <-results
	close(p.progression.gate)
	success := <-results

	assert.ErrorIs(t, conflict, ErrConcurrentRotationConflict)
	assert.NoError(t, success)
}

func TestRequestBackgroundPreparation_returns_existing_job(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler().hold("ch"), Config{})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)

	a, err := p.coord.RequestBackgroundPreparation("u1", Channel2, PriorityNormal)
	require.NoError(t, err)
	b, err := p.coord.RequestBackgroundPreparation("u1", Channel2, PriorityHigh)
	require.NoError(t, err)

	assert.True(t, a.Existing)
	assert.True(t, b.Existing)
	assert.Equal(t, a.Job.ID, b.Job.ID)
	ws := p.worker.Stats()
	assert.Equal(t, 3, ws.Queued+ws.Running, "no second job may be started")
}

func TestRequestBackgroundPreparation_errors(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler(), Config{})

	_, err := p.coord.RequestBackgroundPreparation("ghost", Channel1, PriorityNormal)
	assert.ErrorIs(t, err, ErrUserNotInitialized)

	_, err = p.coord.Initialize("u1")
	require.NoError(t, err)
	_, err = p.coord.RequestBackgroundPreparation("u1", ChannelID(4), PriorityNormal)
	assert.ErrorIs(t, err, ErrUnknownChannel)

	p.waitCached(t, "u1", Channel1, Channel2, Channel3)
	p.coord.cache.Invalidate("u1", Channel2)
	p.progression.fail(errors.New("curriculum exhausted"))
	_, err = p.coord.RequestBackgroundPreparation("u1", Channel2, PriorityNormal)
	assert.ErrorIs(t, err, ErrBackgroundPreparationFailed)
}

func TestRotate_failed_restart_is_reported(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler(), Config{})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)
	p.waitCached(t, "u1", Channel1, Channel2, Channel3)

	p.progression.fail(errors.New("progression unavailable"))
	res, err := p.coord.Rotate("u1", "stitch_complete")
	require.NoError(t, err)
	assert.False(t, res.BackgroundPreparationStarted)
	assert.Equal(t, Channel1, res.NewLive)
}

func TestValidateState_corrects_two_live_channels(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler(), Config{})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)
	p.waitCached(t, "u1", Channel1, Channel2, Channel3)

	s, err := p.coord.session("u1")
	require.NoError(t, err)
	s.mu.Lock()
	s.channels[0].Status = StatusLive
	s.mu.Unlock()

	err = p.coord.ValidateState("u1")
	require.ErrorIs(t, err, ErrInvalidChannelState)

	require.NoError(t, p.coord.ValidateState("u1"))
	st, err := p.coord.State("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count(StatusLive))
	assert.Equal(t, Channel1, st.Live(), "first LIVE channel is kept when no unit is active")

	pm, err := p.coord.PerformanceMetrics("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pm.InvariantCorrections)
}

func TestValidateState_prefers_consumed_unit(t *testing.T) {
	p := newTestPipeline(t, newStubAssembler(), Config{})
	_, err := p.coord.Initialize("u1")
	require.NoError(t, err)
	p.waitCached(t, "u1", Channel1, Channel2, Channel3)

	_, err = p.coord.LiveContent("u1")
	require.NoError(t, err)

	s, err := p.coord.session("u1")
	require.NoError(t, err)
	s.mu.Lock()
	for i := range s.channels {
		s.channels[i].Status = StatusReady
	}
	s.mu.Unlock()

	require.ErrorIs(t, p.coord.ValidateState("u1"), ErrInvalidChannelState)
	st, err := p.coord.State("u1")
	require.NoError(t, err)
	assert.Equal(t, Channel3, st.Live())
}

func TestValidateChannels(t *testing.T) {
	tests := []struct {
		name     string
		statuses [3]ChannelStatus
		wantErr  bool
	}{
		{"starting permutation", [3]ChannelStatus{StatusReady, StatusPreparing, StatusLive}, false},
		{"two ready", [3]ChannelStatus{StatusReady, StatusReady, StatusLive}, false},
		{"zero ready", [3]ChannelStatus{StatusPreparing, StatusPreparing, StatusLive}, false},
		{"no live", [3]ChannelStatus{StatusReady, StatusPreparing, StatusPreparing}, true},
		{"two live", [3]ChannelStatus{StatusLive, StatusPreparing, StatusLive}, true},
		{"unknown status", [3]ChannelStatus{"PAUSED", StatusPreparing, StatusLive}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ch [3]ChannelState
			for i, s := range tt.statuses {
				ch[i] = ChannelState{ID: ChannelID(i + 1), Status: s}
			}
			err := validateChannels(ch)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidChannelState)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
