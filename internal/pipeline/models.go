package pipeline

import (
	"fmt"
	"strconv"
	"time"
)

// UserID identifies a learner session.
type UserID string

// ContentID identifies one stitch of content. The pipeline assumes no structure
// inside it; key construction belongs to the ProgressionSource.
type ContentID string

// JobID identifies a preparation job.
type JobID string

// ChannelID identifies one of the three tubes.
type ChannelID int

// The three tubes every learner rotates through.
const (
	Channel1 ChannelID = 1
	Channel2 ChannelID = 2
	Channel3 ChannelID = 3
)

// Channels lists the tubes in a fixed order.
var Channels = [3]ChannelID{Channel1, Channel2, Channel3}

// Valid reports whether c is one of the three tubes.
func (c ChannelID) Valid() bool {
	return c >= Channel1 && c <= Channel3
}

// ParseChannelID converts the textual form used on the wire ("1".."3").
func ParseChannelID(s string) (ChannelID, error) {
	n, err := strconv.Atoi(s)
	c := ChannelID(n)
	if err != nil || !c.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
	return c, nil
}

// ChannelStatus is the rotation state of a channel.
type ChannelStatus string

const (
	StatusLive      ChannelStatus = "LIVE"
	StatusReady     ChannelStatus = "READY"
	StatusPreparing ChannelStatus = "PREPARING"
)

// JobStatus is the lifecycle state of a PreparationJob.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Active reports whether the job has not finished yet.
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobInProgress
}

// Priority orders queued preparation work.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// SystemHealth summarises a user's pipeline condition.
type SystemHealth string

const (
	HealthOptimal  SystemHealth = "optimal"
	HealthDegraded SystemHealth = "degraded"
	HealthCritical SystemHealth = "critical"
)

func (h SystemHealth) rank() int {
	switch h {
	case HealthCritical:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}

// Question is one assembled drill item.
type Question struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Answer      string   `json:"answer"`
	Distractors []string `json:"distractors"`
}

// Stitch is the assembled question set for one content unit.
type Stitch struct {
	ConceptID string     `json:"concept_id"`
	Questions []Question `json:"questions"`
}

// PreparedUnit is an immutable, fully assembled stitch ready to be served.
// It is passed by value; Content must not be modified after creation.
type PreparedUnit struct {
	UserID     UserID    `json:"user_id"`
	ChannelID  ChannelID `json:"channel_id"`
	ContentID  ContentID `json:"content_id"`
	Content    Stitch    `json:"content"`
	Simplified bool      `json:"simplified"`
	PreparedAt time.Time `json:"prepared_at"`
}

// ChannelState is the per-channel record owned by the coordinator. The unit
// itself lives in the ReadyContentCache; the channel only keeps its key.
type ChannelState struct {
	ID                 ChannelID     `json:"id"`
	Status             ChannelStatus `json:"status"`
	CachedContentID    ContentID     `json:"cached_content_id,omitempty"`
	LastTransitionTime time.Time     `json:"last_transition_time"`
}

// PreparationJob tracks one preparation attempt.
type PreparationJob struct {
	ID                    JobID     `json:"job_id"`
	UserID                UserID    `json:"user_id"`
	ChannelID             ChannelID `json:"channel_id"`
	ContentID             ContentID `json:"content_id"`
	Priority              Priority  `json:"priority"`
	Status                JobStatus `json:"status"`
	Progress              float64   `json:"progress"`
	StartTime             time.Time `json:"start_time"`
	EstimatedCompleteTime time.Time `json:"estimated_complete_time"`
	ActualCompleteTime    time.Time `json:"actual_complete_time,omitempty"`
	Error                 string    `json:"error,omitempty"`
}

// UserPipelineState is a snapshot of one user's pipeline.
type UserPipelineState struct {
	UserID        UserID                       `json:"user_id"`
	Channels      [3]ChannelState              `json:"channels"`
	RotationCount int64                        `json:"rotation_count"`
	ActiveJobs    map[ChannelID]PreparationJob `json:"active_jobs"`
	SystemHealth  SystemHealth                 `json:"system_health"`
}

// Channel returns the state of channel c.
func (s UserPipelineState) Channel(c ChannelID) ChannelState {
	return s.Channels[c-1]
}

// Live returns the id of the LIVE channel, or 0 if none is LIVE.
func (s UserPipelineState) Live() ChannelID {
	return liveChannel(s.Channels)
}

// Count returns how many channels currently have the given status.
func (s UserPipelineState) Count(status ChannelStatus) int {
	return countStatus(s.Channels, status)
}

// Transition is one channel status edge applied by a rotation.
type Transition struct {
	ChannelID     ChannelID     `json:"channel_id"`
	From          ChannelStatus `json:"from_status"`
	To            ChannelStatus `json:"to_status"`
	Timestamp     time.Time     `json:"timestamp"`
	TriggerReason string        `json:"trigger_reason"`
}

// RotationResult describes a completed rotation.
type RotationResult struct {
	UserID                       UserID        `json:"user_id"`
	Transitions                  []Transition  `json:"transitions"`
	PreviousLive                 ChannelID     `json:"previous_live"`
	NewLive                      ChannelID     `json:"new_live"`
	RotationCount                int64         `json:"rotation_count"`
	BackgroundPreparationStarted bool          `json:"background_preparation_started"`
	Corrected                    bool          `json:"corrected"`
	Latency                      time.Duration `json:"latency_ns"`
}

// PreparationProgress is returned by RequestBackgroundPreparation.
type PreparationProgress struct {
	Job      PreparationJob `json:"job"`
	Existing bool           `json:"existing"`
}

// EmergencyResult is returned by EmergencyPreparation.
type EmergencyResult struct {
	Unit    PreparedUnit  `json:"unit"`
	Elapsed time.Duration `json:"elapsed_ns"`
}
