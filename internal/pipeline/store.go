package pipeline

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Session is the coordinator's per-user record. Its fields are guarded by mu
// except rotating, which is the rotation guard itself.
type Session struct {
	ID UserID

	rotating atomic.Bool

	mu            sync.Mutex
	channels      [3]ChannelState
	rotationCount int64
	jobs          map[ChannelID]JobID
	health        SystemHealth
	mitigation    mitigationSet
	degradation   *DegradationResponse
	degradeGen    uint64
	recheck       Timer
	missTimes     []time.Time

	totalLatency time.Duration
	conflicts    atomic.Int64
	rejections   int64
	emergencies  int64
	corrections  int64
}

func newSession(id UserID) *Session {
	return &Session{
		ID:     id,
		jobs:   make(map[ChannelID]JobID),
		health: HealthOptimal,
	}
}

// Store is the lookup abstraction for sessions. The coordinator serialises
// access to it; implementations need no locking of their own.
type Store interface {
	GetSession(id UserID) (*Session, bool)
	SetSession(s *Session)
	DeleteSession(id UserID)
	ListSessionIDs() []UserID
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	sessions map[UserID]*Session
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[UserID]*Session),
	}
}

// GetSession implements Store.GetSession.
func (s *InMemoryStore) GetSession(id UserID) (*Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// SetSession implements Store.SetSession.
func (s *InMemoryStore) SetSession(sess *Session) {
	s.sessions[sess.ID] = sess
}

// DeleteSession implements Store.DeleteSession.
func (s *InMemoryStore) DeleteSession(id UserID) {
	delete(s.sessions, id)
}

// ListSessionIDs implements Store.ListSessionIDs. IDs are sorted.
func (s *InMemoryStore) ListSessionIDs() []UserID {
	ids := make([]UserID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
