package bridge

import (
	"sync"
	"time"
)

// Transcript roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Turn is a single transcript entry.
type Turn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptStore keeps per-call transcripts in memory for the process
// lifetime. Appends are ordered; reads return snapshots.
type TranscriptStore struct {
	mu    sync.RWMutex
	turns map[string][]Turn
}

// NewTranscriptStore creates an empty store.
func NewTranscriptStore() *TranscriptStore {
	return &TranscriptStore{
		turns: make(map[string][]Turn),
	}
}

// Start initializes a fresh transcript for a call, replacing any previous
// turns recorded under the same SID.
func (s *TranscriptStore) Start(callSID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[callSID] = nil
}

// Append adds a turn to a call's transcript.
func (s *TranscriptStore) Append(callSID string, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[callSID] = append(s.turns[callSID], turn)
}

// Read returns a snapshot of a call's transcript in append order.
func (s *TranscriptStore) Read(callSID string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turns[callSID]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
