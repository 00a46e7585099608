package sync

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is a phase of the sync cycle
type State int

const (
	StateIdle State = iota
	StateChecking
	StatePushing
	StatePulling
	StateApplying
	StateCheckpointing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StatePushing:
		return "pushing"
	case StatePulling:
		return "pulling"
	case StateApplying:
		return "applying"
	case StateCheckpointing:
		return "checkpointing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateError; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	*s = StateIdle
	return nil
}

// Status is the observable sync status
type Status struct {
	State        State      `json:"state"`
	IsSyncing    bool       `json:"is_syncing"`
	PendingCount int        `json:"pending_count"`
	DeadLetters  int        `json:"dead_letters"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	LastErrors   []string   `json:"last_errors,omitempty"`
	LastResult   *Result    `json:"last_result,omitempty"`
}

const maxStatusErrors = 20

// StatusTracker holds the in-memory status and optionally mirrors it to a
// JSON file so other processes can read it
type StatusTracker struct {
	mu        sync.RWMutex
	status    Status
	filePath  string
	listeners []func(from, to State)
}

// NewStatusTracker creates a tracker; filePath may be empty
func NewStatusTracker(filePath string) *StatusTracker {
	return &StatusTracker{filePath: filePath}
}

// Snapshot returns a copy of the current status
func (st *StatusTracker) Snapshot() Status {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s := st.status
	s.LastErrors = append([]string(nil), st.status.LastErrors...)
	return s
}

// OnTransition registers a callback for every state change
func (st *StatusTracker) OnTransition(fn func(from, to State)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.listeners = append(st.listeners, fn)
}

func (st *StatusTracker) transition(to State) {
	st.mu.Lock()
	from := st.status.State
	st.status.State = to
	st.status.IsSyncing = to != StateIdle
	listeners := append([]func(from, to State){}, st.listeners...)
	st.mu.Unlock()

	for _, fn := range listeners {
		fn(from, to)
	}
}

func (st *StatusTracker) addError(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.status.LastErrors = append(st.status.LastErrors, err.Error())
	if n := len(st.status.LastErrors); n > maxStatusErrors {
		st.status.LastErrors = st.status.LastErrors[n-maxStatusErrors:]
	}
}

func (st *StatusTracker) begin() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status.LastErrors = nil
}

func (st *StatusTracker) finish(res *Result, ok bool, pending, dead int) {
	st.mu.Lock()
	st.status.LastResult = res
	st.status.PendingCount = pending
	st.status.DeadLetters = dead
	if ok {
		now := time.Now()
		st.status.LastSyncAt = &now
	}
	st.mu.Unlock()

	if err := st.Save(); err != nil {
		slog.Warn("failed to write status file", "path", st.filePath, "error", err)
	}
}

func (st *StatusTracker) setCounts(pending, dead int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status.PendingCount = pending
	st.status.DeadLetters = dead
}

// Save writes the status file
func (st *StatusTracker) Save() error {
	if st.filePath == "" {
		return nil
	}

	st.mu.RLock()
	data, err := json.MarshalIndent(st.status, "", "  ")
	st.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(st.filePath), 0755); err != nil {
		return err
	}

	// Write atomically via temp file
	tmpPath := st.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, st.filePath)
}

// LoadStatus reads a status file written by another process
func LoadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := &Status{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// StatusPath returns the status file that belongs to a store file
func StatusPath(storePath string) string {
	return storePath + ".status.json"
}
