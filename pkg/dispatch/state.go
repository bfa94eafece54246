// Package dispatch implements the Promise Dispatcher: the process-wide AgentState record and the
// per-promise ordered orchestration of name reconciliation, attribute
// reconciliation, and the transformer escape hatch.
package dispatch

import "sync"

// AgentState models the process-wide mutable state a single run of the
// engine accumulates: the single-copy cache, the setuid/setgid watchlist,
// the auto-define list, and the dry-run flag. It is an explicit record
// threaded through entrypoints rather than package-level globals, so tests
// can inject a fresh instance per run.
type AgentState struct {
	mu          sync.Mutex
	singleCopy  map[string]bool
	setuidSeen  map[string]bool
	autoDefines map[string]bool

	// DryRun corresponds to a dry-run mode where every Change outcome is
	// downgraded to an informational Noop-shaped report.
	DryRun bool

	// StartTime is the process-wide start epoch, consulted by
	// transaction.ifelapsed.
	StartTime int64
}

// NewAgentState returns a fresh, empty AgentState.
func NewAgentState(startTime int64) *AgentState {
	return &AgentState{
		singleCopy:  make(map[string]bool),
		setuidSeen:  make(map[string]bool),
		autoDefines: make(map[string]bool),
		StartTime:   startTime,
	}
}

// Contains reports whether path is already in the single-copy cache.
func (s *AgentState) Contains(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.singleCopy[path]
}

// Add pins path in the single-copy cache for the remainder of the run.
func (s *AgentState) Add(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singleCopy[path] = true
}

// setuidWatchlist adapts AgentState to pkg/attributes.SetuidWatchlist
// without exposing the single-copy map under the same method names.
type setuidWatchlist struct{ state *AgentState }

// SetuidWatchlist returns a view of this AgentState satisfying
// pkg/attributes.SetuidWatchlist.
func (s *AgentState) SetuidWatchlist() interface {
	Contains(path string) bool
	Add(path string)
} {
	return setuidWatchlist{state: s}
}

func (w setuidWatchlist) Contains(path string) bool {
	w.state.mu.Lock()
	defer w.state.mu.Unlock()
	return w.state.setuidSeen[path]
}

func (w setuidWatchlist) Add(path string) {
	w.state.mu.Lock()
	defer w.state.mu.Unlock()
	w.state.setuidSeen[path] = true
}
