package crawler

import (
	"sync"
	"sync/atomic"
	"time"
)

// RunState is the lifecycle state of one site run.
type RunState string

// Run states. PageLimitReached and UserStopped re-enter Running on the next
// invocation via the persisted frontier.
const (
	RunStateIdle             RunState = "IDLE"
	RunStateRunning          RunState = "RUNNING"
	RunStateCompleted        RunState = "COMPLETED"
	RunStatePageLimitReached RunState = "PAGE_LIMIT_REACHED"
	RunStateUserStopped      RunState = "USER_STOPPED"
	RunStateFailed           RunState = "FAILED"
)

// StateForTermination maps a termination reason onto the final run state.
func StateForTermination(t TerminationReason) RunState {
	switch t {
	case TerminationCompleted:
		return RunStateCompleted
	case TerminationPageLimit:
		return RunStatePageLimitReached
	case TerminationStopped:
		return RunStateUserStopped
	case TerminationFailed:
		return RunStateFailed
	default:
		return RunStateRunning
	}
}

// RunStatus is the scheduler-owned run context. External observers read
// consistent snapshots; they never share the scheduler's mutable state.
type RunStatus struct {
	site    string
	runID   string
	started time.Time

	mu    sync.RWMutex
	state RunState

	processed atomic.Int64
	indexed   atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	noIndex   atomic.Int64
	deferred  atomic.Int64
	visited   atomic.Int64
	frontier  atomic.Int64
}

// NewRunStatus builds an idle status for one site run.
func NewRunStatus(site, runID string, started time.Time) *RunStatus {
	return &RunStatus{site: site, runID: runID, started: started, state: RunStateIdle}
}

func (s *RunStatus) setState(state RunState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *RunStatus) State() RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StatusSnapshot is a read-only view of a run for dashboards and reports.
type StatusSnapshot struct {
	Site               string    `json:"site"`
	RunID              string    `json:"run_id"`
	State              RunState  `json:"state"`
	Started            time.Time `json:"started"`
	Processed          int64     `json:"processed"`
	Indexed            int64     `json:"indexed"`
	Skipped            int64     `json:"skipped"`
	Failed             int64     `json:"failed"`
	NoIndex            int64     `json:"no_index"`
	DeferredEmbeddings int64     `json:"deferred_embeddings"`
	Visited            int64     `json:"visited"`
	FrontierLen        int64     `json:"frontier_len"`
}

// Snapshot copies the counters at one instant.
func (s *RunStatus) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		Site:               s.site,
		RunID:              s.runID,
		State:              s.State(),
		Started:            s.started,
		Processed:          s.processed.Load(),
		Indexed:            s.indexed.Load(),
		Skipped:            s.skipped.Load(),
		Failed:             s.failed.Load(),
		NoIndex:            s.noIndex.Load(),
		DeferredEmbeddings: s.deferred.Load(),
		Visited:            s.visited.Load(),
		FrontierLen:        s.frontier.Load(),
	}
}

// StatusBoard registers run statuses for external observers.
type StatusBoard struct {
	mu   sync.RWMutex
	runs map[string]*RunStatus
}

// NewStatusBoard builds an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{runs: make(map[string]*RunStatus)}
}

// Register adds (or replaces) the status tracked for a site.
func (b *StatusBoard) Register(status *RunStatus) {
	if b == nil || status == nil {
		return
	}
	b.mu.Lock()
	b.runs[status.site] = status
	b.mu.Unlock()
}

// Snapshots returns the current view of every registered run.
func (b *StatusBoard) Snapshots() []StatusSnapshot {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]StatusSnapshot, 0, len(b.runs))
	for _, status := range b.runs {
		out = append(out, status.Snapshot())
	}
	return out
}

// RunReport is returned by Scheduler.Run once a site run terminates.
type RunReport struct {
	Site              string
	RunID             string
	Termination       TerminationReason
	Started           time.Time
	Finished          time.Time
	Processed         int
	Indexed           int
	Skipped           int
	Failed            int
	NoIndex           int
	Visited           int
	FrontierRemaining int
}
