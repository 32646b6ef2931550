// Package jobs tracks long-running pipeline lifecycles: a monotonic state
// machine persisted through collaborator storage and a JSON checkpoint
// registry keyed by (job, phase).
package jobs

import (
	"sync"

	"tabfuse/internal/errs"
)

// State is a job lifecycle state.
type State string

const (
	StatePending       State = "PENDING"
	StateAnalyzing     State = "ANALYZING"
	StateMapping       State = "MAPPING"
	StateMaterializing State = "MATERIALIZING"
	StateValidating    State = "VALIDATING"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
	StateCancelled     State = "CANCELLED"
)

var stateRank = map[State]int{
	StatePending:       0,
	StateAnalyzing:     1,
	StateMapping:       2,
	StateMaterializing: 3,
	StateValidating:    4,
	StateDone:          5,
}

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// StatusStore is the persistence contract the state machine drives: a
// status upsert followed by an immutable event append per accepted
// transition, in that order.
type StatusStore interface {
	UpsertJobStatus(jobID string, state string, detail string, lastError string) error
	AppendJobEvent(jobID string, state string, detail string) error
}

// StateMachine serializes transitions for one job and records every
// accepted one through the store.
type StateMachine struct {
	jobID string
	store StatusStore

	mu    sync.Mutex
	state State
}

// NewStateMachine registers the job in PENDING. A nil store keeps the
// machine purely in-memory.
func NewStateMachine(jobID string, store StatusStore) (*StateMachine, error) {
	m := &StateMachine{jobID: jobID, store: store, state: StatePending}
	if err := m.record(StatePending, "job registered", ""); err != nil {
		return nil, err
	}
	return m, nil
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to target. Repeating the current state is a no-op; a
// rank decrease or a move out of a terminal state is a state error.
func (m *StateMachine) Transition(target State, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target == m.state {
		return nil
	}
	if !m.canTransition(target) {
		return errs.New(errs.KindState, "invalid transition %s -> %s", m.state, target)
	}
	m.state = target
	lastError := ""
	if target == StateFailed {
		lastError = detail
	}
	return m.record(target, detail, lastError)
}

// MarkFailed moves to FAILED from any non-terminal state. A call from a
// terminal state is rejected, matching Transition.
func (m *StateMachine) MarkFailed(detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.canTransition(StateFailed) {
		return errs.New(errs.KindState, "invalid transition %s -> %s", m.state, StateFailed)
	}
	m.state = StateFailed
	return m.record(StateFailed, detail, detail)
}

// MarkCancelled moves to CANCELLED from any non-terminal state. A call
// from a terminal state is rejected, matching Transition.
func (m *StateMachine) MarkCancelled(detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.canTransition(StateCancelled) {
		return errs.New(errs.KindState, "invalid transition %s -> %s", m.state, StateCancelled)
	}
	m.state = StateCancelled
	return m.record(StateCancelled, detail, "")
}

func (m *StateMachine) canTransition(target State) bool {
	if m.state.Terminal() {
		return false
	}
	if target == StateFailed || target == StateCancelled {
		return true
	}
	currentRank, currentOK := stateRank[m.state]
	targetRank, targetOK := stateRank[target]
	if !currentOK || !targetOK {
		return false
	}
	return targetRank >= currentRank
}

func (m *StateMachine) record(state State, detail, lastError string) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.UpsertJobStatus(m.jobID, string(state), detail, lastError); err != nil {
		return errs.Wrap(errs.KindState, err, "persist job status")
	}
	if err := m.store.AppendJobEvent(m.jobID, string(state), detail); err != nil {
		return errs.Wrap(errs.KindState, err, "append job event")
	}
	return nil
}
