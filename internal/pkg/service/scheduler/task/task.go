// Package task holds the per-node runtime state of registered tasks.
package task

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/taskfleet/taskfleet/internal/pkg/log"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/streamlog"
)

// Task is the runtime representation of one registered task on one node.
//
// State is mutated by a single writer, the signals watcher loop; the mutex
// makes snapshots consistent for concurrent readers (node information,
// tests).
type Task struct {
	definition Definition
	clock      clock.Clock
	logger     log.Logger

	mutex                 sync.Mutex
	state                 State
	unclaimedSignalOffset *streamlog.Offset
	stateStarted          time.Time
	claimingTimestamp     time.Time
	lastClaimedInfo       time.Time
	lastStartup           time.Time
	currentExecutor       string
}

// Information is a snapshot of the task state, broadcast to peers.
type Information struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	StateStarted    *time.Time `json:"stateStarted,omitempty"`
	LastClaimedInfo *time.Time `json:"lastClaimedInfo,omitempty"`
	LastStartup     *time.Time `json:"lastStartup,omitempty"`
	Executor        string     `json:"executor,omitempty"`
}

func New(definition Definition, clk clock.Clock, logger log.Logger) *Task {
	return &Task{
		definition: definition,
		clock:      clk,
		logger:     logger.AddPrefix("[" + definition.Name + "]"),
		state:      StateNew,
	}
}

func (t *Task) Definition() Definition {
	return t.definition
}

func (t *Task) Name() string {
	return t.definition.Name
}

func (t *Task) State() State {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.state
}

// SetState applies the state transition together with its timestamp
// bookkeeping. The transition to StateUnclaiming is only applied from the
// owned states: an unclaim request racing with an already observed foreign
// claim must not resurrect the release.
func (t *Task) SetState(state State) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	now := t.clock.Now()
	switch state {
	case StateClaiming:
		if t.state != StateClaiming {
			t.stateStarted = now
		}
		t.claimingTimestamp = now
	case StateClaimedByOther, StateHandlingByOther:
		t.lastClaimedInfo = now
		t.claimingTimestamp = time.Time{}
	case StateHandlingByNode:
		t.stateStarted = now
		t.lastStartup = now
	case StateUnclaiming:
		if !t.state.IsOwnedByNode() {
			t.logger.Debugf(`ignored transition to %s from %s`, state, t.state)
			return
		}
	default:
		t.stateStarted = now
	}
	t.logger.Debugf(`state %s -> %s`, t.state, state)
	t.state = state
	if !state.IsOwnedByOther() {
		t.currentExecutor = ""
	}
}

// SetStateOwnedByOther records a peer's claim together with its executor id.
func (t *Task) SetStateOwnedByOther(state State, executor string) {
	t.SetState(state)
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.currentExecutor = executor
}

// UnclaimedSignalOffset returns the offset of the last observed UNCLAIMED
// record for this task, the baseline every claim must reference.
func (t *Task) UnclaimedSignalOffset() *streamlog.Offset {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.unclaimedSignalOffset
}

// SetUnclaimedSignalOffset advances the baseline. The offset only moves
// forward, replayed records cannot rewind it.
func (t *Task) SetUnclaimedSignalOffset(offset streamlog.Offset) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.unclaimedSignalOffset != nil && *t.unclaimedSignalOffset >= offset {
		t.logger.Debugf(`ignored stale unclaimed offset %d, current %d`, offset, *t.unclaimedSignalOffset)
		return
	}
	t.unclaimedSignalOffset = &offset
}

// SawClaimedInfo records that the current owner showed a sign of life.
func (t *Task) SawClaimedInfo() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.lastClaimedInfo = t.clock.Now()
}

func (t *Task) LastClaimedInfo() time.Time {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.lastClaimedInfo
}

func (t *Task) LastStartup() time.Time {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.lastStartup
}

func (t *Task) StateStarted() time.Time {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.stateStarted
}

func (t *Task) ClaimingTimestamp() time.Time {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.claimingTimestamp
}

// CurrentExecutor returns the peer node id holding the claim, or an empty
// string when the task is not owned by a peer.
func (t *Task) CurrentExecutor() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.currentExecutor
}

// Snapshot returns the task state for the node-information broadcast.
func (t *Task) Snapshot() Information {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	out := Information{
		Name:     t.definition.Name,
		State:    t.state.String(),
		Executor: t.currentExecutor,
	}
	if !t.stateStarted.IsZero() {
		v := t.stateStarted
		out.StateStarted = &v
	}
	if !t.lastClaimedInfo.IsZero() {
		v := t.lastClaimedInfo
		out.LastClaimedInfo = &v
	}
	if !t.lastStartup.IsZero() {
		v := t.lastStartup
		out.LastStartup = &v
	}
	return out
}
