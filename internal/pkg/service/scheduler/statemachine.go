package scheduler

import (
	"github.com/taskfleet/taskfleet/internal/pkg/log"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/signal"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/task"
)

// stateMachine turns observed signals into claim transitions.
//
// The dispatch table maps the task's local state to a record of three
// handlers, one per signal class:
//
//   - internal: emitted by the node or its timers, never traversing the log
//   - own:      the echo of a signal this node itself wrote to the log
//   - foreign:  everything else
//
// A missing handler means the signal is unexpected in that state: the task is
// moved to ERROR. States only override the (kind, class) pairs they accept.
type stateMachine struct {
	node       *Node
	logger     log.Logger
	internalCh chan internalSignal
	table      map[task.State]stateHandlers
}

type internalSignal struct {
	task *task.Task
	kind signal.Kind
}

type handlerFn func(t *task.Task, s signal.Signal)

type stateHandlers struct {
	onInternal handlerFn
	onOwn      handlerFn
	onForeign  handlerFn
}

func newStateMachine(n *Node) *stateMachine {
	m := &stateMachine{
		node:       n,
		logger:     n.logger.AddPrefix("[machine]"),
		internalCh: make(chan internalSignal, 64),
	}
	m.table = map[task.State]stateHandlers{
		task.StateNew:             {onInternal: m.newOnInternal, onForeign: m.observerOnForeign},
		task.StateInitiating:      {onInternal: m.initiatingOnInternal, onForeign: m.observerOnForeign},
		task.StateClaiming:        {onInternal: m.claimingOnInternal, onOwn: m.claimingOnOwn, onForeign: m.claimingOnForeign},
		task.StateClaimedByNode:   {onInternal: m.ownedOnInternal, onOwn: m.ownedOnOwn, onForeign: m.ownedOnForeign},
		task.StateHandlingByNode:  {onInternal: m.ownedOnInternal, onOwn: m.ownedOnOwn, onForeign: m.ownedOnForeign},
		task.StateUnclaiming:      {onInternal: m.unclaimingOnInternal, onOwn: m.unclaimingOnOwn, onForeign: m.unclaimingOnForeign},
		task.StateClaimedByOther:  {onInternal: m.observerOnInternal, onForeign: m.observerOnForeign},
		task.StateHandlingByOther: {onInternal: m.observerOnInternal, onForeign: m.observerOnForeign},
		task.StateError:           {onInternal: m.errorOnAny, onOwn: m.errorOnAny, onForeign: m.errorOnAny},
	}
	return m
}

// enqueueInternal routes an internal signal through the watcher loop, the
// single writer of task state.
func (m *stateMachine) enqueueInternal(t *task.Task, kind signal.Kind) {
	select {
	case m.internalCh <- internalSignal{task: t, kind: kind}:
	case <-m.node.ctx.Done():
		m.logger.Debugf(`dropped internal signal %s for task "%s", the node is stopped`, kind, t.Name())
	}
}

func (m *stateMachine) dispatchInternal(t *task.Task, kind signal.Kind) {
	m.dispatch(t, signal.Signal{
		TaskName:  t.Name(),
		Kind:      kind,
		OriginID:  m.node.uniqueNodeID,
		Timestamp: m.node.clock.Now(),
	})
}

type signalClass int

const (
	classInternal signalClass = iota
	classOwn
	classForeign
)

func (c signalClass) String() string {
	switch c {
	case classInternal:
		return "internal"
	case classOwn:
		return "own"
	default:
		return "foreign"
	}
}

func (m *stateMachine) classify(s signal.Signal) signalClass {
	switch {
	case s.Kind.IsInternal():
		return classInternal
	case s.OriginID == m.node.uniqueNodeID:
		return classOwn
	default:
		return classForeign
	}
}

func (m *stateMachine) dispatch(t *task.Task, s signal.Signal) {
	class := m.classify(s)
	state := t.State()
	m.logger.Debugf(`T: %s/%s S: %s/%s/%s`, t.Name(), state, s.OriginID, s.Kind, class)

	// The echo of an own CLAIMING outside the CLAIMING state means the local
	// state was reset by a foreign event between write and echo. The echo is
	// stale, not a violation.
	if class == classOwn && s.Kind == signal.KindClaiming && state != task.StateClaiming {
		m.info(t, s, "discarded stale claim echo")
		return
	}

	// An unclaim request is only honored while the claim is held. A release
	// racing with an already observed foreign claim must stay dead.
	if class == classInternal && s.Kind == signal.KindUnclaimI && !state.IsOwnedByNode() {
		m.info(t, s, "ignored unclaim request")
		return
	}

	handlers := m.table[state]
	var fn handlerFn
	switch class {
	case classInternal:
		fn = handlers.onInternal
	case classOwn:
		fn = handlers.onOwn
	case classForeign:
		fn = handlers.onForeign
	}
	if fn == nil {
		m.error(t, s, "did not expect "+class.String()+" signal in this state")
		return
	}
	fn(t, s)
}

// --- state handlers ---------------------------------------------------------

func (m *stateMachine) newOnInternal(t *task.Task, s signal.Signal) {
	switch s.Kind {
	case signal.KindInitiatingI:
		t.SetState(task.StateInitiating)
		m.node.scheduleTaskForClaiming(t)
		m.node.scheduleTaskResurrection(t)
		// A claim observed before the registration must win over the fresh
		// claim attempt just scheduled.
		if last, found := m.node.watcher.takeRemembered(t.Name()); found {
			m.dispatch(t, last)
		}
	default:
		m.error(t, s, "did not expect internal signal in this state")
	}
}

func (m *stateMachine) initiatingOnInternal(t *task.Task, s signal.Signal) {
	switch s.Kind {
	case signal.KindClaimingI:
		m.node.sender.sendTaskSignal(m.node.ctx, t, signal.KindClaiming, t.UnclaimedSignalOffset())
		t.SetState(task.StateClaiming)
	case signal.KindResurrectingI:
		m.resurrect(t, s)
	case signal.KindInitiatingI:
		m.info(t, s, "already initiating")
	default:
		m.error(t, s, "did not expect internal signal in this state")
	}
}

func (m *stateMachine) claimingOnInternal(t *task.Task, s signal.Signal) {
	switch s.Kind {
	case signal.KindClaimingI, signal.KindResurrectingI:
		m.info(t, s, "claim attempt already in flight")
	default:
		m.error(t, s, "did not expect internal signal in this state")
	}
}

func (m *stateMachine) claimingOnOwn(t *task.Task, s signal.Signal) {
	switch s.Kind {
	case signal.KindClaiming:
		// The claim succeeds only if no peer changed the baseline between the
		// claim attempt and its echo.
		if signal.ReferenceMatches(s.Reference, t.UnclaimedSignalOffset()) {
			t.SetState(task.StateClaimedByNode)
			m.node.sender.sendTaskSignal(m.node.ctx, t, signal.KindClaimed, nil)
			m.node.scheduleTaskHandling(t)
			m.node.scheduleTaskHeartbeat(t)
			m.node.removeTaskResurrection(t)
		} else {
			m.info(t, s, "stale claim reference, baseline moved")
		}
	case signal.KindUnclaimed:
		// Late echo of an earlier release.
		m.info(t, s, "discarded stale release echo")
	default:
		m.error(t, s, "did not expect own signal in this state")
	}
}

func (m *stateMachine) claimingOnForeign(t *task.Task, s signal.Signal) {
	switch s.Kind {
	case signal.KindClaiming:
		// A rival claim on the same baseline: its record precedes our echo in
		// the log, the rival wins deterministically.
		m.claiming(t, s)
	case signal.KindClaimed:
		m.error(t, s, "foreign claim succeeded while claiming")
	case signal.KindUnclaimed:
		m.info(t, s, "previous owner released while claiming")
	default:
		m.error(t, s, "did not expect foreign signal in this state")
	}
}

func (m *stateMachine) ownedOnInternal(t *task.Task, s signal.Signal) {
	switch s.Kind {
	case signal.KindHandlingI:
		if t.State() == task.StateHandlingByNode {
			m.info(t, s, "previous execution still running, skipped")
			m.node.scheduleTaskHandling(t)
			return
		}
		t.SetState(task.StateHandlingByNode)
		m.node.sender.sendTaskSignal(m.node.ctx, t, signal.KindHandling, nil)
		m.node.executor.start(t)
	case signal.KindHandledI:
		t.SetState(task.StateClaimedByNode)
		m.node.scheduleTaskHandling(t)
	case signal.KindHeartbeatI:
		m.node.sender.sendTaskSignal(m.node.ctx, t, signal.KindHeartbeat, nil)
		m.node.scheduleTaskHeartbeat(t)
	case signal.KindUnclaimI:
		m.startUnclaiming(t)
	case signal.KindResurrectingI:
		m.info(t, s, "ignored stale timer, the claim is held")
	default:
		m.error(t, s, "did not expect internal signal in this state")
	}
}

func (m *stateMachine) ownedOnOwn(t *task.Task, s signal.Signal) {
	switch s.Kind {
	case signal.KindClaimed, signal.KindHeartbeat, signal.KindHandling:
		// Echoes of our own announcements.
	default:
		m.error(t, s, "did not expect own signal in this state")
	}
}

func (m *stateMachine) ownedOnForeign(t *task.Task, s signal.Signal) {
	switch s.Kind {
	case signal.KindClaiming:
		if signal.ReferenceMatches(s.Reference, t.UnclaimedSignalOffset()) {
			// The rival lost the race on the same baseline: our claim
			// precedes its echo in the log, it backs off on its own.
			m.info(t, s, "ignored losing claim attempt")
		} else {
			// A claim against an unknown baseline cannot be arbitrated,
			// reset through a release and re-enter contention.
			m.warn(t, s, "conflicting claim, resetting through release")
			m.startUnclaiming(t)
		}
	case signal.KindClaimed:
		m.error(t, s, "foreign claim while the claim is held")
	default:
		m.error(t, s, "did not expect foreign signal in this state")
	}
}

func (m *stateMachine) unclaimingOnInternal(t *task.Task, s signal.Signal) {
	switch s.Kind {
	case signal.KindHandledI:
		m.info(t, s, "execution finished during release")
	case signal.KindHeartbeatI, signal.KindHandlingI, signal.KindClaimingI, signal.KindResurrectingI:
		m.info(t, s, "ignored stale timer during release")
	default:
		m.error(t, s, "did not expect internal signal in this state")
	}
}

func (m *stateMachine) unclaimingOnOwn(t *task.Task, s signal.Signal) {
	switch s.Kind {
	case signal.KindUnclaimed:
		// The release is in the log, the offset of its record is the new
		// baseline for the next claim round.
		m.unclaimed(t, s)
	case signal.KindClaimed, signal.KindHeartbeat, signal.KindHandling:
		// Late echoes of announcements sent before the release.
		m.info(t, s, "discarded stale ownership echo")
	default:
		m.error(t, s, "did not expect own signal in this state")
	}
}

func (m *stateMachine) unclaimingOnForeign(t *task.Task, s signal.Signal) {
	switch s.Kind {
	case signal.KindClaiming:
		m.claiming(t, s)
	default:
		m.error(t, s, "did not expect foreign signal in this state")
	}
}

func (m *stateMachine) observerOnInternal(t *task.Task, s signal.Signal) {
	switch s.Kind {
	case signal.KindResurrectingI:
		m.resurrect(t, s)
	case signal.KindHandledI:
		m.info(t, s, "execution finished after the claim was lost")
	case signal.KindInitiatingI, signal.KindClaimingI, signal.KindHeartbeatI, signal.KindHandlingI:
		m.info(t, s, "ignored stale timer, a peer holds the claim")
	default:
		m.error(t, s, "did not expect internal signal in this state")
	}
}

// observerOnForeign tracks a claim held elsewhere. It also serves the NEW and
// INITIATING states: a late starter learns about already claimed tasks here.
func (m *stateMachine) observerOnForeign(t *task.Task, s signal.Signal) {
	switch s.Kind {
	case signal.KindClaiming:
		m.claiming(t, s)
	case signal.KindClaimed:
		m.claimed(t, s)
	case signal.KindHandling:
		m.becomeObserver(t, task.StateHandlingByOther, s.OriginID)
	case signal.KindHeartbeat:
		m.heartbeat(t, s)
	case signal.KindUnclaimed:
		m.unclaimed(t, s)
	default:
		m.error(t, s, "did not expect foreign signal in this state")
	}
}

func (m *stateMachine) errorOnAny(t *task.Task, s signal.Signal) {
	// Dead state until operator intervention or restart.
	m.info(t, s, "task is in ERROR state, signal ignored")
}

// --- shared transitions -----------------------------------------------------

// claiming handles an observed foreign CLAIMING. Only a claim referencing the
// locally known baseline can win; anything else is stale.
func (m *stateMachine) claiming(t *task.Task, s signal.Signal) {
	if signal.ReferenceMatches(s.Reference, t.UnclaimedSignalOffset()) {
		m.becomeObserver(t, task.StateClaimedByOther, s.OriginID)
	} else {
		m.info(t, s, "ignored claim with stale reference")
	}
}

// claimed handles an observed foreign CLAIMED.
func (m *stateMachine) claimed(t *task.Task, s signal.Signal) {
	if t.State().IsOwnedByOther() {
		if executor := t.CurrentExecutor(); executor != "" && executor != s.OriginID {
			m.info(t, s, "executor changed to "+s.OriginID)
			t.SetStateOwnedByOther(t.State(), s.OriginID)
		} else {
			t.SawClaimedInfo()
		}
		m.node.scheduleTaskResurrection(t)
	} else {
		m.becomeObserver(t, task.StateClaimedByOther, s.OriginID)
	}
}

// heartbeat handles an observed foreign HEARTBEAT, a sign of life of the owner.
func (m *stateMachine) heartbeat(t *task.Task, s signal.Signal) {
	if t.State().IsOwnedByOther() {
		t.SawClaimedInfo()
		m.node.scheduleTaskResurrection(t)
	} else {
		m.becomeObserver(t, task.StateClaimedByOther, s.OriginID)
	}
}

// unclaimed handles an observed UNCLAIMED, own or foreign: the record's offset
// becomes the new claim baseline and the task re-enters contention.
func (m *stateMachine) unclaimed(t *task.Task, s signal.Signal) {
	t.SetUnclaimedSignalOffset(*s.CurrentOffset)
	t.SetState(task.StateInitiating)
	m.node.scheduleTaskForClaiming(t)
	m.node.removeTaskResurrection(t)
}

// becomeObserver records a peer's claim and stands down: local timers that
// could contest the claim are cancelled, only the silence watchdog stays.
func (m *stateMachine) becomeObserver(t *task.Task, state task.State, executor string) {
	t.SetStateOwnedByOther(state, executor)
	m.node.removeTaskClaiming(t)
	m.node.removeTaskStarter(t)
	m.node.removeClaimedHeartbeat(t)
	m.node.scheduleTaskResurrection(t)
}

// startUnclaiming releases the claim through the log. Peers and the own state
// machine learn about it from the UNCLAIMED record.
func (m *stateMachine) startUnclaiming(t *task.Task) {
	m.node.removeTaskStarter(t)
	m.node.removeClaimedHeartbeat(t)
	t.SetState(task.StateUnclaiming)
	m.node.sender.sendTaskSignal(m.node.ctx, t, signal.KindUnclaimed, nil)
}

// resurrect re-enters claim contention after prolonged silence about a task
// another node was supposed to run.
func (m *stateMachine) resurrect(t *task.Task, s signal.Signal) {
	m.warn(t, s, "presumed orphaned, claiming")
	m.node.sender.sendTaskSignal(m.node.ctx, t, signal.KindClaiming, t.UnclaimedSignalOffset())
	t.SetState(task.StateClaiming)
}

// --- logging ----------------------------------------------------------------

func (m *stateMachine) info(t *task.Task, s signal.Signal, message string) {
	m.logger.Debugf(`T: %s/%s S: %s/%s: %s`, t.Name(), t.State(), s.OriginID, s.Kind, message)
}

func (m *stateMachine) warn(t *task.Task, s signal.Signal, message string) {
	m.logger.Warnf(`T: %s/%s S: %s/%s: %s`, t.Name(), t.State(), s.OriginID, s.Kind, message)
}

// error logs the protocol violation and moves the task to the ERROR state,
// other tasks of the node are unaffected.
func (m *stateMachine) error(t *task.Task, s signal.Signal, message string) {
	m.logger.Errorf(`T: %s/%s S: %s/%s/%s: %s`, t.Name(), t.State(), s.OriginID, s.Kind, m.classify(s), message)
	t.SetState(task.StateError)
	m.node.removeTaskClaiming(t)
	m.node.removeTaskStarter(t)
	m.node.removeClaimedHeartbeat(t)
	m.node.removeTaskResurrection(t)
}
