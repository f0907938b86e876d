package scheduler

import (
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/signal"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/task"
)

// Named pending entries used by the state machine. Scheduling is
// replace-by-name, so re-arming a timer is a plain re-schedule. The actions
// only enqueue internal signals: every state transition stays on the watcher
// loop, the single writer.

func (n *Node) scheduleTaskForClaiming(t *task.Task) {
	n.pending.ScheduleAfter("claiming_"+t.Name(), n.config.WaitInNewState, func() {
		n.machine.enqueueInternal(t, signal.KindClaimingI)
	})
}

func (n *Node) scheduleTaskHandling(t *task.Task) {
	n.pending.ScheduleAfter("starter_"+t.Name(), t.Definition().Period, func() {
		n.machine.enqueueInternal(t, signal.KindHandlingI)
	})
}

func (n *Node) scheduleTaskHeartbeat(t *task.Task) {
	n.pending.ScheduleAfter("heartbeat_"+t.Name(), t.Definition().ClaimedSignalPeriod, func() {
		n.machine.enqueueInternal(t, signal.KindHeartbeatI)
	})
}

func (n *Node) scheduleTaskResurrection(t *task.Task) {
	n.pending.ScheduleAfter("resurrection_"+t.Name(), t.Definition().Resurrection, func() {
		n.machine.enqueueInternal(t, signal.KindResurrectingI)
	})
}

func (n *Node) removeTaskClaiming(t *task.Task) {
	n.pending.Remove("claiming_" + t.Name())
}

func (n *Node) removeTaskStarter(t *task.Task) {
	n.pending.Remove("starter_" + t.Name())
}

func (n *Node) removeClaimedHeartbeat(t *task.Task) {
	n.pending.Remove("heartbeat_" + t.Name())
}

func (n *Node) removeTaskResurrection(t *task.Task) {
	n.pending.Remove("resurrection_" + t.Name())
}

// scheduleNodeHeartbeat drives the periodic DOHEARTBEAT self-announcement,
// the action re-arms itself.
func (n *Node) scheduleNodeHeartbeat() {
	n.pending.ScheduleAfter("doheartbeat_"+n.uniqueNodeID, n.config.HeartBeatPeriod, func() {
		n.sender.sendNodeSignal(n.ctx, signal.KindDoHeartbeat)
		n.scheduleNodeHeartbeat()
	})
}
