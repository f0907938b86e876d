package scheduler

import (
	"context"

	"github.com/taskfleet/taskfleet/internal/pkg/encoding/json"
	"github.com/taskfleet/taskfleet/internal/pkg/log"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/signal"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/streamlog"
	"github.com/taskfleet/taskfleet/internal/pkg/utils/errors"
)

// watcher tails the sync topic and is the single writer of task state: bus
// records and internal signals are merged into one loop, each is dispatched
// to the state machine synchronously, so the log order is preserved.
type watcher struct {
	node   *Node
	logger log.Logger

	// lastSignals remembers the most recent bus signal per not-yet-registered
	// task, so a task registered late learns about a claim made earlier, the
	// replayed history included. Only the watcher loop touches the map.
	lastSignals map[string]signal.Signal
}

func newWatcher(n *Node) *watcher {
	return &watcher{
		node:        n,
		logger:      n.logger.AddPrefix("[watcher]"),
		lastSignals: make(map[string]signal.Signal),
	}
}

// takeRemembered returns and forgets the last observed signal for the task.
// Called on the watcher loop only.
func (w *watcher) takeRemembered(taskName string) (signal.Signal, bool) {
	s, found := w.lastSignals[taskName]
	if found {
		delete(w.lastSignals, taskName)
	}
	return s, found
}

// onFatalError is invoked by the stream driver when the consumer cannot
// continue. The node cannot coordinate without the log, so it stops.
func (w *watcher) onFatalError(err error) {
	w.logger.Errorf(`fatal consumer error: %s`, err)
	go w.node.Shutdown()
}

func (w *watcher) run(ctx context.Context, records <-chan streamlog.Record) {
	defer w.logger.Info("stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case is := <-w.node.machine.internalCh:
			w.guarded(func() {
				w.node.machine.dispatchInternal(is.task, is.kind)
			})
		case record, ok := <-records:
			if !ok {
				if ctx.Err() == nil {
					w.onFatalError(errors.New("record channel closed unexpectedly"))
				}
				return
			}
			w.guarded(func() {
				w.handleRecord(record)
			})
		}
	}
}

// guarded runs the step so that a per-signal panic is logged and the loop
// continues with the next signal.
func (w *watcher) guarded(step func()) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			w.logger.Errorf(`signal processing panicked: %v`, panicErr)
		}
	}()
	step()
}

func (w *watcher) handleRecord(record streamlog.Record) {
	// Task signals and node-information documents share the topic.
	if sig, err := signal.Decode(record.Value); err == nil {
		offset := record.Offset
		sig.CurrentOffset = &offset

		// DOHEARTBEAT drives the node-information broadcast, it is not bound
		// to a task and bypasses the per-task state machine.
		if sig.Kind == signal.KindDoHeartbeat && sig.TaskName == "" {
			w.node.nodeInfo.onDoHeartbeat(sig)
			return
		}

		t := w.node.GetTask(sig.TaskName)
		if t == nil {
			w.lastSignals[sig.TaskName] = sig
			w.logger.Debugf(`remembered signal %s for unregistered task "%s"`, sig.Kind, sig.TaskName)
			return
		}
		w.node.machine.dispatch(t, sig)
		return
	}

	info := NodeTaskInformation{}
	if err := json.Decode(record.Value, &info); err == nil && info.NodeID != "" {
		w.node.nodeInfo.onNodeInformation(info)
		return
	}

	w.logger.Warnf(`skipped unrecognized record at offset %d`, record.Offset)
}
