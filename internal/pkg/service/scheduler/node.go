// Package scheduler coordinates periodic tasks across a fleet of peer nodes.
//
// All coordination flows through one shared append-only log topic: nodes
// publish small typed signals and observe them, their own included, in the
// log's total order. For every registered task at most one node holds the
// claim and executes the task body. Log offsets are the only authoritative
// fact in claim arbitration, local clocks drive timeouts only.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/taskfleet/taskfleet/internal/pkg/log"
	"github.com/taskfleet/taskfleet/internal/pkg/service/common/servicectx"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/pending"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/signal"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/streamlog"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/task"
	"github.com/taskfleet/taskfleet/internal/pkg/utils/errors"
)

// nodeCounter distinguishes nodes of one process, see Node.UniqueNodeID.
// nolint: gochecknoglobals
var nodeCounter = atomic.NewInt32(0)

// Dependencies are provided by the hosting container.
type Dependencies interface {
	Clock() clock.Clock
	Logger() log.Logger
	Process() *servicectx.Process
	// SyncStream is the shared sync topic used as the coordination bus.
	SyncStream() streamlog.Stream
}

// Node executes clustered periodic tasks. It owns the task registry and wires
// the watcher, the pending handler, the sender and the executors together.
type Node struct {
	clock  clock.Clock
	logger log.Logger
	proc   *servicectx.Process
	stream streamlog.Stream
	config Config

	uniqueNodeID string

	// ctx cancels all background loops, pendingCtx only the timer loop, so a
	// shutdown can stop new timer fires while the watcher still flushes the
	// released claims through the log.
	ctx           context.Context
	cancel        context.CancelFunc
	pendingCtx    context.Context
	pendingCancel context.CancelFunc

	tasksLock sync.RWMutex
	tasks     map[string]*task.Task

	pending  *pending.Handler
	sender   *sender
	machine  *stateMachine
	watcher  *watcher
	nodeInfo *nodeInfoHandler
	executor *executor

	running  *atomic.Bool
	stopOnce sync.Once
}

func NewNode(d Dependencies, config Config) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.PrefixError(err, "invalid scheduler configuration")
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.PrefixError(err, "cannot identify host")
	}

	n := &Node{
		clock:        d.Clock(),
		proc:         d.Process(),
		stream:       d.SyncStream(),
		config:       config,
		uniqueNodeID: fmt.Sprintf("%s_%d_%d", hostname, os.Getpid(), nodeCounter.Inc()),
		tasks:        make(map[string]*task.Task),
		running:      atomic.NewBool(false),
	}
	n.logger = d.Logger().AddPrefix("[scheduler]")
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.pendingCtx, n.pendingCancel = context.WithCancel(n.ctx)

	// All subcomponents are constructed eagerly, the startup order is
	// deterministic.
	n.pending = pending.NewHandler(n.clock, n.logger)
	n.sender = newSender(n.clock, n.logger, n.stream.NewProducer(), n.uniqueNodeID)
	n.executor = newExecutor(n)
	n.nodeInfo = newNodeInfoHandler(n)
	n.machine = newStateMachine(n)
	n.watcher = newWatcher(n)

	n.proc.OnShutdown(n.Shutdown)
	return n, nil
}

// Start runs the background loops. It returns after the sync topic consumer
// is positioned, so signals published from now on are guaranteed to be
// observed.
func (n *Node) Start() error {
	if !n.running.CompareAndSwap(false, true) {
		return nil
	}

	n.proc.Add(func(_ context.Context, _ chan<- error) {
		n.pending.Run(n.pendingCtx)
	})
	n.scheduleNodeHeartbeat()

	// Position the consumer. A failure here is a configuration error and is
	// fatal for the node.
	position := streamlog.FromEnd
	if n.config.ReadOldSignals {
		position = streamlog.FromBeginning
	}
	records, err := n.stream.Tail(n.ctx, position, n.watcher.onFatalError)
	if err != nil {
		n.running.Store(false)
		return errors.PrefixError(err, "cannot start sync topic consumer")
	}
	n.proc.Add(func(_ context.Context, _ chan<- error) {
		n.watcher.run(n.ctx, records)
	})

	n.logger.Infof(`node "%s" is running`, n.uniqueNodeID)
	return nil
}

// Register adds the task to the registry and starts driving it towards a
// claim. The task stays registered for the node's lifetime.
func (n *Node) Register(definition task.Definition) (*task.Task, error) {
	if !n.running.Load() {
		return nil, errors.New("cannot register a task, the node is not running")
	}
	if err := definition.Validate(); err != nil {
		return nil, errors.PrefixErrorf(err, `invalid definition of task "%s"`, definition.Name)
	}

	t := task.New(definition, n.clock, n.logger)

	n.tasksLock.Lock()
	if _, found := n.tasks[definition.Name]; found {
		n.tasksLock.Unlock()
		return nil, errors.Errorf(`task "%s" is already registered`, definition.Name)
	}
	n.tasks[definition.Name] = t
	n.tasksLock.Unlock()

	n.machine.enqueueInternal(t, signal.KindInitiatingI)
	return t, nil
}

// GetTask returns the registered task, or nil for an unknown name.
func (n *Node) GetTask(name string) *task.Task {
	n.tasksLock.RLock()
	defer n.tasksLock.RUnlock()
	return n.tasks[name]
}

// Tasks returns all registered tasks, sorted by name.
func (n *Node) Tasks() []*task.Task {
	n.tasksLock.RLock()
	defer n.tasksLock.RUnlock()
	out := make([]*task.Task, 0, len(n.tasks))
	for _, t := range n.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// UniqueNodeID identifies the node in the cluster, it is composed of the
// hostname, the PID and an in-process counter.
func (n *Node) UniqueNodeID() string {
	return n.uniqueNodeID
}

// NodeInformation snapshots the state of all registered tasks.
func (n *Node) NodeInformation() NodeTaskInformation {
	out := NodeTaskInformation{NodeID: n.uniqueNodeID}
	for _, t := range n.Tasks() {
		out.Tasks = append(out.Tasks, t.Snapshot())
	}
	return out
}

// ClusterState returns the last received task inventory of every observed
// node, the own node included.
func (n *Node) ClusterState() map[string]NodeTaskInformation {
	return n.nodeInfo.ClusterState()
}

// Shutdown releases all held claims through the log and stops the loops.
// It is idempotent, concurrent calls wait for the first one to finish.
func (n *Node) Shutdown() {
	n.stopOnce.Do(func() {
		n.logger.Infof(`stopping node "%s"`, n.uniqueNodeID)
		n.running.Store(false)

		// Stop the timers first, a released claim must not be re-claimed by
		// an already scheduled attempt of this node.
		n.pendingCancel()

		// Peers learn about the release through the log.
		for _, t := range n.Tasks() {
			if t.State().IsOwnedByNode() {
				n.machine.enqueueInternal(t, signal.KindUnclaimI)
			}
		}

		// Let the releases and their echoes flush.
		select {
		case <-n.clock.After(n.config.ShutdownFlushWait):
		case <-n.ctx.Done():
		}

		n.cancel()
		n.executor.wait()
		if err := n.sender.close(); err != nil {
			n.logger.Warnf(`cannot close producer: %s`, err)
		}
		n.logger.Infof(`stopped node "%s"`, n.uniqueNodeID)
	})
}
