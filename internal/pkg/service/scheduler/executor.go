package scheduler

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/taskfleet/taskfleet/internal/pkg/log"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/signal"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/task"
	"github.com/taskfleet/taskfleet/internal/pkg/utils/errors"
)

// executor runs task bodies on dedicated goroutines. Completion is posted
// back to the watcher loop as an internal signal, state never changes here.
type executor struct {
	node   *Node
	logger log.Logger
	wg     sync.WaitGroup
}

func newExecutor(n *Node) *executor {
	return &executor{node: n, logger: n.logger.AddPrefix("[executor]")}
}

func (e *executor) start(t *task.Task) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		definition := t.Definition()

		ctx, cancel := context.WithTimeout(e.node.ctx, definition.MaxDuration)
		defer cancel()

		startTime := e.node.clock.Now()
		var err error
		func() {
			defer func() {
				if panicErr := recover(); panicErr != nil {
					err = errors.Errorf("panic: %v, stacktrace: %s", panicErr, string(debug.Stack()))
				}
			}()
			err = definition.Fn(ctx)
		}()
		duration := e.node.clock.Now().Sub(startTime)

		if err != nil {
			e.logger.Warnf(`task "%s" execution failed (%s): %s`, t.Name(), duration, err)
		} else {
			e.logger.Debugf(`task "%s" execution succeeded (%s)`, t.Name(), duration)
		}
		e.node.machine.enqueueInternal(t, signal.KindHandledI)
	}()
}

// wait blocks until all running task bodies have returned.
func (e *executor) wait() {
	e.wg.Wait()
}
