// Package pending schedules named future actions.
//
// Entries are kept in a min-heap ordered by due time, ties are broken by
// insertion order. Scheduling an existing name replaces the entry, so a later
// schedule with an earlier due time preempts the earlier one.
package pending

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/taskfleet/taskfleet/internal/pkg/log"
)

// Handler runs scheduled actions serially on its own loop. Actions must not
// block, long work belongs on an executor goroutine.
type Handler struct {
	clock  clock.Clock
	logger log.Logger

	notify chan struct{}

	mutex  sync.Mutex
	queue  entryQueue
	byName map[string]*entry
	seq    int64
}

type entry struct {
	name   string
	dueAt  time.Time
	seq    int64
	action func()
	index  int
}

func NewHandler(clk clock.Clock, logger log.Logger) *Handler {
	return &Handler{
		clock:  clk,
		logger: logger.AddPrefix("[pending]"),
		notify: make(chan struct{}, 1),
		byName: make(map[string]*entry),
	}
}

// Schedule inserts the action under the name, an existing entry with the same
// name is replaced.
func (h *Handler) Schedule(name string, dueAt time.Time, action func()) {
	h.mutex.Lock()
	if old, found := h.byName[name]; found {
		heap.Remove(&h.queue, old.index)
	}
	h.seq++
	e := &entry{name: name, dueAt: dueAt, seq: h.seq, action: action}
	h.byName[name] = e
	heap.Push(&h.queue, e)
	h.mutex.Unlock()
	h.wakeUp()
}

// ScheduleAfter is a Schedule shorthand relative to the current clock time.
func (h *Handler) ScheduleAfter(name string, delay time.Duration, action func()) {
	h.Schedule(name, h.clock.Now().Add(delay), action)
}

// Remove deletes the entry, it is a no-op for an unknown name.
func (h *Handler) Remove(name string) {
	h.mutex.Lock()
	if e, found := h.byName[name]; found {
		heap.Remove(&h.queue, e.index)
		delete(h.byName, name)
	}
	h.mutex.Unlock()
	h.wakeUp()
}

// Len returns the count of scheduled entries.
func (h *Handler) Len() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.queue.Len()
}

// Run processes entries until the context is cancelled. Actions run serially
// on this loop; a panicking action is logged and the loop continues.
func (h *Handler) Run(ctx context.Context) {
	defer h.logger.Info("stopped")
	timer := h.clock.Timer(time.Hour)
	defer timer.Stop()

	for {
		h.mutex.Lock()
		if h.queue.Len() == 0 {
			h.mutex.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-h.notify:
				continue
			}
		}

		next := h.queue.peek()
		now := h.clock.Now()
		if !next.dueAt.After(now) {
			heap.Pop(&h.queue)
			delete(h.byName, next.name)
			h.mutex.Unlock()
			h.runAction(next)
			continue
		}
		wait := next.dueAt.Sub(now)
		h.mutex.Unlock()

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-h.notify:
			// Rescan, an earlier entry may have been inserted.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}

func (h *Handler) runAction(e *entry) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			h.logger.Errorf(`action %q panicked: %v`, e.name, panicErr)
		}
	}()
	e.action()
}

func (h *Handler) wakeUp() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// entryQueue implements heap.Interface, earliest dueAt first, ties resolved
// by insertion order.
type entryQueue []*entry

func (q entryQueue) Len() int { return len(q) }

func (q entryQueue) Less(i, j int) bool {
	if !q[i].dueAt.Equal(q[j].dueAt) {
		return q[i].dueAt.Before(q[j].dueAt)
	}
	return q[i].seq < q[j].seq
}

func (q entryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *entryQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *entryQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q entryQueue) peek() *entry {
	return q[0]
}
