package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/taskfleet/taskfleet/internal/pkg/log"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/signal"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/streamlog"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/task"
	"github.com/taskfleet/taskfleet/internal/pkg/utils/errors"
)

// sender publishes signals and node-information documents to the sync topic.
// It is serialized around the producer and may be called from any loop.
// Published signals are fire-and-forget at the protocol level, the echo from
// the log is the only acknowledgement; transient produce errors are retried
// with a bounded backoff.
type sender struct {
	clock    clock.Clock
	logger   log.Logger
	nodeID   string
	mutex    sync.Mutex
	producer streamlog.Producer
}

func newSender(clk clock.Clock, logger log.Logger, producer streamlog.Producer, nodeID string) *sender {
	return &sender{
		clock:    clk,
		logger:   logger.AddPrefix("[sender]"),
		nodeID:   nodeID,
		producer: producer,
	}
}

// sendTaskSignal publishes the signal under the task name key, so all peers
// observe the task's signals in one total order.
func (s *sender) sendTaskSignal(ctx context.Context, t *task.Task, kind signal.Kind, reference *streamlog.Offset) {
	sig := signal.Signal{
		TaskName:  t.Name(),
		Kind:      kind,
		OriginID:  s.nodeID,
		Reference: reference,
		Timestamp: s.clock.Now(),
	}
	s.produce(ctx, t.Name(), sig.Encode())
}

// sendNodeSignal publishes a signal that is not bound to a task, e.g. DOHEARTBEAT.
func (s *sender) sendNodeSignal(ctx context.Context, kind signal.Kind) {
	sig := signal.Signal{Kind: kind, OriginID: s.nodeID, Timestamp: s.clock.Now()}
	s.produce(ctx, "", sig.Encode())
}

// sendNodeInformation publishes the task inventory under the node id key.
func (s *sender) sendNodeInformation(ctx context.Context, document []byte) {
	s.produce(ctx, s.nodeID, document)
}

func (s *sender) produce(ctx context.Context, key string, value []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	b := newProduceBackoff()
	err := backoff.Retry(func() error {
		_, err := s.producer.Produce(ctx, key, value)
		if errors.Is(err, streamlog.ErrProducerClosed) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		s.logger.Errorf(`cannot produce record with key "%s": %s`, key, err)
	}
}

func (s *sender) close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.producer.Close()
}

func newProduceBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 20 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 1 * time.Second
	b.MaxElapsedTime = 5 * time.Second
	b.Reset()
	return b
}
