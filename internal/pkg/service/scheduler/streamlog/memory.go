package streamlog

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/taskfleet/taskfleet/internal/pkg/utils/errors"
)

// ErrProducerClosed is returned by Produce after Close.
var ErrProducerClosed = errors.New("producer is closed")

// Broker is an in-process stream broker, used by tests and single-process fleets.
type Broker struct {
	clock   clock.Clock
	mutex   sync.Mutex
	streams map[string]*MemoryStream
}

func NewBroker(clk clock.Clock) *Broker {
	return &Broker{clock: clk, streams: make(map[string]*MemoryStream)}
}

// Stream returns the stream with the name, it is created on the first use.
func (b *Broker) Stream(name string) *MemoryStream {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, found := b.streams[name]; !found {
		s := &MemoryStream{clock: b.clock, partitioner: NewPartitioner(1), nextOffset: 1}
		s.cond = sync.NewCond(&s.mutex)
		b.streams[name] = s
	}
	return b.streams[name]
}

// MemoryStream keeps all records in memory, in one total order.
type MemoryStream struct {
	clock       clock.Clock
	partitioner *Partitioner
	mutex       sync.Mutex
	cond        *sync.Cond
	records     []Record
	nextOffset  Offset
}

func (s *MemoryStream) NewProducer() Producer {
	return &memoryProducer{stream: s}
}

// Append adds the record directly to the stream, bypassing any producer.
// It is used by tests to inject forged records.
func (s *MemoryStream) Append(key string, value []byte) Offset {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	offset := s.nextOffset
	s.nextOffset++
	s.records = append(s.records, Record{
		Key:       key,
		Value:     value,
		Offset:    offset,
		Timestamp: s.clock.Now(),
	})
	s.cond.Broadcast()
	return offset
}

// Len returns the count of retained records.
func (s *MemoryStream) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.records)
}

// Records returns a copy of all retained records.
func (s *MemoryStream) Records() []Record {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *MemoryStream) Tail(ctx context.Context, pos Position, handleErr func(error)) (<-chan Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	cursor := 0
	if pos == FromEnd {
		cursor = len(s.records)
	}
	s.mutex.Unlock()

	// Wake up the waiting consumer when the context is cancelled.
	go func() {
		<-ctx.Done()
		s.mutex.Lock()
		s.cond.Broadcast()
		s.mutex.Unlock()
	}()

	out := make(chan Record)
	go func() {
		defer close(out)
		for {
			s.mutex.Lock()
			for cursor >= len(s.records) && ctx.Err() == nil {
				s.cond.Wait()
			}
			if ctx.Err() != nil {
				s.mutex.Unlock()
				return
			}
			record := s.records[cursor]
			cursor++
			s.mutex.Unlock()

			select {
			case out <- record:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type memoryProducer struct {
	stream *MemoryStream
	mutex  sync.Mutex
	closed bool
}

func (p *memoryProducer) Produce(ctx context.Context, key string, value []byte) (Offset, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return 0, ErrProducerClosed
	}
	return p.stream.Append(key, value), nil
}

func (p *memoryProducer) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.closed = true
	return nil
}
