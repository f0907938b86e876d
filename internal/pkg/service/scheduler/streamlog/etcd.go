package streamlog

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/taskfleet/taskfleet/internal/pkg/encoding/json"
	"github.com/taskfleet/taskfleet/internal/pkg/idgenerator"
	"github.com/taskfleet/taskfleet/internal/pkg/log"
	"github.com/taskfleet/taskfleet/internal/pkg/utils/errors"
)

// EtcdStream realizes the append-only stream over an etcd prefix.
//
// Each record is one key under "<prefix>/records/<partition>/<random>", the
// key is written once and never updated, so the etcd create revision is the
// record offset: cluster-wide, strictly increasing and identical for all
// observers. Tailing is a Get over the prefix followed by a Watch from the
// next revision.
type EtcdStream struct {
	client      *etcd.Client
	clock       clock.Clock
	logger      log.Logger
	prefix      string
	partitioner *Partitioner
}

// recordEnvelope is the etcd value format.
type recordEnvelope struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func NewEtcdStream(client *etcd.Client, clk clock.Clock, logger log.Logger, topic string, partitions int) *EtcdStream {
	return &EtcdStream{
		client:      client,
		clock:       clk,
		logger:      logger.AddPrefix("[stream]"),
		prefix:      "stream/" + topic,
		partitioner: NewPartitioner(partitions),
	}
}

func (s *EtcdStream) NewProducer() Producer {
	return &etcdProducer{stream: s}
}

func (s *EtcdStream) recordsPrefix() string {
	return s.prefix + "/records/"
}

func (s *EtcdStream) Tail(ctx context.Context, pos Position, handleErr func(error)) (<-chan Record, error) {
	// Position the consumer: read the retained history, or only the current revision.
	var history []Record
	var rev int64
	switch pos {
	case FromBeginning:
		resp, err := s.client.Get(ctx, s.recordsPrefix(),
			etcd.WithPrefix(),
			etcd.WithSort(etcd.SortByCreateRevision, etcd.SortAscend),
		)
		if err != nil {
			return nil, errors.PrefixError(err, "cannot read stream history")
		}
		rev = resp.Header.Revision
		for _, kv := range resp.Kvs {
			record, err := s.decode(kv.Value, Offset(kv.CreateRevision))
			if err != nil {
				s.logger.Warnf(`skipped malformed record at offset %d: %s`, kv.CreateRevision, err)
				continue
			}
			history = append(history, record)
		}
	case FromEnd:
		resp, err := s.client.Get(ctx, s.recordsPrefix(), etcd.WithPrefix(), etcd.WithCountOnly())
		if err != nil {
			return nil, errors.PrefixError(err, "cannot position stream consumer")
		}
		rev = resp.Header.Revision
	}

	out := make(chan Record)
	go func() {
		defer close(out)

		// Replay the history first.
		for _, record := range history {
			select {
			case out <- record:
			case <-ctx.Done():
				return
			}
		}

		// Follow the live tail, the watch is re-created with backoff on transient errors.
		b := newTailBackoff()
		nextRev := rev + 1
		for {
			if ctx.Err() != nil {
				return
			}
			watchCh := s.client.Watch(ctx, s.recordsPrefix(), etcd.WithPrefix(), etcd.WithRev(nextRev))
			restart := false
			for resp := range watchCh {
				if err := resp.Err(); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					// Compaction below the requested revision cannot be recovered from,
					// the consumer would silently skip records.
					if resp.CompactRevision > 0 {
						handleErr(errors.Errorf("stream compacted at revision %d, consumer at %d", resp.CompactRevision, nextRev))
						return
					}
					delay := b.NextBackOff()
					s.logger.Warnf(`re-creating stream watch, backoff delay %s, reason: %s`, delay, err)
					select {
					case <-s.clock.After(delay):
					case <-ctx.Done():
						return
					}
					restart = true
					break
				}
				b.Reset()
				for _, ev := range resp.Events {
					if ev.Type != mvccpb.PUT || !ev.IsCreate() {
						continue
					}
					nextRev = ev.Kv.ModRevision + 1
					record, err := s.decode(ev.Kv.Value, Offset(ev.Kv.ModRevision))
					if err != nil {
						s.logger.Warnf(`skipped malformed record at offset %d: %s`, ev.Kv.ModRevision, err)
						continue
					}
					select {
					case out <- record:
					case <-ctx.Done():
						return
					}
				}
			}
			if !restart && ctx.Err() != nil {
				return
			}
		}
	}()
	return out, nil
}

func (s *EtcdStream) decode(value []byte, offset Offset) (Record, error) {
	envelope := recordEnvelope{}
	if err := json.Decode(value, &envelope); err != nil {
		return Record{}, err
	}
	return Record{
		Key:       envelope.Key,
		Value:     []byte(envelope.Value),
		Offset:    offset,
		Timestamp: s.clock.Now(),
	}, nil
}

type etcdProducer struct {
	stream *EtcdStream
}

func (p *etcdProducer) Produce(ctx context.Context, key string, value []byte) (Offset, error) {
	s := p.stream
	etcdKey := fmt.Sprintf("%s%s/%s", s.recordsPrefix(), s.partitioner.PartitionFor(key), idgenerator.RecordKey())
	etcdValue := json.MustEncodeString(recordEnvelope{Key: key, Value: string(value)}, false)
	resp, err := s.client.Put(ctx, etcdKey, etcdValue)
	if err != nil {
		return 0, errors.PrefixError(err, "cannot produce record")
	}
	return Offset(resp.Header.Revision), nil
}

func (p *etcdProducer) Close() error {
	// The producer shares the stream's etcd client, its lifecycle is owned by the caller.
	return nil
}

func newTailBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 1 * time.Minute
	b.MaxElapsedTime = 0 // never stop
	b.Reset()
	return b
}
