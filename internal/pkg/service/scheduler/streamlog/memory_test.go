package streamlog

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStreamTailFromBeginning(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := NewBroker(clock.NewMock()).Stream("sync")
	producer := stream.NewProducer()

	offset1, err := producer.Produce(ctx, "task1", []byte("a"))
	require.NoError(t, err)
	offset2, err := producer.Produce(ctx, "task2", []byte("b"))
	require.NoError(t, err)
	assert.Less(t, offset1, offset2)

	records, err := stream.Tail(ctx, FromBeginning, func(err error) { t.Error(err) })
	require.NoError(t, err)

	// History is replayed in order.
	record := <-records
	assert.Equal(t, "task1", record.Key)
	assert.Equal(t, []byte("a"), record.Value)
	assert.Equal(t, offset1, record.Offset)
	record = <-records
	assert.Equal(t, "task2", record.Key)
	assert.Equal(t, offset2, record.Offset)

	// The live tail follows.
	offset3, err := producer.Produce(ctx, "task1", []byte("c"))
	require.NoError(t, err)
	record = <-records
	assert.Equal(t, offset3, record.Offset)

	// Cancellation closes the channel.
	cancel()
	_, ok := <-records
	assert.False(t, ok)
}

func TestMemoryStreamTailFromEnd(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := NewBroker(clock.NewMock()).Stream("sync")
	producer := stream.NewProducer()
	_, err := producer.Produce(ctx, "task1", []byte("old"))
	require.NoError(t, err)

	records, err := stream.Tail(ctx, FromEnd, func(err error) { t.Error(err) })
	require.NoError(t, err)

	_, err = producer.Produce(ctx, "task1", []byte("new"))
	require.NoError(t, err)

	select {
	case record := <-records:
		assert.Equal(t, []byte("new"), record.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the live record")
	}
}

func TestMemoryProducerClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stream := NewBroker(clock.NewMock()).Stream("sync")
	producer := stream.NewProducer()
	require.NoError(t, producer.Close())

	_, err := producer.Produce(ctx, "task1", []byte("x"))
	assert.ErrorIs(t, err, ErrProducerClosed)

	// Other producers of the same stream are unaffected.
	_, err = stream.NewProducer().Produce(ctx, "task1", []byte("y"))
	assert.NoError(t, err)
}

func TestPartitionerStable(t *testing.T) {
	t.Parallel()

	partitioner := NewPartitioner(4)
	first := partitioner.PartitionFor("my-task")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, partitioner.PartitionFor("my-task"))
	}
	assert.Equal(t, "0", partitioner.PartitionFor(""))
}
