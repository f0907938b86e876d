package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/internal/pkg/log"
	"github.com/taskfleet/taskfleet/internal/pkg/service/common/servicectx"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/signal"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/streamlog"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/task"
)

type machineDeps struct {
	clk    clock.Clock
	logger log.Logger
	proc   *servicectx.Process
	stream streamlog.Stream
}

func (d *machineDeps) Clock() clock.Clock           { return d.clk }
func (d *machineDeps) Logger() log.Logger           { return d.logger }
func (d *machineDeps) Process() *servicectx.Process { return d.proc }
func (d *machineDeps) SyncStream() streamlog.Stream { return d.stream }

// newMachineFixture creates a node without starting its loops, signals are
// dispatched directly into the state machine.
func newMachineFixture(t *testing.T) (*Node, *task.Task, *streamlog.MemoryStream) {
	t.Helper()

	clk := clock.NewMock()
	stream := streamlog.NewBroker(clk).Stream("sync")
	ctx, cancel := context.WithCancel(context.Background())
	proc, err := servicectx.New(ctx, cancel, log.NewNopLogger(), servicectx.WithoutOSSignals())
	require.NoError(t, err)

	node, err := NewNode(&machineDeps{clk: clk, logger: log.NewDebugLogger(), proc: proc, stream: stream}, NewConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		// The loops are not running, skip the shutdown flush wait.
		node.cancel()
		cancel()
	})

	tsk := task.New(task.Definition{
		Name:                "T",
		Fn:                  func(ctx context.Context) error { return nil },
		Period:              10 * time.Second,
		MaxDuration:         5 * time.Second,
		ClaimedSignalPeriod: time.Second,
		Resurrection:        30 * time.Second,
	}, clk, log.NewNopLogger())

	return node, tsk, stream
}

func foreignSignal(kind signal.Kind, reference *streamlog.Offset, offset streamlog.Offset) signal.Signal {
	return signal.Signal{
		TaskName:      "T",
		Kind:          kind,
		OriginID:      "peer_1_1",
		Reference:     reference,
		CurrentOffset: &offset,
	}
}

func TestMachineForeignClaimedWhileOwnedIsViolation(t *testing.T) {
	t.Parallel()

	node, tsk, _ := newMachineFixture(t)
	tsk.SetState(task.StateClaimedByNode)

	node.machine.dispatch(tsk, foreignSignal(signal.KindClaimed, nil, 10))
	assert.Equal(t, task.StateError, tsk.State())
}

func TestMachineLosingClaimAttemptIgnored(t *testing.T) {
	t.Parallel()

	node, tsk, stream := newMachineFixture(t)
	tsk.SetState(task.StateClaimedByNode)

	// A rival claim on the same baseline lost the race, the owner stays.
	node.machine.dispatch(tsk, foreignSignal(signal.KindClaiming, nil, 10))
	assert.Equal(t, task.StateClaimedByNode, tsk.State())
	assert.Equal(t, 0, stream.Len())
}

func TestMachineConflictingClaimResetsOwner(t *testing.T) {
	t.Parallel()

	node, tsk, stream := newMachineFixture(t)
	tsk.SetState(task.StateClaimedByNode)

	// A claim against an unknown baseline cannot be arbitrated, the owner
	// resets through a release.
	reference := streamlog.Offset(99)
	node.machine.dispatch(tsk, foreignSignal(signal.KindClaiming, &reference, 100))
	assert.Equal(t, task.StateUnclaiming, tsk.State())

	records := stream.Records()
	require.Len(t, records, 1)
	s, err := signal.Decode(records[0].Value)
	require.NoError(t, err)
	assert.Equal(t, signal.KindUnclaimed, s.Kind)
	assert.Equal(t, node.UniqueNodeID(), s.OriginID)
}

func TestMachineClaimEchoReferenceCheck(t *testing.T) {
	t.Parallel()

	t.Run("matching reference wins", func(t *testing.T) {
		t.Parallel()
		node, tsk, stream := newMachineFixture(t)
		tsk.SetUnclaimedSignalOffset(5)
		tsk.SetState(task.StateClaiming)

		reference := streamlog.Offset(5)
		echo := foreignSignal(signal.KindClaiming, &reference, 10)
		echo.OriginID = node.UniqueNodeID()
		node.machine.dispatch(tsk, echo)

		assert.Equal(t, task.StateClaimedByNode, tsk.State())
		records := stream.Records()
		require.Len(t, records, 1)
		s, err := signal.Decode(records[0].Value)
		require.NoError(t, err)
		assert.Equal(t, signal.KindClaimed, s.Kind)
	})

	t.Run("stale reference loses", func(t *testing.T) {
		t.Parallel()
		node, tsk, stream := newMachineFixture(t)
		tsk.SetUnclaimedSignalOffset(7)
		tsk.SetState(task.StateClaiming)

		reference := streamlog.Offset(5)
		echo := foreignSignal(signal.KindClaiming, &reference, 10)
		echo.OriginID = node.UniqueNodeID()
		node.machine.dispatch(tsk, echo)

		assert.Equal(t, task.StateClaiming, tsk.State())
		assert.Equal(t, 0, stream.Len())
	})

	t.Run("nil reference matches only nil baseline", func(t *testing.T) {
		t.Parallel()
		node, tsk, _ := newMachineFixture(t)
		tsk.SetUnclaimedSignalOffset(7)
		tsk.SetState(task.StateClaiming)

		echo := foreignSignal(signal.KindClaiming, nil, 10)
		echo.OriginID = node.UniqueNodeID()
		node.machine.dispatch(tsk, echo)

		assert.Equal(t, task.StateClaiming, tsk.State())
	})
}

func TestMachineStaleOwnClaimEchoDiscarded(t *testing.T) {
	t.Parallel()

	node, tsk, _ := newMachineFixture(t)
	tsk.SetStateOwnedByOther(task.StateClaimedByOther, "peer_1_1")

	// The local state was reset by a foreign event between write and echo,
	// the echo is stale, not a violation.
	echo := foreignSignal(signal.KindClaiming, nil, 10)
	echo.OriginID = node.UniqueNodeID()
	node.machine.dispatch(tsk, echo)

	assert.Equal(t, task.StateClaimedByOther, tsk.State())
	assert.Equal(t, "peer_1_1", tsk.CurrentExecutor())
}

func TestMachineUnclaimedAdvancesBaseline(t *testing.T) {
	t.Parallel()

	node, tsk, _ := newMachineFixture(t)
	tsk.SetStateOwnedByOther(task.StateClaimedByOther, "peer_1_1")

	node.machine.dispatch(tsk, foreignSignal(signal.KindUnclaimed, nil, 50))
	assert.Equal(t, task.StateInitiating, tsk.State())
	require.NotNil(t, tsk.UnclaimedSignalOffset())
	assert.Equal(t, streamlog.Offset(50), *tsk.UnclaimedSignalOffset())

	// A consumer rewind replays the record, the transition is idempotent.
	node.machine.dispatch(tsk, foreignSignal(signal.KindUnclaimed, nil, 50))
	assert.Equal(t, task.StateInitiating, tsk.State())
	assert.Equal(t, streamlog.Offset(50), *tsk.UnclaimedSignalOffset())
}

func TestMachineUnclaimRequestIgnoredWhenNotOwned(t *testing.T) {
	t.Parallel()

	node, tsk, stream := newMachineFixture(t)
	tsk.SetStateOwnedByOther(task.StateClaimedByOther, "peer_1_1")

	node.machine.dispatchInternal(tsk, signal.KindUnclaimI)
	assert.Equal(t, task.StateClaimedByOther, tsk.State())
	assert.Equal(t, 0, stream.Len())
}
