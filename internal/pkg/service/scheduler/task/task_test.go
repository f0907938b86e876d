package task

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"github.com/taskfleet/taskfleet/internal/pkg/log"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/streamlog"
)

func testDefinition() Definition {
	return Definition{
		Name:                "my-task",
		Fn:                  func(ctx context.Context) error { return nil },
		Period:              time.Second,
		MaxDuration:         time.Second,
		ClaimedSignalPeriod: time.Second,
		Resurrection:        time.Minute,
	}
}

func TestDefinitionValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, testDefinition().Validate())

	invalid := testDefinition()
	invalid.Name = ""
	invalid.Period = 0
	assert.Error(t, invalid.Validate())
}

func TestUnclaimedSignalOffsetMonotonic(t *testing.T) {
	t.Parallel()

	tsk := New(testDefinition(), clock.NewMock(), log.NewNopLogger())
	assert.Nil(t, tsk.UnclaimedSignalOffset())

	tsk.SetUnclaimedSignalOffset(10)
	assert.Equal(t, streamlog.Offset(10), *tsk.UnclaimedSignalOffset())

	// A replayed record cannot rewind the baseline.
	tsk.SetUnclaimedSignalOffset(5)
	assert.Equal(t, streamlog.Offset(10), *tsk.UnclaimedSignalOffset())

	tsk.SetUnclaimedSignalOffset(11)
	assert.Equal(t, streamlog.Offset(11), *tsk.UnclaimedSignalOffset())
}

func TestSetStateUnclaimingOnlyFromOwned(t *testing.T) {
	t.Parallel()

	tsk := New(testDefinition(), clock.NewMock(), log.NewNopLogger())

	// Ignored: the task is not owned by this node.
	tsk.SetStateOwnedByOther(StateClaimedByOther, "other-node")
	tsk.SetState(StateUnclaiming)
	assert.Equal(t, StateClaimedByOther, tsk.State())
	assert.Equal(t, "other-node", tsk.CurrentExecutor())

	// Applied: the claim is held locally.
	tsk.SetState(StateClaimedByNode)
	assert.Equal(t, "", tsk.CurrentExecutor())
	tsk.SetState(StateUnclaiming)
	assert.Equal(t, StateUnclaiming, tsk.State())
}

func TestTimestamps(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	tsk := New(testDefinition(), clk, log.NewNopLogger())

	clk.Add(time.Second)
	tsk.SetState(StateHandlingByNode)
	assert.Equal(t, clk.Now(), tsk.LastStartup())
	assert.Equal(t, clk.Now(), tsk.StateStarted())

	clk.Add(time.Second)
	tsk.SetStateOwnedByOther(StateClaimedByOther, "peer")
	assert.Equal(t, clk.Now(), tsk.LastClaimedInfo())
	assert.True(t, tsk.ClaimingTimestamp().IsZero())

	snapshot := tsk.Snapshot()
	assert.Equal(t, "my-task", snapshot.Name)
	assert.Equal(t, "CLAIMED_BY_OTHER", snapshot.State)
	assert.Equal(t, "peer", snapshot.Executor)
}
