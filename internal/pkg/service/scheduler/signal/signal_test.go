package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/streamlog"
)

func TestKindClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, KindClaiming.IsBusKind())
	assert.False(t, KindClaiming.IsInternal())
	assert.True(t, KindUnclaimI.IsInternal())
	assert.False(t, KindUnclaimI.IsBusKind())
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	reference := streamlog.Offset(42)
	in := Signal{TaskName: "my-task", Kind: KindClaiming, OriginID: "node1", Reference: &reference}

	out, err := Decode(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, "my-task", out.TaskName)
	assert.Equal(t, KindClaiming, out.Kind)
	assert.Equal(t, "node1", out.OriginID)
	require.NotNil(t, out.Reference)
	assert.Equal(t, reference, *out.Reference)
}

func TestDecodeRejectsForeignDocuments(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"nodeId":"node1","tasks":[]}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"kind":"CLAIMING"}`))
	assert.Error(t, err)
}

func TestReferenceMatches(t *testing.T) {
	t.Parallel()

	a := streamlog.Offset(7)
	b := streamlog.Offset(7)
	c := streamlog.Offset(8)

	assert.True(t, ReferenceMatches(nil, nil))
	assert.True(t, ReferenceMatches(&a, &b))
	assert.False(t, ReferenceMatches(&a, &c))
	assert.False(t, ReferenceMatches(&a, nil))
	assert.False(t, ReferenceMatches(nil, &a))
}
