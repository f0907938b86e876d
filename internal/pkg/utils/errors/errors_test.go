package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiError(t *testing.T) {
	t.Parallel()

	errs := NewMultiError()
	assert.NoError(t, errs.ErrorOrNil())

	errs.Append(New("first"))
	errs.Append(nil)
	errs.AppendWithPrefix(New("second"), "prefix")

	assert.Equal(t, 2, errs.Len())
	assert.Error(t, errs.ErrorOrNil())
	assert.Equal(t, "first; prefix: second", errs.Error())
}

func TestPrefixError(t *testing.T) {
	t.Parallel()

	base := New("root cause")
	err := PrefixErrorf(base, "task %q", "my-task")
	assert.Equal(t, `task "my-task": root cause`, err.Error())
	assert.True(t, Is(err, base))
}
