package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testStruct struct {
	Name   string        `json:"name" validate:"required"`
	Period time.Duration `json:"period" validate:"required,gt=0"`
}

func TestValidateOk(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Validate(testStruct{Name: "foo", Period: time.Second}))
}

func TestValidateError(t *testing.T) {
	t.Parallel()
	err := Validate(testStruct{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "name is a required field")
}
