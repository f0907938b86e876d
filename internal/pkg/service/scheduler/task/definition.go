package task

import (
	"context"
	"time"

	"github.com/taskfleet/taskfleet/internal/pkg/validator"
)

// Fn is the task body. It must honor the context deadline, the executor
// cancels it after Definition.MaxDuration.
type Fn func(ctx context.Context) error

// Definition describes a periodic task, it is immutable after registration.
type Definition struct {
	// Name identifies the task across the cluster.
	Name string `json:"name" validate:"required"`
	// Fn is the task body, executed only while this node holds the claim.
	Fn Fn `json:"-" validate:"required"`
	// Period between two executions.
	Period time.Duration `json:"period" validate:"required,gt=0"`
	// MaxDuration of one execution, the body context is cancelled afterwards.
	MaxDuration time.Duration `json:"maxDuration" validate:"required,gt=0"`
	// ClaimedSignalPeriod is how often the owner reasserts the claim.
	ClaimedSignalPeriod time.Duration `json:"claimedSignalPeriod" validate:"required,gt=0"`
	// Resurrection is the silence interval after which the task is presumed
	// orphaned and re-enters claim contention.
	Resurrection time.Duration `json:"resurrection" validate:"required,gt=0"`
}

func (d Definition) Validate() error {
	return validator.Validate(d)
}
