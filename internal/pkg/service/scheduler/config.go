package scheduler

import (
	"time"

	"github.com/taskfleet/taskfleet/internal/pkg/validator"
)

type Config struct {
	// WaitInNewState is the idle period a task spends in INITIATING before a
	// claim attempt, it gives already-running owners time to show up first.
	WaitInNewState time.Duration `json:"waitInNewState" validate:"required,gt=0"`
	// HeartBeatPeriod is the interval between DOHEARTBEAT self-announcements.
	HeartBeatPeriod time.Duration `json:"heartBeatPeriod" validate:"required,gt=0"`
	// ShutdownFlushWait lets released claims round-trip through the log
	// before the loops are stopped.
	ShutdownFlushWait time.Duration `json:"shutdownFlushWait" validate:"required,gt=0"`
	// ReadOldSignals replays the retained topic history at startup, so a
	// late-starting node learns about claims made before it joined.
	ReadOldSignals bool `json:"readOldSignals"`
}

func NewConfig() Config {
	return Config{
		WaitInNewState:    1000 * time.Millisecond,
		HeartBeatPeriod:   1000 * time.Millisecond,
		ShutdownFlushWait: 1500 * time.Millisecond,
		ReadOldSignals:    true,
	}
}

func (c Config) Validate() error {
	return validator.Validate(c)
}
