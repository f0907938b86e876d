// Package signal defines the typed records exchanged over the sync topic.
package signal

import (
	"strings"
	"time"

	"github.com/taskfleet/taskfleet/internal/pkg/encoding/json"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/streamlog"
	"github.com/taskfleet/taskfleet/internal/pkg/utils/errors"
)

// Kind of a signal. Kinds with the "_I" suffix are internal: they are emitted
// by the node or its timers and never traverse the log.
type Kind string

const (
	KindClaiming    Kind = "CLAIMING"
	KindClaimed     Kind = "CLAIMED"
	KindUnclaimed   Kind = "UNCLAIMED"
	KindHandling    Kind = "HANDLING"
	KindHeartbeat   Kind = "HEARTBEAT"
	KindDoHeartbeat Kind = "DOHEARTBEAT"

	KindInitiatingI   Kind = "INITIATING_I"
	KindClaimingI     Kind = "CLAIMING_I"
	KindHandlingI     Kind = "HANDLING_I"
	KindHandledI      Kind = "HANDLED_I"
	KindHeartbeatI    Kind = "HEARTBEAT_I"
	KindUnclaimI      Kind = "UNCLAIM_I"
	KindResurrectingI Kind = "RESURRECTING_I"
)

// nolint: gochecknoglobals
var busKinds = map[Kind]bool{
	KindClaiming:    true,
	KindClaimed:     true,
	KindUnclaimed:   true,
	KindHandling:    true,
	KindHeartbeat:   true,
	KindDoHeartbeat: true,
}

func (k Kind) IsInternal() bool {
	return strings.HasSuffix(string(k), "_I")
}

func (k Kind) IsBusKind() bool {
	return busKinds[k]
}

// Signal is one record on the sync topic, or an internal event routed through
// the same dispatch path.
type Signal struct {
	TaskName  string            `json:"taskName,omitempty"`
	Kind      Kind              `json:"kind"`
	OriginID  string            `json:"originId"`
	Reference *streamlog.Offset `json:"reference,omitempty"`
	Timestamp time.Time         `json:"timestamp"`

	// CurrentOffset is the log offset of the record, stamped by the watcher
	// when the signal is observed. Nil for internal signals.
	CurrentOffset *streamlog.Offset `json:"-"`
}

func (s Signal) Encode() []byte {
	return json.MustEncode(s, false)
}

// Decode parses a signal record value. It fails for values that are not
// signals, e.g. node-information documents sharing the topic.
func Decode(value []byte) (Signal, error) {
	s := Signal{}
	if err := json.Decode(value, &s); err != nil {
		return Signal{}, err
	}
	if !s.Kind.IsBusKind() {
		return Signal{}, errors.Errorf(`value is not a signal, unknown kind %q`, s.Kind)
	}
	if s.OriginID == "" {
		return Signal{}, errors.New("value is not a signal, origin is missing")
	}
	return s, nil
}

// ReferenceMatches reports whether a claim reference matches the baseline:
// both nil, or both present and equal.
func ReferenceMatches(reference, baseline *streamlog.Offset) bool {
	if reference == nil || baseline == nil {
		return reference == nil && baseline == nil
	}
	return *reference == *baseline
}
