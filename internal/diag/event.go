package diag

import (
	"log"
	"time"
)

type Kind string

const (
	KindStaleData        Kind = "STALE_DATA"
	KindUnresolved       Kind = "UNRESOLVED_REFERENCE"
	KindInvalidRewind    Kind = "INVALID_REWIND_TARGET"
	KindInputStarvation  Kind = "INPUT_STARVATION"
	KindInputRecovered   Kind = "INPUT_RECOVERED"
	KindInputOverflow    Kind = "INPUT_OVERFLOW"
	KindCorrection       Kind = "CORRECTION"
	KindRewind           Kind = "REWIND"
	KindResimForced      Kind = "RESIM_FORCED"
	KindOffsetChanged    Kind = "OFFSET_CHANGED"
	KindQueueFull        Kind = "QUEUE_FULL"
	KindConnectionOpened Kind = "CONNECTION_OPENED"
	KindConnectionClosed Kind = "CONNECTION_CLOSED"
)

// Event is one diagnostics record. Value carries the kind-specific magnitude:
// position error for corrections, rewind depth for rewinds, the new offset for
// offset changes, the fault limit for starvation.
type Event struct {
	Time   time.Time `json:"time"`
	Kind   Kind      `json:"kind"`
	Frame  int64     `json:"frame"`
	Object uint32    `json:"object,omitempty"`
	Conn   string    `json:"conn,omitempty"`
	Value  float64   `json:"value,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Sink receives diagnostics events. Record must not block the caller's tick.
type Sink interface {
	Record(Event)
}

type Nop struct{}

func (Nop) Record(Event) {}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	for _, s := range m {
		if s != nil {
			s.Record(ev)
		}
	}
}

// LogSink prints events through a logger. Correction events are only printed
// when Verbose is set since they can be produced every tick.
type LogSink struct {
	Logger  *log.Logger
	Verbose bool
}

func (s LogSink) Record(ev Event) {
	if s.Logger == nil {
		return
	}
	if ev.Kind == KindCorrection && !s.Verbose {
		return
	}
	s.Logger.Printf("diag kind=%s frame=%d object=%d conn=%s value=%.4f %s", ev.Kind, ev.Frame, ev.Object, ev.Conn, ev.Value, ev.Detail)
}

// Or returns s, or Nop when s is nil.
func Or(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
