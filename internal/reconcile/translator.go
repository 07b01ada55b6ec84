package reconcile

import (
	"fmt"

	"netphys.dev/internal/physics"
)

type TranslationPolicy string

const (
	PolicyAck       TranslationPolicy = "ack"
	PolicyFixedLead TranslationPolicy = "fixed_lead"
)

func ParsePolicy(s string) (TranslationPolicy, error) {
	switch TranslationPolicy(s) {
	case PolicyAck, PolicyFixedLead:
		return TranslationPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown frame translation policy %q", s)
	}
}

// FrameTranslator maps remote (authoritative) frame numbers onto the local
// simulation timeline: local = remote + Offset().
type FrameTranslator struct {
	policy    TranslationPolicy
	lead      int64
	tolerance int64

	offset int64
	valid  bool

	lastAckInput  int64
	lastAckRemote int64

	// OnChange is called with the previous and new offset whenever the offset
	// moves. prev is meaningless on the first call.
	OnChange func(prev, next int64)
}

// NewAckTranslator derives the offset from acknowledgements of the local
// connection's own input stream.
func NewAckTranslator() *FrameTranslator {
	return &FrameTranslator{
		policy:        PolicyAck,
		lastAckInput:  physics.NoFrame,
		lastAckRemote: physics.NoFrame,
	}
}

// NewFixedLeadTranslator keeps the local simulation leadFrames ahead of the
// newest remote frame observed. Changes within tolerance are ignored.
func NewFixedLeadTranslator(leadFrames, tolerance int64) *FrameTranslator {
	if tolerance < 0 {
		tolerance = 0
	}
	return &FrameTranslator{
		policy:        PolicyFixedLead,
		lead:          leadFrames,
		tolerance:     tolerance,
		lastAckInput:  physics.NoFrame,
		lastAckRemote: physics.NoFrame,
	}
}

func (t *FrameTranslator) Policy() TranslationPolicy { return t.policy }

// Offset returns the current offset and whether one has been established.
func (t *FrameTranslator) Offset() (int64, bool) { return t.offset, t.valid }

func (t *FrameTranslator) ToLocal(remote int64) int64 { return remote + t.offset }

// ObserveAck records an acknowledgement {inputFrame consumed by the server at
// remoteFrame}. Only a newer acknowledgement changes the offset. Fixed-lead
// translators ignore acks.
func (t *FrameTranslator) ObserveAck(inputFrame, remoteFrame int64) bool {
	if t.policy != PolicyAck || inputFrame < 0 || remoteFrame < 0 {
		return false
	}
	if inputFrame == t.lastAckInput && remoteFrame == t.lastAckRemote {
		return false
	}
	if t.lastAckRemote != physics.NoFrame && remoteFrame < t.lastAckRemote {
		return false
	}
	t.lastAckInput = inputFrame
	t.lastAckRemote = remoteFrame
	return t.set(inputFrame-remoteFrame, 0)
}

// ObserveFrames recomputes a fixed-lead offset from the current local frame and
// the newest remote frame seen. Ack translators ignore it.
func (t *FrameTranslator) ObserveFrames(currentLocal, maxRemote int64) bool {
	if t.policy != PolicyFixedLead || maxRemote < 0 {
		return false
	}
	return t.set(currentLocal-t.lead-maxRemote, t.tolerance)
}

func (t *FrameTranslator) set(next, tolerance int64) bool {
	if t.valid {
		d := next - t.offset
		if d < 0 {
			d = -d
		}
		if d <= tolerance {
			return false
		}
	}
	prev := t.offset
	t.offset = next
	t.valid = true
	if t.OnChange != nil {
		t.OnChange(prev, next)
	}
	return true
}
