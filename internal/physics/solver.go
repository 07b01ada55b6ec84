package physics

// Solver is the part of the physics solver the reconciliation engine reads.
// The solver owns bodies and a rolling history of their past samples.
type Solver interface {
	CurrentFrame() int64
	FramesRetained() int64
	// PastSample returns the sample recorded for id at frame, if still retained.
	PastSample(id BodyID, frame int64) (Sample, bool)
	Resolve(id BodyID) (Body, bool)
}

// Body is a live simulated rigid body.
type Body interface {
	ID() BodyID
	Sample() Sample
	SetSample(Sample)
}

// RetentionStart is the oldest frame whose history the solver still holds.
func RetentionStart(s Solver) int64 {
	start := s.CurrentFrame() - s.FramesRetained()
	if start < 0 {
		return 0
	}
	return start
}
