package reconcile

// RewindProposer lets simulation subsystems other than rigid-body state ask
// for a rewind. The engine folds every proposal with min().
type RewindProposer interface {
	ProposeRewindFrame(lastCompletedStep int64) (int64, bool)
}

// ProposerFunc adapts a function to RewindProposer.
type ProposerFunc func(lastCompletedStep int64) (int64, bool)

func (f ProposerFunc) ProposeRewindFrame(lastCompletedStep int64) (int64, bool) {
	return f(lastCompletedStep)
}

// ForcedResim is a stress-test mode that rewinds Rewind frames every Every
// frames regardless of divergence. While it is active the engine discards all
// network state instead of comparing it.
type ForcedResim struct {
	Every  int64
	Rewind int64
}

func (f ForcedResim) Enabled() bool { return f.Every > 0 && f.Rewind > 0 }

func (f ForcedResim) ProposeRewindFrame(lastCompletedStep int64) (int64, bool) {
	if !f.Enabled() || lastCompletedStep <= 0 || lastCompletedStep%f.Every != 0 {
		return 0, false
	}
	target := lastCompletedStep - f.Rewind
	if target < 0 {
		return 0, false
	}
	return target, true
}
