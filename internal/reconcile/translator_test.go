package reconcile

import "testing"

func TestAckTranslator(t *testing.T) {
	tr := NewAckTranslator()
	if _, ok := tr.Offset(); ok {
		t.Fatalf("offset valid before any ack")
	}
	var changes [][2]int64
	tr.OnChange = func(prev, next int64) { changes = append(changes, [2]int64{prev, next}) }

	// Client input frame 120 was consumed on server frame 100.
	if !tr.ObserveAck(120, 100) {
		t.Fatalf("first ack must establish the offset")
	}
	if off, ok := tr.Offset(); !ok || off != 20 {
		t.Fatalf("offset: got (%d,%v) want (20,true)", off, ok)
	}
	if got := tr.ToLocal(105); got != 125 {
		t.Fatalf("ToLocal: got %d want 125", got)
	}
	if tr.ObserveAck(120, 100) {
		t.Fatalf("repeated ack must not change anything")
	}
	if tr.ObserveAck(90, 80) {
		t.Fatalf("older ack must be ignored")
	}
	if !tr.ObserveAck(125, 103) {
		t.Fatalf("newer ack with a different offset must apply")
	}
	if off, _ := tr.Offset(); off != 22 {
		t.Fatalf("offset: got %d want 22", off)
	}
	if tr.ObserveFrames(500, 100) {
		t.Fatalf("ack translator ignores frame observations")
	}
	if len(changes) != 2 || changes[1] != [2]int64{20, 22} {
		t.Fatalf("changes: %v", changes)
	}
}

func TestFixedLeadTranslator(t *testing.T) {
	tr := NewFixedLeadTranslator(4, 2)
	if !tr.ObserveFrames(200, 150) {
		t.Fatalf("first observation must establish the offset")
	}
	if off, _ := tr.Offset(); off != 46 {
		t.Fatalf("offset: got %d want 46", off)
	}
	if tr.ObserveFrames(201, 149) {
		t.Fatalf("drift of 2 is within tolerance")
	}
	if !tr.ObserveFrames(210, 150) {
		t.Fatalf("drift of 10 must move the offset")
	}
	if off, _ := tr.Offset(); off != 56 {
		t.Fatalf("offset: got %d want 56", off)
	}
	if tr.ObserveAck(1, 1) {
		t.Fatalf("fixed lead translator ignores acks")
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("fixed_lead"); err != nil || p != PolicyFixedLead {
		t.Fatalf("got (%q,%v)", p, err)
	}
	if _, err := ParsePolicy("nearest"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
