package settlement

import "testing"

func TestWeightedPicker_ProportionalToWeight(t *testing.T) {
	candidates := []Candidate{
		{UserID: "alice", Weight: d(10)},
		{UserID: "bob", Weight: d(0)},
		{UserID: "carol", Weight: d(30)},
	}
	tests := []struct {
		roll float64
		want string
	}{
		{0.0, "alice"},
		{0.2499, "alice"},
		{0.25, "carol"},
		{0.9999, "carol"},
	}
	for _, tt := range tests {
		p := &WeightedPicker{Float: func() float64 { return tt.roll }}
		got, err := p.Pick(candidates)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tt.want {
			t.Errorf("roll %v: expected %s, got %s", tt.roll, tt.want, got)
		}
	}
}

func TestWeightedPicker_NoCandidates(t *testing.T) {
	if _, err := NewWeightedPicker().Pick(nil); err != ErrNoCandidates {
		t.Errorf("expected ErrNoCandidates, got %v", err)
	}
}

func TestFixedPicker(t *testing.T) {
	candidates := []Candidate{{UserID: "alice", Weight: d(1)}, {UserID: "bob", Weight: d(1)}}

	got, err := FixedPicker("bob").Pick(candidates)
	if err != nil || got != "bob" {
		t.Errorf("expected bob, got %q (%v)", got, err)
	}
	if _, err := FixedPicker("mallory").Pick(candidates); err != ErrNoCandidates {
		t.Errorf("expected ErrNoCandidates for non-member, got %v", err)
	}
}
