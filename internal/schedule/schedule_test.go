package schedule

import "testing"

func TestStepDecayHalvesEveryStep(t *testing.T) {
	for epoch := 1; epoch <= 15; epoch++ {
		want := 0.1
		switch {
		case epoch > 10:
			want = 0.025
		case epoch > 5:
			want = 0.05
		}
		if got := StepDecay(0.1, 5, epoch-1); got != want {
			t.Fatalf("epoch %d: lr=%v want %v", epoch, got, want)
		}
	}
}

func TestStepDecayFirstEpochUnchanged(t *testing.T) {
	if got := StepDecay(0.3, 1, 0); got != 0.3 {
		t.Fatalf("expected base rate, got %v", got)
	}
}

func TestStepDecayNoLowerBound(t *testing.T) {
	if lr := StepDecay(1, 1, 1100); lr > 1e-300 {
		t.Fatalf("expected rate to keep decaying, got %v", lr)
	}
	if StepDecay(1, 1, 10) != 1.0/1024 {
		t.Fatalf("unexpected rate after 10 halvings: %v", StepDecay(1, 1, 10))
	}
}

func TestStepDecayDisabled(t *testing.T) {
	if got := StepDecay(0.1, 0, 40); got != 0.1 {
		t.Fatalf("expected no decay with step=0, got %v", got)
	}
}
