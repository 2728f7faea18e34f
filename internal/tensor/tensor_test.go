package tensor

import (
	"math"
	"testing"
)

func TestNewAndSample(t *testing.T) {
	x := New(2, 1, 2, 3)
	if x.Len() != 12 {
		t.Fatalf("expected 12 elements, got %d", x.Len())
	}
	for i := range x.Data {
		x.Data[i] = float64(i)
	}
	s := x.Sample(1)
	if len(s) != 6 || s[0] != 6 {
		t.Fatalf("unexpected sample view %v", s)
	}
	s[0] = -1
	if x.Data[6] != -1 {
		t.Fatalf("sample should alias the tensor")
	}
}

func TestFromDataRejectsMismatch(t *testing.T) {
	if _, err := FromData(make([]float64, 5), 2, 3); err == nil {
		t.Fatal("expected error for mismatched length")
	}
	x, err := FromData(make([]float64, 6), 2, 3)
	if err != nil {
		t.Fatalf("FromData: %v", err)
	}
	if !x.SameShape(New(2, 3)) {
		t.Fatalf("shape mismatch %v", x.Shape)
	}
	if x.SameShape(New(3, 2)) {
		t.Fatal("shapes [2 3] and [3 2] reported equal")
	}
}

func TestCloneAndFinite(t *testing.T) {
	x := New(1, 2)
	c := x.Clone()
	c.Data[0] = 1
	if x.Data[0] != 0 {
		t.Fatal("clone shares storage")
	}
	if !x.Finite() {
		t.Fatal("zero tensor reported non-finite")
	}
	c.Data[1] = math.NaN()
	if c.Finite() {
		t.Fatal("NaN tensor reported finite")
	}
}
