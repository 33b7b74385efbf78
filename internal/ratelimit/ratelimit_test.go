package ratelimit

import "testing"

func TestAllowConsumesBurstThenBlocks(t *testing.T) {
	l := New(func(string) float64 { return 2 })

	if !l.Allow("t1", "b1") {
		t.Fatal("first Allow() = false, want true (burst capacity)")
	}
	if !l.Allow("t1", "b1") {
		t.Fatal("second Allow() = false, want true (burst capacity 2)")
	}
	if l.Allow("t1", "b1") {
		t.Fatal("third Allow() = true, want false (bucket exhausted)")
	}
}

func TestAllowIsPerBranch(t *testing.T) {
	l := New(func(string) float64 { return 1 })

	if !l.Allow("t1", "b1") {
		t.Fatal("Allow(t1,b1) = false, want true")
	}
	if !l.Allow("t1", "b2") {
		t.Fatal("Allow(t1,b2) = false, want true: distinct branch must have its own bucket")
	}
}
