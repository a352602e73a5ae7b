package status

import "testing"

func TestApplySetAndClear(t *testing.T) {
	a := New()
	a.Apply(Update{Set: Connecting})
	if !a.Get().Flags.Has(Connecting) {
		t.Fatal("expected Connecting set")
	}

	a.Apply(Update{Set: Connected, Clear: Connecting})
	snap := a.Get()
	if snap.Flags.Has(Connecting) {
		t.Fatal("expected Connecting cleared")
	}
	if !snap.Flags.Has(Connected) {
		t.Fatal("expected Connected set")
	}
}

func TestProgressAccumulates(t *testing.T) {
	a := New()
	a.Apply(Update{Set: Fetching, Progress: &ProgressDelta{For: Fetching, Delta: 0.25}})
	a.Apply(Update{Progress: &ProgressDelta{For: Fetching, Delta: 0.25}})

	got := a.Get().Progress[Fetching]
	if got != 0.5 {
		t.Fatalf("expected progress 0.5, got %v", got)
	}
}

func TestObserversFireOnApply(t *testing.T) {
	a := New()
	var calls int
	var lastFlags Flag
	a.Observe(func(s Snapshot) {
		calls++
		lastFlags = s.Flags
	})

	a.Apply(Update{Set: Idle})
	if calls != 1 {
		t.Fatalf("expected 1 callback, got %d", calls)
	}
	if !lastFlags.Has(Idle) {
		t.Fatal("expected snapshot to reflect the applied update")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	a := New()
	a.Apply(Update{Progress: &ProgressDelta{For: Indexing, Delta: 0.1}})
	snap := a.Get()
	snap.Progress[Indexing] = 99

	if a.Get().Progress[Indexing] == 99 {
		t.Fatal("mutating a returned snapshot should not affect the aggregator")
	}
}
