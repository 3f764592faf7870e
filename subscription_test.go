package kafka

import (
	"errors"
	"testing"
)

func TestSubscriptionStatePauseResumeRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewSubscriptionState()
	s.Pause([]PauseEntry{{Topic: "orders", Partitions: []int{1, 2}}})

	if err := s.Resume([]PauseEntry{{Topic: "orders", Partitions: []int{1, 2}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	paused := s.Paused()
	for _, p := range paused {
		if p.Topic == "orders" && (p.All || len(p.Partitions) != 0) {
			t.Errorf("expected orders to be fully resumed, got %+v", p)
		}
	}
}

func TestSubscriptionStateSelectiveResumeAfterFullPauseFails(t *testing.T) {
	t.Parallel()

	s := NewSubscriptionState()
	s.Pause([]PauseEntry{{Topic: "orders"}})

	err := s.Resume([]PauseEntry{{Topic: "orders", Partitions: []int{1}}})
	if err == nil {
		t.Fatal("expected an error")
	}

	var nre *NonRetriableError
	if !errors.As(err, &nre) {
		t.Fatalf("expected a *NonRetriableError, got %T: %v", err, err)
	}
}

func TestSubscriptionStateIsPaused(t *testing.T) {
	t.Parallel()

	s := NewSubscriptionState()

	if s.IsPaused("orders", 0) {
		t.Error("nothing has been paused yet")
	}

	s.Pause([]PauseEntry{{Topic: "orders", Partitions: []int{0}}})
	if !s.IsPaused("orders", 0) {
		t.Error("expected partition 0 to be paused")
	}
	if s.IsPaused("orders", 1) {
		t.Error("expected partition 1 to remain unpaused")
	}
}

func TestSubscriptionStatePauseAllThenIsPausedAnyPartition(t *testing.T) {
	t.Parallel()

	s := NewSubscriptionState()
	s.Pause([]PauseEntry{{Topic: "orders"}})

	for _, p := range []int{0, 1, 42} {
		if !s.IsPaused("orders", p) {
			t.Errorf("expected partition %d to be paused under all=true", p)
		}
	}
}

func TestSubscriptionStateFullResumeClearsAllFlag(t *testing.T) {
	t.Parallel()

	s := NewSubscriptionState()
	s.Pause([]PauseEntry{{Topic: "orders"}})
	if err := s.Resume([]PauseEntry{{Topic: "orders"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.IsPaused("orders", 0) {
		t.Error("expected orders to no longer be paused")
	}
}

func TestSubscriptionStatePausedSnapshotOmitsFullyResumedTopics(t *testing.T) {
	t.Parallel()

	s := NewSubscriptionState()
	s.Pause([]PauseEntry{{Topic: "orders", Partitions: []int{0}}})
	s.Resume([]PauseEntry{{Topic: "orders", Partitions: []int{0}}})

	paused := s.Paused()
	if len(paused) != 0 {
		t.Errorf("expected no paused topics after a full resume, got %+v", paused)
	}
}

func TestSubscriptionStateIndependentTopics(t *testing.T) {
	t.Parallel()

	s := NewSubscriptionState()
	s.Pause([]PauseEntry{{Topic: "orders"}})

	if s.IsPaused("payments", 0) {
		t.Error("pausing one topic must not affect another")
	}
}
