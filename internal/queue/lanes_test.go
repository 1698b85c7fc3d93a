package queue_test

import (
	"testing"

	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/queue"
)

func TestLaneScheduler_WeightedCycle(t *testing.T) {
	s, err := queue.NewLaneScheduler([]int{8, 4, 2, 1})
	if err != nil {
		t.Fatal(err)
	}

	counts := map[domain.Priority]int{}
	for i := 0; i < s.CycleLength(); i++ {
		counts[s.Next()]++
	}
	want := map[domain.Priority]int{
		domain.PriorityCritical: 8,
		domain.PriorityHigh:     4,
		domain.PriorityNormal:   2,
		domain.PriorityLow:      1,
	}
	for p, n := range want {
		if counts[p] != n {
			t.Errorf("%s: expected %d slots per cycle, got %d", p, n, counts[p])
		}
	}
}

func TestLaneScheduler_SmoothInterleaving(t *testing.T) {
	s, _ := queue.NewLaneScheduler([]int{8, 4, 2, 1})

	// CRITICAL must never hold more than 2 consecutive slots with these weights.
	run, maxRun := 0, 0
	for i := 0; i < 3*s.CycleLength(); i++ {
		if s.Next() == domain.PriorityCritical {
			run++
			if run > maxRun {
				maxRun = run
			}
		} else {
			run = 0
		}
	}
	if maxRun > 2 {
		t.Fatalf("expected interleaved schedule, got %d consecutive CRITICAL slots", maxRun)
	}
}

func TestLaneScheduler_RejectsBadWeights(t *testing.T) {
	if _, err := queue.NewLaneScheduler([]int{1, 2, 3}); err == nil {
		t.Fatal("expected error for wrong number of weights")
	}
	if _, err := queue.NewLaneScheduler([]int{8, 4, 0, 1}); err == nil {
		t.Fatal("expected error for zero weight")
	}
}
