package g2core

import (
	"testing"
	"time"
)

func busyLeaf(rtt time.Duration) *Neighbour {
	n, _ := newFakeNeighbour(time.Unix(0, 0))
	n.AdoptRole(RoleLeaf, 0, 0, false, false, time.Unix(0, 0))
	n.RTT = rtt
	return n
}

// TestAdaptiveHub_DampensAfterSustainedBusyWindow is P5: after a full
// AdaptiveTimeWindow with busy share above threshold, NumLeafs' <=
// NumLeafs/2 and >= AdaptiveMinimumLeaves.
func TestAdaptiveHub_DampensAfterSustainedBusyWindow(t *testing.T) {
	tuning := AdaptiveHubTuning{
		Enabled:        true,
		CheckPeriod:    1,
		MaxPing:        int64(200 * time.Millisecond),
		BusyPercentage: 0.5,
		TimeWindow:     3,
		MinimumLeaves:  4,
	}
	state := NewAdaptiveHubState(tuning)

	leaves := []*Neighbour{
		busyLeaf(500 * time.Millisecond),
		busyLeaf(500 * time.Millisecond),
		busyLeaf(10 * time.Millisecond),
	}
	metrics := NewMetrics("test", "go1.99")

	var newLeafs int
	var downgraded bool
	for i := 0; i < tuning.TimeWindow; i++ {
		newLeafs, downgraded = state.Tick(tuning, leaves, 20, metrics)
	}

	if !downgraded {
		t.Fatalf("expected a downgrade after a full sustained-busy window")
	}
	if newLeafs > 20/2 {
		t.Fatalf("expected NumLeafs' <= NumLeafs/2 (10), got %d", newLeafs)
	}
	if newLeafs < tuning.MinimumLeaves {
		t.Fatalf("expected NumLeafs' >= AdaptiveMinimumLeaves (%d), got %d", tuning.MinimumLeaves, newLeafs)
	}
}

func TestAdaptiveHub_NoChangeBeforeWindowCompletes(t *testing.T) {
	tuning := AdaptiveHubTuning{
		Enabled:        true,
		CheckPeriod:    1,
		MaxPing:        int64(200 * time.Millisecond),
		BusyPercentage: 0.5,
		TimeWindow:     5,
		MinimumLeaves:  4,
	}
	state := NewAdaptiveHubState(tuning)
	leaves := []*Neighbour{busyLeaf(500 * time.Millisecond)}
	metrics := NewMetrics("test", "go1.99")

	_, downgraded := state.Tick(tuning, leaves, 20, metrics)
	if downgraded {
		t.Fatalf("did not expect a downgrade before the window completes")
	}
}

func TestAdaptiveHub_NoChangeWhenNotBusy(t *testing.T) {
	tuning := AdaptiveHubTuning{
		Enabled:        true,
		CheckPeriod:    1,
		MaxPing:        int64(200 * time.Millisecond),
		BusyPercentage: 0.5,
		TimeWindow:     2,
		MinimumLeaves:  4,
	}
	state := NewAdaptiveHubState(tuning)
	leaves := []*Neighbour{busyLeaf(10 * time.Millisecond), busyLeaf(10 * time.Millisecond)}
	metrics := NewMetrics("test", "go1.99")

	var downgraded bool
	for i := 0; i < tuning.TimeWindow; i++ {
		_, downgraded = state.Tick(tuning, leaves, 20, metrics)
	}
	if downgraded {
		t.Fatalf("did not expect a downgrade when leaves are not busy")
	}
}

func TestAdaptiveHub_RespectsCheckPeriod(t *testing.T) {
	tuning := AdaptiveHubTuning{
		Enabled:        true,
		CheckPeriod:    3,
		MaxPing:        int64(200 * time.Millisecond),
		BusyPercentage: 0.5,
		TimeWindow:     1,
		MinimumLeaves:  1,
	}
	state := NewAdaptiveHubState(tuning)
	metrics := NewMetrics("test", "go1.99")
	leaves := []*Neighbour{busyLeaf(500 * time.Millisecond)}

	_, d1 := state.Tick(tuning, leaves, 10, metrics)
	_, d2 := state.Tick(tuning, leaves, 10, metrics)
	if d1 || d2 {
		t.Fatalf("expected no evaluation before CheckPeriod ticks elapse")
	}
	_, d3 := state.Tick(tuning, leaves, 10, metrics)
	if !d3 {
		t.Fatalf("expected an evaluation on the CheckPeriod-th tick")
	}
}
