package g2core

// AdaptiveHubTuning bundles the §6 configuration fields the adaptive-hub
// evaluator needs.
type AdaptiveHubTuning struct {
	Enabled        bool
	CheckPeriod    int   // ticks between evaluations
	MaxPing        int64 // nanoseconds; compared against Neighbour.RTT
	BusyPercentage float64
	TimeWindow     int // evaluation periods per window
	MinimumLeaves  int
}

// AdaptiveHubState carries the rolling counters across ticks; owned by the
// NetworkCore and reset whenever the window completes.
type AdaptiveHubState struct {
	nextCheck    int
	busyPeriods  int
	totalPeriods int
}

// NewAdaptiveHubState seeds the countdown to CheckPeriod ticks from now.
func NewAdaptiveHubState(tuning AdaptiveHubTuning) *AdaptiveHubState {
	return &AdaptiveHubState{nextCheck: tuning.CheckPeriod}
}

// Tick decrements the check countdown and runs an evaluation when it
// reaches zero, returning the possibly-reduced leaf capacity. It is only
// meaningful to call while the local role is HUB and tuning.Enabled.
//
// The ratio `busyLeaves/totalLeaves` is compared in floating point against
// BusyPercentage, not with integer division (which truncates to zero for
// the fractions this evaluator actually sees).
func (a *AdaptiveHubState) Tick(tuning AdaptiveHubTuning, connectedLeaves []*Neighbour, currentNumLeafs int, metrics *Metrics) (newNumLeafs int, downgraded bool) {
	a.nextCheck--
	if a.nextCheck > 0 {
		return currentNumLeafs, false
	}
	a.nextCheck = tuning.CheckPeriod

	busy := 0
	total := len(connectedLeaves)
	for _, n := range connectedLeaves {
		if int64(n.RTT) >= tuning.MaxPing {
			busy++
		}
	}
	if total > 0 && float64(busy)/float64(total) > tuning.BusyPercentage {
		a.busyPeriods++
	}
	a.totalPeriods++

	if a.totalPeriods < tuning.TimeWindow {
		return currentNumLeafs, false
	}

	busyShare := 0.0
	if a.totalPeriods > 0 {
		busyShare = float64(a.busyPeriods) / float64(a.totalPeriods)
	}

	newNumLeafs = currentNumLeafs
	if busyShare > tuning.BusyPercentage {
		reduced := total / 2
		if reduced < tuning.MinimumLeaves {
			reduced = tuning.MinimumLeaves
		}
		newNumLeafs = reduced
		downgraded = true
		metrics.adaptiveHubDowngrade()
	}

	a.busyPeriods = 0
	a.totalPeriods = 0
	return newNumLeafs, downgraded
}
