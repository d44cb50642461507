package g2core

import "time"

const (
	modeChangeWait          = 1800 * time.Second
	emergencyHubAfter       = 10 * time.Minute
	minutesBelow50Threshold = 60
	minutesAbove90Threshold = 30
)

// HubBalanceState carries the rolling cluster-load counters across ticks.
type HubBalanceState struct {
	MinutesBelow50 int
	MinutesAbove90 int
	TryingSince    time.Time // zero when we have a hub connection or are a hub
	LastModeChange time.Time
}

// NewHubBalanceState seeds a fresh balancer state as of now.
func NewHubBalanceState(now time.Time) *HubBalanceState {
	return &HubBalanceState{LastModeChange: now}
}

// clusterLoad computes cluster_leaves/cluster_cap across every CONNECTED
// HUB neighbour plus ourselves if we are currently a hub.
func clusterLoad(neighbours []*Neighbour, localRole Role, localLeaves, localLeafMax int) (load float64, capacity int) {
	var leaves int
	for _, n := range neighbours {
		if n.Role == RoleHub && n.State == StateConnected {
			leaves += n.LeafCount
			capacity += n.LeafMax
		}
	}
	if localRole == RoleHub {
		leaves += localLeaves
		capacity += localLeafMax
	}
	if capacity == 0 {
		return 0, 0
	}
	return float64(leaves) / float64(capacity), capacity
}

// Evaluate runs the §4.7 role switcher. It returns the role to switch to
// (RoleUnknown means "no change"). It does not check the grace period;
// callers consult InGracePeriod first. now is the current tick time;
// forcedMode is true when the configuration pins ClientMode away from auto.
func (b *HubBalanceState) Evaluate(now time.Time, neighbours []*Neighbour, localRole Role,
	localLeaves, localLeafMax int, isFirewalled bool, forcedMode bool) (switchTo Role) {

	hasHubConn := false
	for _, n := range neighbours {
		if n.Role == RoleHub && n.State == StateConnected {
			hasHubConn = true
			break
		}
	}

	if localRole != RoleHub && !hasHubConn {
		if b.TryingSince.IsZero() {
			b.TryingSince = now
		} else if now.Sub(b.TryingSince) > emergencyHubAfter {
			b.TryingSince = time.Time{}
			return RoleHub
		}
	} else {
		b.TryingSince = time.Time{}
	}

	load, clusterCap := clusterLoad(neighbours, localRole, localLeaves, localLeafMax)
	if clusterCap > 0 {
		switch {
		case load < 0.5:
			b.MinutesBelow50++
			b.MinutesAbove90 = 0
		case load > 0.9:
			b.MinutesAbove90++
			b.MinutesBelow50 = 0
		default:
			b.MinutesBelow50 = 0
			b.MinutesAbove90 = 0
		}
	}

	if forcedMode {
		return RoleUnknown
	}

	if localRole == RoleHub && b.MinutesBelow50 > minutesBelow50Threshold && hasHubConn {
		ourLoad := 0.0
		if localLeafMax > 0 {
			ourLoad = float64(localLeaves) / float64(localLeafMax)
		}
		if ourLoad < 0.5 {
			return RoleLeaf
		}
		return RoleUnknown
	}

	if localRole == RoleLeaf && b.MinutesAbove90 > minutesAbove90Threshold && !isFirewalled {
		return RoleHub
	}

	return RoleUnknown
}

// ApplySwitch resets the load counters and stamps LastModeChange. The
// caller is responsible for closing all current neighbours and setting the
// new role before calling this.
func (b *HubBalanceState) ApplySwitch(now time.Time) {
	b.MinutesBelow50 = 0
	b.MinutesAbove90 = 0
	b.TryingSince = time.Time{}
	b.LastModeChange = now
}

// InGracePeriod reports whether the grace period since the last switch has
// not yet elapsed.
func (b *HubBalanceState) InGracePeriod(now time.Time) bool {
	return now.Sub(b.LastModeChange) < modeChangeWait
}
