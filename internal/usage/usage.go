// Package usage models the two rate-limit windows upstream exposes per
// account and the plan-dependent credit capacities behind them.
package usage

import (
	"time"
)

// Window identifies one of the two upstream usage windows.
type Window string

const (
	WindowPrimary   Window = "primary"   // short window, 5h by default
	WindowSecondary Window = "secondary" // long window, 7d by default
)

// Default window lengths when upstream omits limit_window_seconds.
const (
	DefaultPrimaryMinutes   = 300
	DefaultSecondaryMinutes = 10080
)

// Credit capacities per billing cycle, by plan. Plans absent from the table
// have unknown capacity; credit math degrades to percent-only for them.
var planCapacities = map[string]map[Window]float64{
	"plus":     {WindowPrimary: 225, WindowSecondary: 7560},
	"business": {WindowPrimary: 225, WindowSecondary: 7560},
	"team":     {WindowPrimary: 225, WindowSecondary: 7560},
	"pro":      {WindowPrimary: 1500, WindowSecondary: 50400},
}

// Capacity returns the credit capacity for a plan and window, false when the
// plan is unknown.
func Capacity(plan string, window Window) (float64, bool) {
	caps, ok := planCapacities[plan]
	if !ok {
		return 0, false
	}
	c, ok := caps[window]
	return c, ok
}

// EffectiveWindow reclassifies snapshots recorded before the windows were
// split: a "primary" row spanning a day or more is really the secondary
// window. Empty window names default to primary.
func EffectiveWindow(window Window, windowMinutes int) Window {
	if window == "" {
		window = WindowPrimary
	}
	if window == WindowPrimary && windowMinutes >= 1440 {
		return WindowSecondary
	}
	return window
}

// Snapshot is one append-only usage observation for an (account, window).
type Snapshot struct {
	ID            int64
	AccountID     string
	RecordedAt    time.Time
	Window        Window
	UsedPercent   float64
	ResetAt       int64 // epoch seconds
	WindowMinutes int

	InputTokens  *int64
	OutputTokens *int64

	HasCredits       bool
	UnlimitedCredits bool
	CreditBalance    float64
}

// UsedCredits converts the snapshot's percentage into credits for the plan.
func (s *Snapshot) UsedCredits(plan string) float64 {
	capacity, ok := Capacity(plan, EffectiveWindow(s.Window, s.WindowMinutes))
	if !ok {
		return 0
	}
	return capacity * s.UsedPercent / 100
}

// RemainingCredits returns the credits left in the window, clamped at zero.
func (s *Snapshot) RemainingCredits(plan string) float64 {
	capacity, ok := Capacity(plan, EffectiveWindow(s.Window, s.WindowMinutes))
	if !ok {
		return 0
	}
	remaining := capacity - capacity*s.UsedPercent/100
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingPercent returns 100 - used_percent, clamped at zero.
func (s *Snapshot) RemainingPercent() float64 {
	if s.UsedPercent >= 100 {
		return 0
	}
	return 100 - s.UsedPercent
}

// WindowSummary aggregates the same window across a set of accounts.
type WindowSummary struct {
	UsedPercent     float64 `json:"used_percent"`
	CapacityCredits float64 `json:"capacity_credits"`
	UsedCredits     float64 `json:"used_credits"`
	ResetAt         int64   `json:"reset_at"`
	WindowMinutes   int     `json:"window_minutes"`
}

// Summarize folds per-account latest snapshots into a pool-wide view.
// plans maps account id → plan type. The aggregate percentage is
// capacity-weighted where capacities are known, falling back to a plain
// average otherwise. ResetAt is the earliest reset in the pool.
func Summarize(rows map[string]*Snapshot, plans map[string]string) WindowSummary {
	var sum WindowSummary
	var percentSum float64
	var counted int

	for accountID, snap := range rows {
		if snap == nil {
			continue
		}
		counted++
		percentSum += snap.UsedPercent

		if capacity, ok := Capacity(plans[accountID], EffectiveWindow(snap.Window, snap.WindowMinutes)); ok {
			sum.CapacityCredits += capacity
			sum.UsedCredits += capacity * snap.UsedPercent / 100
		}
		if snap.ResetAt > 0 && (sum.ResetAt == 0 || snap.ResetAt < sum.ResetAt) {
			sum.ResetAt = snap.ResetAt
		}
		if snap.WindowMinutes > sum.WindowMinutes {
			sum.WindowMinutes = snap.WindowMinutes
		}
	}

	if sum.CapacityCredits > 0 {
		sum.UsedPercent = sum.UsedCredits / sum.CapacityCredits * 100
	} else if counted > 0 {
		sum.UsedPercent = percentSum / float64(counted)
	}
	return sum
}
