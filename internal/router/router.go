// Package router decides whether a human is realistically reachable right now.
// It is a pure function of the configured active hours, the timezone they are
// expressed in, and a connectivity flag.
package router

import (
	"sync"
	"time"

	"trustgate/internal/logging"
)

// IsActiveHours reports whether now falls inside [startHour, endHour).
// When startHour > endHour the window wraps midnight (e.g. 22 -> 6).
func IsActiveHours(now time.Time, startHour, endHour int) bool {
	hour := now.Hour()
	if startHour <= endHour {
		return hour >= startHour && hour < endHour
	}
	return hour >= startHour || hour < endHour
}

// Schedule is the active-hours window in a given location.
type Schedule struct {
	StartHour int
	EndHour   int
	Location  *time.Location
}

// SmartRouter holds the current schedule and the user's connectivity.
// Both can be swapped at runtime (config reload, presence updates).
type SmartRouter struct {
	mu        sync.RWMutex
	schedule  Schedule
	connected bool
}

// New creates a router. A nil location means UTC.
func New(schedule Schedule, userConnected bool) *SmartRouter {
	if schedule.Location == nil {
		schedule.Location = time.UTC
	}
	return &SmartRouter{schedule: schedule, connected: userConnected}
}

// SetSchedule replaces the active-hours window.
func (r *SmartRouter) SetSchedule(schedule Schedule) {
	if schedule.Location == nil {
		schedule.Location = time.UTC
	}
	r.mu.Lock()
	r.schedule = schedule
	r.mu.Unlock()
	logging.Routing("active hours set to [%d,%d) %s", schedule.StartHour, schedule.EndHour, schedule.Location)
}

// Schedule returns the current window.
func (r *SmartRouter) Schedule() Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schedule
}

// SetUserConnected records whether the human has a live connection.
func (r *SmartRouter) SetUserConnected(connected bool) {
	r.mu.Lock()
	r.connected = connected
	r.mu.Unlock()
}

// UserConnected returns the last recorded connectivity.
func (r *SmartRouter) UserConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// IsActiveHours evaluates the configured window at now, in the schedule's location.
func (r *SmartRouter) IsActiveHours(now time.Time) bool {
	s := r.Schedule()
	return IsActiveHours(now.In(s.Location), s.StartHour, s.EndHour)
}

// ShouldDeferToUser is true iff now is inside active hours AND the user is
// connected. This is the sole gate for "a human is reachable".
func (r *SmartRouter) ShouldDeferToUser(now time.Time, userConnected bool) bool {
	active := r.IsActiveHours(now)
	reachable := active && userConnected
	logging.RoutingDebug("should_defer_to_user: active=%v connected=%v -> %v", active, userConnected, reachable)
	return reachable
}

// HumanReachable is ShouldDeferToUser using the recorded connectivity.
func (r *SmartRouter) HumanReachable(now time.Time) bool {
	return r.ShouldDeferToUser(now, r.UserConnected())
}
