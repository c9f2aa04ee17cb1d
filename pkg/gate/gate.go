// Package gate implements the capture state machine that turns a stream of
// change metrics into debounced capture triggers.
package gate

import (
	"time"
)

// State is the capture gate state.
type State int

const (
	Idle State = iota
	MotionActive
	Settling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case MotionActive:
		return "motion_active"
	case Settling:
		return "settling"
	default:
		return "unknown"
	}
}

// Event is emitted on a transition.
type Event int

const (
	// EventNone means the transition did not change anything observable.
	EventNone Event = iota
	// EventMotionDetected fires on entering MotionActive.
	EventMotionDetected
	// EventMotionStopped fires on entering Settling.
	EventMotionStopped
	// EventSettled fires when the settle deadline passes. The caller
	// captures and reports "ready for next item".
	EventSettled
)

func (e Event) String() string {
	switch e {
	case EventMotionDetected:
		return "motion_detected"
	case EventMotionStopped:
		return "motion_stopped"
	case EventSettled:
		return "settled"
	default:
		return "none"
	}
}

// Config holds the gate thresholds.
type Config struct {
	Threshold   int           // Change metric must exceed this to count as motion
	SettleDelay time.Duration // Quiet time required before a capture
}

// DefaultConfig returns the tuned thresholds.
func DefaultConfig() Config {
	return Config{
		Threshold:   17562,                   // ~23% of a 320x240 frame
		SettleDelay: 1350 * time.Millisecond, // long enough for a hand to leave the frame
	}
}

// Transition describes one step of the machine.
type Transition struct {
	From  State
	To    State
	Event Event
}

// Changed reports whether the state changed.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Gate is the capture state machine. It owns no goroutines or timers;
// the caller supplies time and arms a timer from Deadline.
// A Gate is not safe for concurrent use.
type Gate struct {
	config   Config
	state    State
	deadline time.Time
	armed    bool
}

// New creates a gate in the Idle state.
func New(cfg Config) *Gate {
	return &Gate{config: cfg}
}

// Config returns the gate thresholds.
func (g *Gate) Config() Config {
	return g.config
}

// State returns the current state.
func (g *Gate) State() State {
	return g.state
}

// Deadline returns the pending settle deadline, if any.
func (g *Gate) Deadline() (time.Time, bool) {
	return g.deadline, g.armed
}

// IsMotion reports whether metric counts as motion.
func (g *Gate) IsMotion(metric int) bool {
	return metric > g.config.Threshold
}

// Observe feeds one change metric sampled at now.
//
// Callers should call Elapse before Observe for the same instant so a
// deadline that has already passed fires first.
func (g *Gate) Observe(metric int, now time.Time) Transition {
	from := g.state
	motion := g.IsMotion(metric)

	switch g.state {
	case Idle:
		if motion {
			g.state = MotionActive
			return Transition{From: from, To: g.state, Event: EventMotionDetected}
		}

	case MotionActive:
		if motion {
			g.disarm()
			return Transition{From: from, To: g.state}
		}
		g.state = Settling
		g.deadline = now.Add(g.config.SettleDelay)
		g.armed = true
		return Transition{From: from, To: g.state, Event: EventMotionStopped}

	case Settling:
		if motion {
			g.disarm()
			g.state = MotionActive
			return Transition{From: from, To: g.state, Event: EventMotionDetected}
		}
	}

	return Transition{From: from, To: g.state}
}

// Elapse fires the settle deadline if it has passed at now. It returns
// true exactly once per settle period, when the caller must capture.
func (g *Gate) Elapse(now time.Time) (Transition, bool) {
	from := g.state
	if g.state != Settling || !g.armed || now.Before(g.deadline) {
		return Transition{From: from, To: from}, false
	}
	g.disarm()
	g.state = Idle
	return Transition{From: from, To: Idle, Event: EventSettled}, true
}

// Reset returns the gate to Idle and drops any pending deadline.
func (g *Gate) Reset() {
	g.disarm()
	g.state = Idle
}

func (g *Gate) disarm() {
	g.deadline = time.Time{}
	g.armed = false
}
