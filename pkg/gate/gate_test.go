package gate

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func ms(n int) time.Time {
	return t0.Add(time.Duration(n) * time.Millisecond)
}

const (
	below = 100
	above = 20000
)

// gateIn drives a fresh gate into the wanted state.
func gateIn(t *testing.T, s State) *Gate {
	t.Helper()
	g := New(DefaultConfig())
	switch s {
	case MotionActive:
		g.Observe(above, ms(0))
	case Settling:
		g.Observe(above, ms(0))
		g.Observe(below, ms(100))
	}
	if g.State() != s {
		t.Fatalf("setup: state = %v, want %v", g.State(), s)
	}
	return g
}

func TestObserve_Totality(t *testing.T) {
	tests := []struct {
		from      State
		metric    int
		wantState State
		wantEvent Event
	}{
		{Idle, below, Idle, EventNone},
		{Idle, 17562, Idle, EventNone},
		{Idle, 17563, MotionActive, EventMotionDetected},
		{MotionActive, above, MotionActive, EventNone},
		{MotionActive, below, Settling, EventMotionStopped},
		{Settling, above, MotionActive, EventMotionDetected},
		{Settling, below, Settling, EventNone},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.wantState.String(), func(t *testing.T) {
			g := gateIn(t, tt.from)
			tr := g.Observe(tt.metric, ms(200))
			if tr.To != tt.wantState || g.State() != tt.wantState {
				t.Errorf("state = %v, want %v", g.State(), tt.wantState)
			}
			if tr.Event != tt.wantEvent {
				t.Errorf("event = %v, want %v", tr.Event, tt.wantEvent)
			}
			if tr.From != tt.from {
				t.Errorf("from = %v, want %v", tr.From, tt.from)
			}
		})
	}
}

func TestObserve_SettlingArmsDeadline(t *testing.T) {
	g := gateIn(t, Settling)

	deadline, ok := g.Deadline()
	if !ok {
		t.Fatal("Settling should arm a deadline")
	}
	if want := ms(100 + 1350); !deadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", deadline, want)
	}

	// quiet samples keep the original deadline
	g.Observe(below, ms(500))
	if d, _ := g.Deadline(); !d.Equal(deadline) {
		t.Errorf("deadline moved to %v", d)
	}
}

func TestDebounce_MotionJustBeforeDeadline(t *testing.T) {
	g := gateIn(t, Settling) // deadline at 100+1350

	if _, fired := g.Elapse(ms(100 + 1349)); fired {
		t.Fatal("Elapse fired before the deadline")
	}
	tr := g.Observe(above, ms(100+1349))
	if tr.Event != EventMotionDetected || g.State() != MotionActive {
		t.Errorf("motion at 1349ms: state = %v event = %v", g.State(), tr.Event)
	}
	if _, armed := g.Deadline(); armed {
		t.Error("motion should cancel the deadline")
	}
	if _, fired := g.Elapse(ms(100 + 1351)); fired {
		t.Error("no capture expected after cancelled settle")
	}

	// the next quiet sample starts a fresh full settle period
	g.Observe(below, ms(2000))
	if d, _ := g.Deadline(); !d.Equal(ms(2000 + 1350)) {
		t.Errorf("deadline = %v, want reset to %v", d, ms(2000+1350))
	}
}

func TestDebounce_QuietUntilDeadline(t *testing.T) {
	g := gateIn(t, Settling)

	captures := 0
	for _, at := range []int{200, 800, 1449, 1451, 1500, 3000} {
		g.Observe(below, ms(at))
		if _, fired := g.Elapse(ms(at)); fired {
			captures++
		}
	}
	if captures != 1 {
		t.Errorf("captures = %d, want 1", captures)
	}
	if g.State() != Idle {
		t.Errorf("state = %v, want idle", g.State())
	}
}

func TestElapse_ExactlyAtDeadline(t *testing.T) {
	g := gateIn(t, Settling)

	tr, fired := g.Elapse(ms(100 + 1350))
	if !fired {
		t.Fatal("Elapse should fire at the deadline")
	}
	if tr.Event != EventSettled || tr.From != Settling || tr.To != Idle {
		t.Errorf("transition = %+v", tr)
	}
	if _, again := g.Elapse(ms(5000)); again {
		t.Error("Elapse fired twice")
	}
}

func TestElapse_IgnoredOutsideSettling(t *testing.T) {
	for _, s := range []State{Idle, MotionActive} {
		g := gateIn(t, s)
		if _, fired := g.Elapse(ms(10000)); fired {
			t.Errorf("Elapse fired in %v", s)
		}
	}
}

func TestReset(t *testing.T) {
	g := gateIn(t, Settling)
	g.Reset()

	if g.State() != Idle {
		t.Errorf("state = %v, want idle", g.State())
	}
	if _, armed := g.Deadline(); armed {
		t.Error("Reset should drop the deadline")
	}
	if _, fired := g.Elapse(ms(10000)); fired {
		t.Error("Reset should cancel the pending capture")
	}
}

func TestIdenticalFramesStayIdle(t *testing.T) {
	g := New(DefaultConfig())
	for i := 0; i < 100; i++ {
		g.Observe(0, ms(i*100))
		if _, fired := g.Elapse(ms(i * 100)); fired {
			t.Fatal("capture without motion")
		}
	}
	if g.State() != Idle {
		t.Errorf("state = %v, want idle", g.State())
	}
}
