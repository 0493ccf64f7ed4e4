package chipset

import "time"

// manualTimer is a timerHandle tests fire by hand instead of waiting
// on wall clock.
type manualTimer struct {
	cb      func()
	stopped bool
}

func (m *manualTimer) Stop() { m.stopped = true }

// Fire invokes the callback once, as the periodic timer would.
func (m *manualTimer) Fire() {
	if !m.stopped && m.cb != nil {
		m.cb()
	}
}

// manualTimerFactory collects every timer a device creates so tests
// can drive them deterministically.
type manualTimerFactory struct {
	timers []*manualTimer
}

func (f *manualTimerFactory) Factory(period time.Duration, cb func()) timerHandle {
	t := &manualTimer{cb: cb}
	f.timers = append(f.timers, t)
	return t
}
