package bridge

import "time"

// watchdog fires onExpire once after its timeout unless stopped first.
// The callback runs on a timer goroutine; it must hand off to the
// dispatcher, which checks that the watchdog is still the one guarding its
// call before acting.
type watchdog struct {
	id      uint64
	timeout time.Duration
	timer   *time.Timer
}

func startWatchdog(id uint64, timeout time.Duration, onExpire func(*watchdog)) *watchdog {
	w := &watchdog{id: id, timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() { onExpire(w) })
	return w
}

func (w *watchdog) stop() {
	if w != nil {
		w.timer.Stop()
	}
}
