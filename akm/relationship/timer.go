package relationship

import (
	"time"

	"github.com/TheusHen/AKM/akm/instrument"
	"github.com/TheusHen/AKM/akm/protocol"
)

// armTimer replaces any pending timer with one firing at the absolute time
// at. Caller holds the lock.
func (e *Engine) armTimer(at time.Time) {
	e.stopTimer()
	d := at.Sub(e.now())
	if d < 0 {
		d = 0
	}
	gen := e.timerGen
	e.timer = time.AfterFunc(d, func() { e.expire(gen) })
}

// stopTimer cancels the pending timer. A callback already waiting for the
// lock sees a newer generation and returns. Caller holds the lock.
func (e *Engine) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

func (e *Engine) expire(gen uint64) {
	e.Lock()
	if e.closed || gen != e.timerGen {
		e.Unlock()
		return
	}
	e.timer = nil
	instrument.TimerExpired(e.id)
	r, err := e.run(&pass{event: protocol.EventTimeout})
	hook := e.onTimeout
	e.Unlock()

	switch {
	case err != nil:
		e.log.Errorf("Timeout pass failed: %v", err)
	case r.Status != protocol.StatusSuccess:
		e.log.Warningf("Timeout pass returned %s", r.Status)
	}
	if hook != nil {
		hook(r, err)
	}
}

// TimerPending reports whether a timer is armed.
func (e *Engine) TimerPending() bool {
	e.Lock()
	defer e.Unlock()
	return e.timer != nil
}
