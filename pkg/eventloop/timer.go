package eventloop

import (
	"sync"
	"time"
)

// Every runs fn every interval on the scheduler's loop until the returned
// timer is stopped. The first run happens one interval from now.
func Every(s Scheduler, interval time.Duration, fn func()) Timer {
	r := &repeatTimer{}
	var arm func()
	arm = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.stopped {
			return
		}
		r.current = s.AfterFunc(interval, func() {
			if r.isStopped() {
				return
			}
			arm()
			fn()
		})
	}
	arm()
	return r
}

type repeatTimer struct {
	mu      sync.Mutex
	current Timer
	stopped bool
}

func (r *repeatTimer) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *repeatTimer) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	if r.current != nil {
		r.current.Stop()
	}
	return true
}

// Stop stops t if it is non-nil. It keeps call sites that guard optional
// timers short.
func Stop(t Timer) {
	if t != nil {
		t.Stop()
	}
}
