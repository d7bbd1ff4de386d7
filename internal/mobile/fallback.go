package mobile

import (
	"sync"
	"time"
)

// FallbackTimer is the one-shot race between "the native app took over"
// (Cancel) and "nothing intercepted the navigation" (the timer firing, which
// runs the fallback action). Whichever happens first wins; the loser is a
// no-op. The action never runs twice.
type FallbackTimer struct {
	mu       sync.Mutex
	timer    *time.Timer
	resolved bool
	fired    bool
	done     chan struct{}
}

// NewFallbackTimer arms the timer. fn runs in its own goroutine if the timer
// fires before Cancel is called.
func NewFallbackTimer(d time.Duration, fn func()) *FallbackTimer {
	t := &FallbackTimer{done: make(chan struct{})}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.resolved {
			t.mu.Unlock()
			return
		}
		t.resolved = true
		t.fired = true
		close(t.done)
		t.mu.Unlock()
		fn()
	})
	return t
}

// Cancel stops the timer. Returns true if the cancel won the race, false if
// the timer already fired (or was already cancelled).
func (t *FallbackTimer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return false
	}
	t.resolved = true
	t.timer.Stop()
	close(t.done)
	return true
}

// Fired reports whether the timer won the race.
func (t *FallbackTimer) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Done is closed once the race is decided, either way.
func (t *FallbackTimer) Done() <-chan struct{} {
	return t.done
}
