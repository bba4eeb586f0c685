package app

import (
	"sync"
	"time"
)

// Countdown is the local answer window for the current question. It is never replicated:
// each replica starts its own when it observes a question start, so no shared clock is needed.
type Countdown struct {
	mu        sync.Mutex
	now       func() time.Time
	onExpire  func(questionID string)
	timer     *time.Timer
	question  string
	deadline  time.Time
	remaining time.Duration
	paused    bool
	closed    map[string]bool
}

func newCountdown(now func() time.Time) *Countdown {
	return &Countdown{now: now, closed: make(map[string]bool)}
}

// OnExpire registers a callback fired from the timer goroutine when a window closes.
func (c *Countdown) OnExpire(fn func(questionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpire = fn
}

// Start opens a fresh window for questionID; the previous question, if any, is closed.
func (c *Countdown) Start(questionID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.question != "" && c.question != questionID {
		c.closed[c.question] = true
	}
	delete(c.closed, questionID)
	c.question = questionID
	c.paused = false
	c.arm(d)
}

// Pause freezes the remaining time.
func (c *Countdown) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.question == "" || c.paused {
		return
	}
	c.remaining = c.deadline.Sub(c.now())
	if c.remaining < 0 {
		c.remaining = 0
	}
	c.paused = true
	c.stopTimer()
}

// Resume continues a paused window with the time that was left.
func (c *Countdown) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	c.arm(c.remaining)
}

// Stop cancels the window without closing the question.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimer()
	c.question = ""
	c.paused = false
}

// Reset forgets every closed question, used when a session starts over.
func (c *Countdown) Reset() {
	c.mu.Lock()
	c.closed = make(map[string]bool)
	c.mu.Unlock()
	c.Stop()
}

// Expired reports whether answers for questionID are past their local window.
// A question this replica never timed is not considered expired.
func (c *Countdown) Expired(questionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed[questionID] {
		return true
	}
	if questionID != c.question || c.paused {
		return false
	}
	return !c.now().Before(c.deadline)
}

// Remaining returns the time left on the running window.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.question == "" {
		return 0
	}
	if c.paused {
		return c.remaining
	}
	if left := c.deadline.Sub(c.now()); left > 0 {
		return left
	}
	return 0
}

func (c *Countdown) arm(d time.Duration) {
	c.stopTimer()
	c.deadline = c.now().Add(d)
	question := c.question
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		fn := c.onExpire
		current := c.question == question && !c.paused
		c.mu.Unlock()
		if current && fn != nil {
			fn(question)
		}
	})
}

func (c *Countdown) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
