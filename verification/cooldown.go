package verification

import (
	"fmt"
	"sync"
	"time"

	"github.com/mimora/authflow/internal/clock"
)

// CooldownState is the resend timer state.
type CooldownState int

const (
	// CooldownIdle means no challenge has been sent in the current session.
	CooldownIdle CooldownState = iota
	// CooldownCounting means the timer is ticking down; resend is disabled.
	CooldownCounting
	// CooldownExpired means the interval elapsed; resend is permitted.
	CooldownExpired
)

func (s CooldownState) String() string {
	switch s {
	case CooldownCounting:
		return "counting"
	case CooldownExpired:
		return "expired"
	default:
		return "idle"
	}
}

// DefaultCooldownUnits is the number of ticks before resend is allowed.
const DefaultCooldownUnits = 30

// Cooldown is the resend guard: Idle -> Counting -> Expired -> Counting on
// the next send. Exactly one tick is scheduled at a time and it is owned by
// the Cooldown; Stop cancels it.
type Cooldown struct {
	mu        sync.Mutex
	clock     clock.Clock
	units     int
	unit      time.Duration
	state     CooldownState
	remaining int
	gen       uint64
	timer     clock.Timer
	onChange  func(CooldownState, int)
}

// NewCooldown builds a Cooldown of units ticks of length unit.
func NewCooldown(c clock.Clock, units int, unit time.Duration) *Cooldown {
	if c == nil {
		c = clock.Real()
	}
	if units <= 0 {
		units = DefaultCooldownUnits
	}
	if unit <= 0 {
		unit = time.Second
	}
	return &Cooldown{clock: c, units: units, unit: unit}
}

// OnChange registers a callback invoked after every state change and tick.
// It runs outside the Cooldown lock, on the timer's goroutine for ticks.
func (c *Cooldown) OnChange(f func(state CooldownState, remaining int)) {
	c.mu.Lock()
	c.onChange = f
	c.mu.Unlock()
}

// Start (re)enters Counting with the full interval, cancelling any tick
// left over from a previous run.
func (c *Cooldown) Start() {
	c.mu.Lock()
	c.stopLocked()
	c.gen++
	c.state = CooldownCounting
	c.remaining = c.units
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.unit, func() { c.tick(gen) })
	notify, state, remaining := c.onChange, c.state, c.remaining
	c.mu.Unlock()

	if notify != nil {
		notify(state, remaining)
	}
}

// Stop cancels the pending tick and returns to Idle.
func (c *Cooldown) Stop() {
	c.mu.Lock()
	c.stopLocked()
	c.gen++
	c.state = CooldownIdle
	c.remaining = 0
	notify := c.onChange
	c.mu.Unlock()

	if notify != nil {
		notify(CooldownIdle, 0)
	}
}

func (c *Cooldown) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Cooldown) tick(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != CooldownCounting {
		c.mu.Unlock()
		return
	}
	c.remaining--
	if c.remaining <= 0 {
		c.remaining = 0
		c.state = CooldownExpired
		c.timer = nil
	} else {
		c.timer = c.clock.AfterFunc(c.unit, func() { c.tick(gen) })
	}
	notify, state, remaining := c.onChange, c.state, c.remaining
	c.mu.Unlock()

	if notify != nil {
		notify(state, remaining)
	}
}

func (c *Cooldown) State() CooldownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remaining returns the ticks left before resend is permitted.
func (c *Cooldown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// CanResend reports whether the interval has elapsed.
func (c *Cooldown) CanResend() bool {
	return c.State() == CooldownExpired
}

// Display formats the remaining time as MM:SS, assuming one-second ticks.
func (c *Cooldown) Display() string {
	return FormatRemaining(c.Remaining())
}

// FormatRemaining renders seconds as zero-padded MM:SS.
func FormatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
