package grace

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultPeriod = 60 * time.Second

// Controller runs one cancellable away-timer per room code. A timer
// handle is consumed exactly once: either Cancel wins and the expiry
// callback never runs, or the callback wins and a late Cancel is a
// no-op. The expiry callback runs outside the controller lock.
type Controller struct {
	logger zerolog.Logger
	mx     sync.Mutex
	period time.Duration
	timers map[string]*graceTimer
	expire func(roomCode string)
}

type graceTimer struct {
	t *time.Timer
}

func NewController(logger *zerolog.Logger, period time.Duration, onExpire func(roomCode string)) *Controller {
	if period <= 0 {
		period = defaultPeriod
	}
	return &Controller{
		logger: logger.With().Str("component", "grace").Logger(),
		period: period,
		timers: make(map[string]*graceTimer),
		expire: onExpire,
	}
}

// Start arms the away-timer for a room. Idempotent: a second Start
// while a timer is running does nothing and reports false.
func (c *Controller) Start(code string) bool {
	c.mx.Lock()
	defer c.mx.Unlock()

	if _, ok := c.timers[code]; ok {
		return false
	}
	g := &graceTimer{}
	g.t = time.AfterFunc(c.period, func() {
		c.fire(code, g)
	})
	c.timers[code] = g
	c.logger.Debug().Str("roomCode", code).Dur("period", c.period).Msg("grace period started")
	return true
}

// Cancel disarms the room's timer if one is pending. Reports whether
// a timer was actually consumed.
func (c *Controller) Cancel(code string) bool {
	c.mx.Lock()
	defer c.mx.Unlock()

	g, ok := c.timers[code]
	if !ok {
		return false
	}
	delete(c.timers, code)
	g.t.Stop()
	c.logger.Debug().Str("roomCode", code).Msg("grace period cancelled")
	return true
}

func (c *Controller) fire(code string, g *graceTimer) {
	c.mx.Lock()
	// A Cancel (or Cancel+Start) may have slipped in between the timer
	// firing and this callback getting the lock; only the timer still
	// registered under the code may expire the room.
	if c.timers[code] != g {
		c.mx.Unlock()
		return
	}
	delete(c.timers, code)
	c.mx.Unlock()

	c.logger.Debug().Str("roomCode", code).Msg("grace period expired")
	c.expire(code)
}

// Pending reports whether a timer is currently armed for the room.
func (c *Controller) Pending(code string) bool {
	c.mx.Lock()
	defer c.mx.Unlock()

	_, ok := c.timers[code]
	return ok
}
