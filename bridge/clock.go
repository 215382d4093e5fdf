package bridge

import (
	"sync"
	"time"
)

// FrameClock supplies the render clock to transports. Now is seconds on the
// render clock, Delta the duration of the last render frame step in seconds.
type FrameClock interface {
	Now() float64
	Delta() float64
}

const defaultFrameDelta = 1.0 / 60.0

// WallClock is a FrameClock driven by wall time. The frame loop calls Tick
// once per frame; Delta reports the measured step of the last tick and
// defaults to one 60 Hz frame before the first measurement.
type WallClock struct {
	mu    sync.Mutex
	epoch time.Time
	last  time.Time
	delta float64
}

// NewWallClock creates a clock whose Now starts at zero
func NewWallClock() *WallClock {
	now := time.Now()
	return &WallClock{
		epoch: now,
		last:  now,
		delta: defaultFrameDelta,
	}
}

// Tick records a frame boundary
func (c *WallClock) Tick() {
	now := time.Now()
	c.mu.Lock()
	if d := now.Sub(c.last).Seconds(); d > 0 {
		c.delta = d
	}
	c.last = now
	c.mu.Unlock()
}

// Now returns seconds elapsed since the clock was created
func (c *WallClock) Now() float64 {
	return time.Since(c.epoch).Seconds()
}

// Delta returns the last measured frame step in seconds
func (c *WallClock) Delta() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delta
}
