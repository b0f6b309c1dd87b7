// Package playout implements the adaptive playout clock that keeps a
// client's simulation stepping smooth over a jittery, lossy link.
//
// The host streams authoritative time advances over the reliable channel.
// The clock projects that stream forward between arrivals, tracks how far
// behind the projection late advances land (the jitter signal), and turns
// the result into a consume-rate multiplier: the local simulation runs
// slightly fast or slow so it stays a safety margin ahead of observed
// jitter instead of tracking the host exactly, which would stutter under
// loss.
package playout

import (
	"time"

	"github.com/pion/logging"
)

// Defaults for Config fields left at zero.
const (
	DefaultBuckets          = 5
	DefaultSamplesPerBucket = 10
	DefaultSmoothing        = 0.7
	DefaultSafetyMargin     = 2.0
	DefaultAggressiveness   = 0.004
	DefaultMinRate          = 0.5
	DefaultMaxRate          = 10.0

	// leadingStaleAfter force-refreshes the leading sample so the
	// projection base can never go permanently stale.
	leadingStaleAfter = 250 * time.Millisecond
)

// Config configures a Clock. The zero value works.
type Config struct {
	// Buckets is the size of the max-delay sample ring.
	Buckets int

	// SamplesPerBucket is how many received time advances each bucket
	// covers before the ring rotates.
	SamplesPerBucket int

	// Smoothing is the exponential smoothing factor applied to the
	// observed max delay on each bucket rotation.
	Smoothing float64

	// SafetyMargin scales the smoothed max delay into the buffering
	// target the local clock trails the projection by.
	SafetyMargin float64

	// Aggressiveness converts milliseconds of offset from the buffering
	// target into consume-rate deviation from 1.0.
	Aggressiveness float64

	// MinRate and MaxRate clamp the consume-rate multiplier.
	MinRate float64
	MaxRate float64

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Clock overrides the time source. Used by tests.
	Clock func() time.Time
}

// Clock is the adaptive playout clock. It is exclusively owned by the
// logic goroutine and holds no locks.
type Clock struct {
	cfg Config
	log logging.LeveledLogger
	now func() time.Time

	// received accumulates authoritative time advances from the host.
	received time.Duration

	// leadingBase / leadingWall anchor the projection: the largest
	// received value and the wall-clock moment it arrived.
	leadingBase time.Duration
	leadingWall time.Time

	// local is the simulation time the caller has consumed so far.
	local time.Duration

	buckets   []time.Duration
	bucketIdx int
	samples   int

	maxDelay float64 // smoothed, in nanoseconds
	rate     float64
}

// New creates a playout clock.
func New(cfg Config) *Clock {
	if cfg.Buckets <= 0 {
		cfg.Buckets = DefaultBuckets
	}
	if cfg.SamplesPerBucket <= 0 {
		cfg.SamplesPerBucket = DefaultSamplesPerBucket
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing >= 1 {
		cfg.Smoothing = DefaultSmoothing
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.Aggressiveness <= 0 {
		cfg.Aggressiveness = DefaultAggressiveness
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = DefaultMinRate
	}
	if cfg.MaxRate <= cfg.MinRate {
		cfg.MaxRate = DefaultMaxRate
	}
	c := &Clock{
		cfg:     cfg,
		now:     cfg.Clock,
		buckets: make([]time.Duration, cfg.Buckets),
		rate:    1.0,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.LoggerFactory != nil {
		c.log = cfg.LoggerFactory.NewLogger("playout")
	}
	return c
}

// Projected returns the authoritative time projected to now: the leading
// sample plus the wall-clock elapsed since it arrived.
func (c *Clock) Projected() time.Duration {
	if c.leadingWall.IsZero() {
		return 0
	}
	return c.leadingBase + c.now().Sub(c.leadingWall)
}

// OnTimeAdvance feeds one authoritative time advance received from the
// host. Advances at or ahead of the projection (or arriving after the
// leading sample went stale) move the projection base; advances behind it
// raise the current bucket's max-delay watermark.
func (c *Clock) OnTimeAdvance(step time.Duration) {
	now := c.now()
	c.received += step
	c.samples++

	proj := time.Duration(0)
	stale := true
	if !c.leadingWall.IsZero() {
		proj = c.leadingBase + now.Sub(c.leadingWall)
		stale = now.Sub(c.leadingWall) > leadingStaleAfter
	}

	if c.received >= proj || stale {
		c.leadingBase = c.received
		c.leadingWall = now
		return
	}

	if deficit := proj - c.received; deficit > c.buckets[c.bucketIdx] {
		c.buckets[c.bucketIdx] = deficit
	}
}

// Advance records locally consumed simulation time.
func (c *Clock) Advance(step time.Duration) {
	c.local += step
}

// Step scales a base tick by the current consume rate, records it as
// consumed, and returns it. Convenience wrapper for the common loop shape.
func (c *Clock) Step(base time.Duration) time.Duration {
	scaled := time.Duration(float64(base) * c.rate)
	c.local += scaled
	return scaled
}

// Update recomputes buffering state; run it once per logic tick. Every
// SamplesPerBucket received advances, the sample ring rotates and the
// smoothed max delay absorbs the observed window. The consume rate then
// pulls local time toward "safety margin ahead of known jitter".
func (c *Clock) Update() {
	if c.samples >= c.cfg.SamplesPerBucket {
		c.samples = 0

		var windowMax time.Duration
		for _, d := range c.buckets {
			if d > windowMax {
				windowMax = d
			}
		}
		c.maxDelay = c.cfg.Smoothing*c.maxDelay +
			(1-c.cfg.Smoothing)*float64(windowMax)

		c.bucketIdx = (c.bucketIdx + 1) % len(c.buckets)
		c.buckets[c.bucketIdx] = 0

		if c.log != nil {
			c.log.Tracef("bucket rotate: window max %v, smoothed %v",
				windowMax, time.Duration(c.maxDelay))
		}
	}

	offset := c.Projected() - c.local -
		time.Duration(c.cfg.SafetyMargin*c.maxDelay)
	offsetMs := float64(offset) / float64(time.Millisecond)

	rate := 1.0 + offsetMs*c.cfg.Aggressiveness
	if rate < c.cfg.MinRate {
		rate = c.cfg.MinRate
	}
	if rate > c.cfg.MaxRate {
		rate = c.cfg.MaxRate
	}
	c.rate = rate
}

// ConsumeRate returns the current simulation-speed multiplier.
func (c *Clock) ConsumeRate() float64 { return c.rate }

// MaxDelay returns the smoothed maximum observed delay.
func (c *Clock) MaxDelay() time.Duration { return time.Duration(c.maxDelay) }

// Received returns the total authoritative time received.
func (c *Clock) Received() time.Duration { return c.received }

// Local returns the total simulation time consumed locally.
func (c *Clock) Local() time.Duration { return c.local }
