package sensor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ClimateTransducer samples a combined temperature/humidity sensor.
// Either value may be NaN when the transducer could not produce it;
// a non-nil error means neither value is usable.
type ClimateTransducer interface {
	Sample(ctx context.Context) (temperature, humidity float64, err error)
}

// ClimateOptions tunes the climate facade's timing.
type ClimateOptions struct {
	// SettleDelay is waited before every sample (default 20ms).
	SettleDelay time.Duration
	// MinSpacing is the transducer's minimum inter-read spacing; reads
	// closer together than this return the previous sample (DHT22: 2s).
	MinSpacing time.Duration
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// Climate is the temperature/humidity facade.
type Climate struct {
	mu         sync.Mutex
	transducer ClimateTransducer
	opts       ClimateOptions
	logger     *slog.Logger

	lastSample time.Time
	lastTemp   float64
	lastHum    float64
}

// NewClimate wraps t. The facade becomes the only user of t.
func NewClimate(t ClimateTransducer, opts ClimateOptions, logger *slog.Logger) *Climate {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Climate{
		transducer: t,
		opts:       opts,
		logger:     logger,
		lastTemp:   math.NaN(),
		lastHum:    math.NaN(),
	}
}

// Read returns temperature (°C) and relative humidity (%) as independent
// readings; one may be valid while the other is not.
func (c *Climate) Read(ctx context.Context) (temperature, humidity Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !sleepCtx(ctx, c.opts.SettleDelay) {
		reason := "read cancelled"
		return InvalidReading(reason), InvalidReading(reason)
	}

	now := c.opts.Now()
	if !c.lastSample.IsZero() && now.Sub(c.lastSample) < c.opts.MinSpacing {
		return readingOf(c.lastTemp), readingOf(c.lastHum)
	}

	t, h, err := c.transducer.Sample(ctx)
	c.lastSample = now
	if err != nil {
		c.logger.Debug("climate sample failed", "error", err)
		t, h = math.NaN(), math.NaN()
	}
	c.lastTemp, c.lastHum = t, h

	return readingOf(t), readingOf(h)
}
