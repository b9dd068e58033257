// Package telemetry pushes sensor readings to the broker on a fixed
// interval. A push that cannot reach the broker is abandoned; the next
// one happens a full interval later, with no backlog.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/nugget/sensorgate/internal/interval"
	"github.com/nugget/sensorgate/internal/metrics"
	"github.com/nugget/sensorgate/internal/mqtt"
	"github.com/nugget/sensorgate/internal/sensor"
)

// DefaultInterval is the publish period.
const DefaultInterval = 7 * time.Second

// Connectivity brings the network and the broker session up on demand.
type Connectivity interface {
	EnsureConnected(ctx context.Context) bool
	EnsureSession(ctx context.Context) bool
}

// ClimateReader is the temperature/humidity facade.
type ClimateReader interface {
	Read(ctx context.Context) (temperature, humidity sensor.Reading)
}

// GasReader is the gas-concentration facade.
type GasReader interface {
	Read(ctx context.Context) sensor.GasReading
}

// Options configures a Pusher.
type Options struct {
	Interval     time.Duration
	Climate      ClimateReader
	Gas          GasReader
	Connectivity Connectivity
	Publisher    mqtt.Publisher
	Topics       mqtt.Topics
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Pusher publishes one round of readings per elapsed interval.
type Pusher struct {
	opts  Options
	timer interval.Timer
}

// New creates a Pusher. Its timer arms on the first Tick, so the first
// push happens one interval after start.
func New(opts Options) *Pusher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pusher{opts: opts}
}

// Tick runs a push if the interval has elapsed at now. It reports
// whether readings were published.
func (p *Pusher) Tick(ctx context.Context, now interval.Millis) bool {
	if !p.timer.Elapsed(now, p.opts.Interval) {
		return false
	}
	return p.Push(ctx)
}

// Push publishes the current readings immediately. Invalid readings are
// skipped.
func (p *Pusher) Push(ctx context.Context) bool {
	log := p.opts.Logger
	if !p.opts.Connectivity.EnsureConnected(ctx) {
		log.Info("telemetry push skipped, network not connected")
		return false
	}
	if !p.opts.Connectivity.EnsureSession(ctx) {
		log.Info("telemetry push skipped, broker session unavailable")
		return false
	}

	temp, hum := p.opts.Climate.Read(ctx)
	p.opts.Metrics.SensorRead("temperature", temp.Valid)
	p.opts.Metrics.SensorRead("humidity", hum.Valid)
	if temp.Valid {
		p.publish(ctx, mqtt.Temperature, FormatFixed(temp.Value, 2))
	}
	if hum.Valid {
		p.publish(ctx, mqtt.Humidity, FormatFixed(hum.Value, 2))
	}

	gas := p.opts.Gas.Read(ctx)
	p.opts.Metrics.SensorRead("ch2o", gas.Success)
	if gas.Success {
		p.publish(ctx, mqtt.Formaldehyde, FormatFixed(gas.MassConcentration, 5))
	}

	p.opts.Metrics.Push()
	log.Debug("telemetry pushed",
		"temperature_valid", temp.Valid,
		"humidity_valid", hum.Valid,
		"ch2o_valid", gas.Success)
	return true
}

func (p *Pusher) publish(ctx context.Context, m mqtt.Metric, value string) {
	topic := p.opts.Topics.State(m)
	if err := p.opts.Publisher.Publish(ctx, topic, []byte(value), false); err != nil {
		p.opts.Logger.Warn("telemetry publish failed", "topic", topic, "error", err)
	}
}

// FormatFixed renders v with exactly digits fraction digits.
func FormatFixed(v float64, digits int) string {
	return strconv.FormatFloat(v, 'f', digits, 64)
}
