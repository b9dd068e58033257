// Package sensor provides the facades the gateway reads physical sensors
// through. Each facade owns its transducer exclusively and serializes
// access to it: at most one read is in flight per sensor, whichever
// caller (WebSocket request or telemetry push) asked for it.
package sensor

import (
	"context"
	"math"
	"time"
)

// PPBToMgm3 converts formaldehyde parts-per-billion to mg/m³. The factor
// is derived from the molar mass of CH2O (30.03 g/mol) at 25 °C.
const PPBToMgm3 = 0.00125

// Reading is a single validated measurement. Exactly one of Value (when
// Valid) or Reason (when not) is meaningful.
type Reading struct {
	Value  float64
	Valid  bool
	Reason string
}

// ValidReading wraps a good measurement.
func ValidReading(v float64) Reading {
	return Reading{Value: v, Valid: true}
}

// InvalidReading records why a measurement is missing.
func InvalidReading(reason string) Reading {
	return Reading{Reason: reason}
}

// readingOf converts a raw transducer value, where NaN means the
// transducer produced nothing usable.
func readingOf(v float64) Reading {
	if math.IsNaN(v) {
		return InvalidReading("transducer returned NaN")
	}
	return ValidReading(v)
}

// Float returns the value, or NaN when the reading is invalid. The
// WebSocket protocol reports invalid climate values this way.
func (r Reading) Float() float64 {
	if !r.Valid {
		return math.NaN()
	}
	return r.Value
}

// GasReading is the result of one gas-concentration read. PPB and
// MassConcentration are zero unless Success is true.
type GasReading struct {
	Success           bool
	PPB               uint16
	MassConcentration float64 // mg/m³
}

// NewGasReading builds a successful reading from the raw ppb value.
func NewGasReading(ppb uint16) GasReading {
	return GasReading{
		Success:           true,
		PPB:               ppb,
		MassConcentration: float64(ppb) * PPBToMgm3,
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
