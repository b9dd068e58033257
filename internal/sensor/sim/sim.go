// Package sim provides simulated transducers for running the gateway on
// hardware without sensors attached.
package sim

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nugget/sensorgate/internal/sensor"
)

// Climate produces plausible indoor readings: 18-28 °C and 30-70 %RH.
type Climate struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var _ sensor.ClimateTransducer = (*Climate)(nil)

// NewClimate returns a simulated climate sensor. A zero seed draws from
// the runtime source.
func NewClimate(seed uint64) *Climate {
	return &Climate{rng: newRand(seed)}
}

// Sample returns one simulated reading.
func (c *Climate) Sample(ctx context.Context) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return 18 + c.rng.Float64()*10, 30 + c.rng.Float64()*40, nil
}

// Gas simulates a formaldehyde sensor. Readings stay under MaxPPB.
type Gas struct {
	mu      sync.Mutex
	rng     *rand.Rand
	active  bool
	pending bool
	closed  bool
}

// MaxPPB bounds simulated gas readings.
const MaxPPB = 300

var _ sensor.GasTransducer = (*Gas)(nil)

// NewGas returns a simulated gas sensor.
func NewGas(seed uint64) *Gas {
	return &Gas{rng: newRand(seed), active: true}
}

func (g *Gas) SetActive() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = true
	return nil
}

func (g *Gas) SetPassive() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = false
	g.pending = false
	return nil
}

func (g *Gas) RequestRead() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = true
	return nil
}

// ReadPPB returns a fresh value in active mode, or answers an
// outstanding request in passive mode. A passive read with no request
// waits out the timeout and reports no frame, like the real sensor.
func (g *Gas) ReadPPB(timeout time.Duration) (uint16, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, sensor.ErrNoFrame
	}
	if !g.active && !g.pending {
		time.Sleep(timeout)
		return 0, sensor.ErrNoFrame
	}
	g.pending = false
	return uint16(g.rng.IntN(MaxPPB)), nil
}

func (g *Gas) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed>>1|1))
}
