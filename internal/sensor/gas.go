package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoFrame is returned by a [GasTransducer] when no complete frame
// arrived within the allowed time.
var ErrNoFrame = errors.New("no frame available")

// GasTransducer is a gas-concentration sensor that either pushes
// readings on its own (active) or answers explicit requests (passive).
type GasTransducer interface {
	// SetActive switches the sensor to continuous upload.
	SetActive() error
	// SetPassive switches the sensor to question-and-answer mode.
	SetPassive() error
	// RequestRead asks a passive sensor for one reading.
	RequestRead() error
	// ReadPPB consumes the most recent complete frame, waiting up to
	// timeout for one. A zero timeout only looks at what is already
	// buffered. Returns ErrNoFrame when nothing arrived.
	ReadPPB(timeout time.Duration) (uint16, error)
	// Close releases the underlying port.
	Close() error
}

// Gas is the gas-concentration facade.
type Gas struct {
	mu         sync.Mutex
	transducer GasTransducer
	active     bool
	reply      time.Duration
	logger     *slog.Logger
}

// NewGas wraps t and puts the sensor into the requested mode.
func NewGas(t GasTransducer, active bool, logger *slog.Logger) (*Gas, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gas{transducer: t, logger: logger}
	var err error
	if active {
		err = g.ActiveMode()
	} else {
		err = g.PassiveMode()
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ActiveMode makes the sensor push readings continuously. The mode is
// sticky until changed.
func (g *Gas) ActiveMode() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.transducer.SetActive(); err != nil {
		return fmt.Errorf("set gas sensor active: %w", err)
	}
	g.active = true
	return nil
}

// PassiveMode makes the sensor answer only explicit requests.
func (g *Gas) PassiveMode() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.transducer.SetPassive(); err != nil {
		return fmt.Errorf("set gas sensor passive: %w", err)
	}
	g.active = false
	return nil
}

// Active reports the current mode.
func (g *Gas) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// SetReplyTimeout sets how long Read waits for the answer to its request
// in passive mode. Active-mode reads never wait.
func (g *Gas) SetReplyTimeout(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reply = d
}

// Read consumes the most recent available frame. In active mode it does
// not wait; in passive mode it waits up to the reply timeout.
func (g *Gas) Read(ctx context.Context) GasReading {
	return g.read(ctx, -1)
}

// ReadUntil waits up to timeout for a frame.
func (g *Gas) ReadUntil(ctx context.Context, timeout time.Duration) GasReading {
	return g.read(ctx, timeout)
}

func (g *Gas) read(ctx context.Context, timeout time.Duration) GasReading {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ctx.Err() != nil {
		return GasReading{}
	}
	if timeout < 0 {
		timeout = 0
		if !g.active {
			timeout = g.reply
		}
	}

	if !g.active {
		if err := g.transducer.RequestRead(); err != nil {
			g.logger.Debug("gas read request failed", "error", err)
			return GasReading{}
		}
	}

	ppb, err := g.transducer.ReadPPB(timeout)
	if err != nil {
		if !errors.Is(err, ErrNoFrame) {
			g.logger.Debug("gas read failed", "error", err)
		}
		return GasReading{}
	}
	return NewGasReading(ppb)
}

// Close releases the sensor.
func (g *Gas) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transducer.Close()
}
