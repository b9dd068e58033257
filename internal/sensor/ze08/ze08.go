package ze08

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/nugget/sensorgate/internal/sensor"
)

// Port is the subset of a serial port the driver needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

const (
	// pollWindow is the per-read timeout; a read that returns nothing
	// within it means the line is quiet.
	pollWindow = 20 * time.Millisecond
	// maxDrain bounds how long past the deadline a noisy line is drained.
	maxDrain = 100 * time.Millisecond
)

// Sensor is a ZE08-CH2O attached to a serial port. It implements
// [sensor.GasTransducer]. Not safe for concurrent use; the gas facade
// serializes access.
type Sensor struct {
	port Port
	sc   scanner
	rbuf [64]byte
}

var _ sensor.GasTransducer = (*Sensor)(nil)

// OpenPort opens device at baud, 8N1.
func OpenPort(device string, baud int) (Port, error) {
	p, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	return p, nil
}

// New wraps an open port.
func New(port Port) *Sensor {
	return &Sensor{port: port}
}

// SetActive switches the sensor to continuous upload.
func (s *Sensor) SetActive() error {
	return s.write(cmdActive)
}

// SetPassive switches the sensor to Q&A mode.
func (s *Sensor) SetPassive() error {
	return s.write(cmdPassive)
}

// RequestRead asks a passive sensor for a reading.
func (s *Sensor) RequestRead() error {
	return s.write(cmdRead)
}

func (s *Sensor) write(cmd []byte) error {
	if _, err := s.port.Write(cmd); err != nil {
		return fmt.Errorf("ze08 write: %w", err)
	}
	return nil
}

// ReadPPB returns the ppb value of the most recent complete frame,
// waiting up to timeout for one to arrive. Bytes already queued on the
// line are drained first so the newest frame wins.
func (s *Sensor) ReadPPB(timeout time.Duration) (uint16, error) {
	deadline := time.Now().Add(timeout)
	hardStop := deadline.Add(maxDrain)

	var (
		latest Frame
		found  bool
	)
	for {
		if err := s.port.SetReadTimeout(pollWindow); err != nil {
			return 0, fmt.Errorf("ze08 set timeout: %w", err)
		}
		n, err := s.port.Read(s.rbuf[:])
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("ze08 read: %w", err)
		}
		s.sc.feed(s.rbuf[:n])
		for f, ok := s.sc.next(); ok; f, ok = s.sc.next() {
			latest, found = f, true
		}

		if n > 0 && time.Now().Before(hardStop) {
			continue
		}
		if found {
			return latest.PPB, nil
		}
		if !time.Now().Before(deadline) {
			return 0, sensor.ErrNoFrame
		}
	}
}

// Close closes the serial port.
func (s *Sensor) Close() error {
	return s.port.Close()
}
