// Package iio reads a DHT22 temperature/humidity sensor through the Linux
// Industrial I/O subsystem. The dht11 kernel driver (which also handles
// DHT22 parts) exposes the sensor under /sys/bus/iio/devices with values
// in milli-units.
package iio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nugget/sensorgate/internal/sensor"
)

const (
	tempFile     = "in_temp_input"
	humidityFile = "in_humidityrelative_input"
)

// ErrNoDevice is returned when no dht11-compatible IIO device exists.
var ErrNoDevice = errors.New("no dht11 iio device found")

// DHT22 is a climate transducer backed by an IIO device directory.
type DHT22 struct {
	dir string
}

var _ sensor.ClimateTransducer = (*DHT22)(nil)

// Open locates the IIO device for the sensor wired to pin under root
// (normally /sys/bus/iio/devices). A device named "dht11@<pin>" is
// preferred; otherwise the first device whose name starts with "dht11"
// is used.
func Open(root string, pin int) (*DHT22, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	want := fmt.Sprintf("dht11@%x", pin)
	var fallback string
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		raw, err := os.ReadFile(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		name := strings.TrimSpace(string(raw))
		if name == want {
			return &DHT22{dir: dir}, nil
		}
		if fallback == "" && strings.HasPrefix(name, "dht11") {
			fallback = dir
		}
	}
	if fallback == "" {
		return nil, fmt.Errorf("%w under %s", ErrNoDevice, root)
	}
	return &DHT22{dir: fallback}, nil
}

// Dir returns the device directory in use.
func (d *DHT22) Dir() string { return d.dir }

// Sample reads both channels. A channel that fails to read comes back
// as NaN; the error is non-nil only when both fail.
func (d *DHT22) Sample(ctx context.Context) (temperature, humidity float64, err error) {
	if err := ctx.Err(); err != nil {
		return math.NaN(), math.NaN(), err
	}
	temperature, terr := readMilli(filepath.Join(d.dir, tempFile))
	humidity, herr := readMilli(filepath.Join(d.dir, humidityFile))
	if terr != nil && herr != nil {
		return temperature, humidity, errors.Join(terr, herr)
	}
	return temperature, humidity, nil
}

// readMilli reads an integer milli-unit value, returning NaN on failure.
// The kernel driver returns EIO when the sensor misses its timing window.
func readMilli(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return math.NaN(), err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return math.NaN(), fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return float64(v) / 1000, nil
}
