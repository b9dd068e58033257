// Package watchdog provides the reset primitive the control loop feeds
// once per tick. If the loop stalls past the timeout the process is
// taken down: by the kernel for the hardware device, or by the process
// itself for the software fallback.
package watchdog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watchdog is fed by the control loop.
type Watchdog interface {
	// Reset restarts the countdown.
	Reset() error
	// Close disarms the watchdog on an orderly shutdown.
	Close() error
}

// Device drives a Linux watchdog character device such as
// /dev/watchdog. Any write restarts the countdown; writing the magic
// character 'V' before closing disarms it on drivers that allow it.
type Device struct {
	mu sync.Mutex
	f  io.WriteCloser
}

// OpenDevice opens path. The kernel arms the watchdog on open with the
// timeout configured for the driver.
func OpenDevice(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open watchdog %s: %w", path, err)
	}
	return &Device{f: f}, nil
}

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	if _, err := d.f.Write([]byte{0}); err != nil {
		return fmt.Errorf("feed watchdog: %w", err)
	}
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	_, werr := d.f.Write([]byte("V"))
	cerr := d.f.Close()
	d.f = nil
	if werr != nil {
		return fmt.Errorf("disarm watchdog: %w", werr)
	}
	return cerr
}

// Soft is an in-process watchdog for hosts without a hardware device.
// When it expires it logs and runs the expiry action, which defaults to
// exiting with status 2 so the service manager restarts the process.
type Soft struct {
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	expire func()
}

// NewSoft arms a software watchdog with the given timeout.
func NewSoft(timeout time.Duration, logger *slog.Logger) *Soft {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Soft{
		timeout: timeout,
		logger:  logger,
		expire:  func() { os.Exit(2) },
	}
	s.timer = time.AfterFunc(timeout, s.fire)
	return s
}

func (s *Soft) fire() {
	s.logger.Error("watchdog expired, control loop stalled", "timeout", s.timeout)
	s.mu.Lock()
	expire := s.expire
	s.mu.Unlock()
	expire()
}

func (s *Soft) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Reset(s.timeout)
	}
	return nil
}

func (s *Soft) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return nil
}

// SetExpire replaces the expiry action.
func (s *Soft) SetExpire(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire = fn
}

// Nop does nothing. It is used when the watchdog is disabled.
type Nop struct{}

func (Nop) Reset() error { return nil }
func (Nop) Close() error { return nil }
