// Package connwatch supervises the gateway's two connectivity layers: the
// network link and the message-broker session on top of it.
//
// Both are tracked as independent Disconnected/Connecting/Connected
// machines. Callers drive them synchronously from the control loop:
//  1. EnsureConnected re-associates the network link, waiting a bounded
//     time for link-up.
//  2. EnsureSession opens the broker session, failing fast when the
//     network is down. A refused handshake is recorded and left for the
//     next scheduled attempt; there is no internal retry loop.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/sensorgate/internal/metrics"
)

// State is a connectivity state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Network is the association primitive for the uplink.
type Network interface {
	Begin(ctx context.Context, ssid, passphrase string) error
	Disconnect(ctx context.Context) error
	Connected() bool
}

// Broker is the publish/subscribe session.
type Broker interface {
	Connect(ctx context.Context) error
	Connected() bool
}

// AnnounceFunc publishes presence metadata once per established session.
type AnnounceFunc func(ctx context.Context) error

// reasonCoder is implemented by broker errors that carry the broker's
// reported failure code.
type reasonCoder interface {
	Code() int
}

// Config controls connection timing.
type Config struct {
	SSID       string
	Passphrase string

	// SettleDelay is the pause between tearing down a stale association
	// and requesting a new one.
	SettleDelay time.Duration

	// PollInterval is how often link status is checked while associating.
	PollInterval time.Duration

	// LinkTimeout bounds the wait for link-up.
	LinkTimeout time.Duration

	// BrokerTimeout bounds one broker handshake.
	BrokerTimeout time.Duration
}

// ServiceStatus is the health status of one link, suitable for JSON
// serialization in health endpoints.
type ServiceStatus struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Ready      bool      `json:"ready"`
	LastCheck  time.Time `json:"last_check"`
	LastError  string    `json:"last_error,omitempty"`
	ReasonCode *int      `json:"reason_code,omitempty"`
}

// Supervisor owns the network and broker state machines. Its methods
// may be called from the control loop and read from HTTP handlers
// concurrently; the Ensure operations themselves are not reentrant.
type Supervisor struct {
	cfg      Config
	network  Network
	broker   Broker
	announce AnnounceFunc
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu           sync.Mutex
	netState     State
	brokerState  State
	netErr       error
	brokerErr    error
	brokerCode   *int
	netChecked   time.Time
	brokerChkd   time.Time
	sessionCount int
	attempts     int
}

// New creates a Supervisor. announce and m may be nil.
func New(cfg Config, network Network, broker Broker, announce AnnounceFunc, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = 30 * time.Second
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = 10 * time.Second
	}
	s := &Supervisor{
		cfg:      cfg,
		network:  network,
		broker:   broker,
		announce: announce,
		metrics:  m,
		logger:   logger,
	}
	m.State("network", int(Disconnected))
	m.State("broker", int(Disconnected))
	return s
}

// NetworkConnected reports live link status and updates the network
// state to match.
func (s *Supervisor) NetworkConnected() bool {
	up := s.network.Connected()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.netChecked = time.Now()
	if up {
		s.setNetState(Connected)
	} else if s.netState == Connected {
		s.logger.Warn("network link lost")
		s.setNetState(Disconnected)
	}
	if !up {
		s.dropBrokerLocked()
	}
	return up
}

// EnsureConnected makes sure the network link is up. It is a no-op when
// already connected; otherwise it tears down any stale association,
// requests a new one and polls until the link comes up. The whole
// attempt, including the teardown and association commands, is bounded
// by SettleDelay plus LinkTimeout. It never returns an error; failure is
// reported as false.
func (s *Supervisor) EnsureConnected(ctx context.Context) bool {
	if s.NetworkConnected() {
		return true
	}

	s.mu.Lock()
	s.attempts++
	s.setNetState(Connecting)
	s.mu.Unlock()

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, s.cfg.SettleDelay+s.cfg.LinkTimeout)
	defer cancel()
	deadline, _ := actx.Deadline()

	s.logger.Info("network disconnected, attempting to reconnect", "ssid", s.cfg.SSID)
	if err := s.network.Disconnect(actx); err != nil {
		s.logger.Debug("stale association teardown failed", "error", err)
	}
	if !sleepCtx(actx, s.cfg.SettleDelay) {
		return s.linkFailed(attemptErr(ctx))
	}
	if err := s.network.Begin(actx, s.cfg.SSID, s.cfg.Passphrase); err != nil {
		if actx.Err() != nil {
			err = attemptErr(ctx)
		}
		return s.linkFailed(err)
	}

	for {
		if s.network.Connected() {
			s.mu.Lock()
			s.netErr = nil
			s.netChecked = time.Now()
			s.setNetState(Connected)
			s.mu.Unlock()
			s.logger.Info("network reconnected",
				"elapsed", time.Since(start).Round(time.Millisecond).String())
			return true
		}
		if !time.Now().Before(deadline) {
			return s.linkFailed(errLinkTimeout)
		}
		wait := min(s.cfg.PollInterval, time.Until(deadline))
		if !sleepCtx(actx, wait) && ctx.Err() != nil {
			return s.linkFailed(ctx.Err())
		}
	}
}

// attemptErr reports why an association attempt's context ended: the
// caller's cancellation, or otherwise the attempt deadline.
func attemptErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errLinkTimeout
}

var errLinkTimeout = errors.New("link did not come up in time")

func (s *Supervisor) linkFailed(err error) bool {
	s.mu.Lock()
	s.netErr = err
	s.netChecked = time.Now()
	s.setNetState(Disconnected)
	s.mu.Unlock()
	s.logger.Warn("network reconnect failed", "ssid", s.cfg.SSID, "error", err)
	return false
}

// EnsureSession makes sure the broker session is open. It fails fast,
// without a handshake, when the network link is down. After a
// successful handshake the announce hook runs once.
func (s *Supervisor) EnsureSession(ctx context.Context) bool {
	if !s.NetworkConnected() {
		s.logger.Debug("cannot open broker session, network not connected")
		return false
	}
	if s.broker.Connected() {
		s.mu.Lock()
		s.setBrokerState(Connected)
		s.mu.Unlock()
		return true
	}

	s.mu.Lock()
	s.setBrokerState(Connecting)
	s.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	err := s.broker.Connect(hctx)
	cancel()

	if err != nil {
		code := -1
		var rc reasonCoder
		if errors.As(err, &rc) {
			code = rc.Code()
		}
		s.mu.Lock()
		s.brokerErr = err
		s.brokerCode = &code
		s.brokerChkd = time.Now()
		s.setBrokerState(Disconnected)
		s.mu.Unlock()
		s.metrics.BrokerFailure(code)
		s.logger.Warn("broker connection failed", "reason_code", code, "error", err)
		return false
	}

	s.mu.Lock()
	s.brokerErr = nil
	s.brokerCode = nil
	s.brokerChkd = time.Now()
	s.sessionCount++
	s.setBrokerState(Connected)
	s.mu.Unlock()
	s.logger.Info("broker session established")

	if s.announce != nil {
		if err := s.announce(ctx); err != nil {
			s.logger.Warn("presence announcement failed", "error", err)
		}
	}
	return true
}

// NetworkState returns the last known network state.
func (s *Supervisor) NetworkState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.netState
}

// BrokerState returns the last known broker state.
func (s *Supervisor) BrokerState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brokerState
}

// LastBrokerError returns the reason code and error of the most recent
// handshake failure, or 0 and nil after a successful handshake. Code -1
// means the failure carried no broker code.
func (s *Supervisor) LastBrokerError() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.brokerCode == nil {
		return 0, s.brokerErr
	}
	return *s.brokerCode, s.brokerErr
}

// Attempts returns how many network association attempts have been
// made.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Sessions returns how many broker sessions have been established.
func (s *Supervisor) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionCount
}

// Status returns the health of both links.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	network := ServiceStatus{
		Name:      "network",
		State:     s.netState.String(),
		Ready:     s.netState == Connected,
		LastCheck: s.netChecked,
	}
	if s.netErr != nil {
		network.LastError = s.netErr.Error()
	}
	broker := ServiceStatus{
		Name:      "broker",
		State:     s.brokerState.String(),
		Ready:     s.brokerState == Connected,
		LastCheck: s.brokerChkd,
	}
	if s.brokerErr != nil {
		broker.LastError = s.brokerErr.Error()
		code := *s.brokerCode
		broker.ReasonCode = &code
	}
	return []ServiceStatus{network, broker}
}

// dropBrokerLocked marks the broker session down after link loss.
func (s *Supervisor) dropBrokerLocked() {
	if s.brokerState != Disconnected {
		s.setBrokerState(Disconnected)
	}
}

func (s *Supervisor) setNetState(st State) {
	if s.netState == st {
		return
	}
	s.netState = st
	s.metrics.State("network", int(st))
}

func (s *Supervisor) setBrokerState(st State) {
	if s.brokerState == st {
		return
	}
	s.brokerState = st
	s.metrics.State("broker", int(st))
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
