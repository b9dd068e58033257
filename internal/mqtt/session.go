package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/sensorgate/internal/config"
	"github.com/nugget/sensorgate/internal/metrics"
)

// ErrNotConnected is returned when publishing without an open session.
var ErrNotConnected = errors.New("mqtt session not connected")

// client is the part of *paho.Client the session uses.
type client interface {
	Connect(ctx context.Context, cp *paho.Connect) (*paho.Connack, error)
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(d *paho.Disconnect) error
}

// Dialer opens the transport connection to the broker.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

func dialTCP(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// Session is one broker session. It is safe for concurrent use.
type Session struct {
	cfg      config.MQTTConfig
	clientID string
	metrics  *metrics.Metrics
	logger   *slog.Logger

	dial      Dialer
	newClient func(paho.ClientConfig) client

	// mu serializes Connect, Close and swaps of cli. The paho callbacks
	// only touch the atomics so they can fire during a handshake.
	mu        sync.Mutex
	cli       client
	gen       atomic.Uint64
	connected atomic.Bool
}

// NewSession creates a disconnected session.
func NewSession(cfg config.MQTTConfig, clientID string, m *metrics.Metrics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:       cfg,
		clientID:  clientID,
		metrics:   m,
		logger:    logger,
		dial:      dialTCP,
		newClient: func(cc paho.ClientConfig) client { return paho.NewClient(cc) },
	}
}

// Connect dials the broker and performs the CONNECT handshake. A
// failure is returned as a *ConnectError carrying the reason code.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected.Load() {
		return nil
	}
	s.closeLocked()

	address := s.cfg.Address()
	s.logger.Debug("connecting to mqtt broker",
		"broker", address, "client_id", s.clientID, "username", s.cfg.Username)

	conn, err := s.dial(ctx, address)
	if err != nil {
		return &ConnectError{ReasonCode: failureCode(ctx, ReasonDialFailed), Err: err}
	}

	gen := s.gen.Add(1)
	cli := s.newClient(paho.ClientConfig{
		ClientID: s.clientID,
		Conn:     conn,
		OnServerDisconnect: func(d *paho.Disconnect) {
			s.logger.Warn("mqtt broker closed the session", "reason_code", d.ReasonCode)
			s.lost(gen)
		},
		OnClientError: func(err error) {
			s.logger.Warn("mqtt session error", "error", err)
			s.lost(gen)
		},
	})

	cp := &paho.Connect{
		KeepAlive:  uint16(s.cfg.KeepAliveSec),
		ClientID:   s.clientID,
		CleanStart: true,
	}
	if s.cfg.Username != "" {
		cp.Username = s.cfg.Username
		cp.UsernameFlag = true
	}
	if s.cfg.Password != "" {
		cp.Password = []byte(s.cfg.Password)
		cp.PasswordFlag = true
	}

	ca, err := cli.Connect(ctx, cp)
	if err != nil || (ca != nil && ca.ReasonCode >= 0x80) {
		code := failureCode(ctx, ReasonDialFailed)
		if ca != nil {
			code = int(ca.ReasonCode)
		}
		conn.Close()
		return &ConnectError{ReasonCode: code, Err: err}
	}

	s.cli = cli
	s.connected.Store(true)
	s.logger.Info("mqtt connected to broker", "broker", address)
	return nil
}

// failureCode maps a transport failure to the timeout code when the
// handshake deadline is what ended it.
func failureCode(ctx context.Context, fallback int) int {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return fallback
}

// lost marks the session down if gen is still the current client.
func (s *Session) lost(gen uint64) {
	if s.gen.Load() == gen {
		s.connected.Store(false)
	}
}

// Connected reports whether the session is open.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Publish sends payload to topic at QoS 0.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	s.mu.Lock()
	cli, gen := s.cli, s.gen.Load()
	s.mu.Unlock()

	if cli == nil || !s.connected.Load() {
		s.metrics.Publish(topic, ErrNotConnected)
		return ErrNotConnected
	}

	_, err := cli.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  retain,
	})
	s.metrics.Publish(topic, err)
	if err != nil {
		s.lost(gen)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	s.logger.Debug("mqtt published", "topic", topic, "bytes", len(payload), "retain", retain)
	return nil
}

// Close sends DISCONNECT and drops the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cli == nil {
		return nil
	}
	err := s.closeLocked()
	s.logger.Info("mqtt session closed")
	return err
}

func (s *Session) closeLocked() error {
	if s.cli == nil {
		return nil
	}
	var err error
	if s.connected.Load() {
		err = s.cli.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}
	s.cli = nil
	s.gen.Add(1)
	s.connected.Store(false)
	return err
}
