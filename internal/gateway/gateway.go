// Package gateway composes the node: sensor facades, connectivity
// supervision, the WebSocket request protocol and telemetry push, all
// driven by one control loop.
//
// Every tick runs the same steps in order:
//  1. drain WebSocket events and discard closed connections
//  2. push telemetry when its interval has elapsed
//  3. check the network link, reconnecting on demand
//  4. check the uptime ceiling
//  5. feed the watchdog
//
// Nothing else touches the sensors or the broker session while a tick
// runs, except HTTP status reads, which only take snapshots.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/sensorgate/internal/config"
	"github.com/nugget/sensorgate/internal/connwatch"
	"github.com/nugget/sensorgate/internal/interval"
	"github.com/nugget/sensorgate/internal/metrics"
	"github.com/nugget/sensorgate/internal/mqtt"
	"github.com/nugget/sensorgate/internal/protocol"
	"github.com/nugget/sensorgate/internal/sensor"
	"github.com/nugget/sensorgate/internal/telemetry"
	"github.com/nugget/sensorgate/internal/watchdog"
	"github.com/nugget/sensorgate/internal/wsserver"
)

// ErrRestartDue is returned by Tick and Run once the uptime ceiling has
// been reached. The caller tears down and restarts the process.
var ErrRestartDue = errors.New("scheduled restart due")

// closeGrace is the pause after closing WebSocket clients so their close
// frames reach the wire before the broker session goes away.
const closeGrace = 100 * time.Millisecond

// Transport is the WebSocket hub as seen by the manager.
type Transport interface {
	Service(ctx context.Context, handler wsserver.EventHandler)
	CanSend(id wsserver.ClientID) bool
	Text(id wsserver.ClientID, payload []byte) error
	Close(id wsserver.ClientID)
	CloseAll()
}

// Session is the broker session: connectable, publishable and closable.
type Session interface {
	connwatch.Broker
	mqtt.Publisher
	Close() error
}

// Climate is the temperature/humidity facade.
type Climate interface {
	Read(ctx context.Context) (temperature, humidity sensor.Reading)
}

// Gas is the formaldehyde facade.
type Gas interface {
	Read(ctx context.Context) sensor.GasReading
}

// Options holds the collaborators the manager is built from. Climate
// and Gas are shared with the rest of the process; the manager never
// closes them.
type Options struct {
	Config   *config.Config
	Climate  Climate
	Gas      Gas
	Hub      Transport
	Network  connwatch.Network
	Session  Session
	Topics   mqtt.Topics
	Watchdog watchdog.Watchdog
	Clock    interval.Clock
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Manager is the single object the control loop drives.
type Manager struct {
	cfg      *config.Config
	hub      Transport
	session  Session
	watchdog watchdog.Watchdog
	clock    interval.Clock
	logger   *slog.Logger

	supervisor *connwatch.Supervisor
	protocol   *protocol.Handler
	pusher     *telemetry.Pusher

	restart interval.Timer
}

// New builds the manager and the components it owns, in dependency
// order: supervisor, then protocol handler, then telemetry pusher. The
// uptime ceiling starts counting now.
func New(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("gateway: config is required")
	}
	if opts.Climate == nil || opts.Gas == nil {
		return nil, fmt.Errorf("gateway: both sensor facades are required")
	}
	if opts.Hub == nil || opts.Network == nil || opts.Session == nil {
		return nil, fmt.Errorf("gateway: hub, network and session are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Watchdog == nil {
		opts.Watchdog = watchdog.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = interval.NewMonotonic()
	}
	cfg := opts.Config

	m := &Manager{
		cfg:      cfg,
		hub:      opts.Hub,
		session:  opts.Session,
		watchdog: opts.Watchdog,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}

	session, topics := opts.Session, opts.Topics
	m.supervisor = connwatch.New(connwatch.Config{
		SSID:          cfg.Network.SSID,
		Passphrase:    cfg.Network.Passphrase,
		SettleDelay:   cfg.Network.SettleDelay(),
		PollInterval:  cfg.Network.PollInterval(),
		LinkTimeout:   cfg.Network.ConnectTimeout(),
		BrokerTimeout: cfg.MQTT.ConnectTimeout(),
	}, opts.Network, session, func(ctx context.Context) error {
		return mqtt.Announce(ctx, session, topics)
	}, opts.Metrics, opts.Logger.With("component", "connwatch"))

	m.protocol = protocol.New(protocol.Options{
		Climate:   opts.Climate,
		Gas:       opts.Gas,
		Transport: opts.Hub,
		MaxFrame:  cfg.WebSocket.MaxFrameBytes,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger.With("component", "protocol"),
	})

	m.pusher = telemetry.New(telemetry.Options{
		Interval:     cfg.Telemetry.PublishInterval(),
		Climate:      opts.Climate,
		Gas:          opts.Gas,
		Connectivity: m.supervisor,
		Publisher:    session,
		Topics:       topics,
		Metrics:      opts.Metrics,
		Logger:       opts.Logger.With("component", "telemetry"),
	})

	m.restart.Arm(m.clock.Now())
	return m, nil
}

// Supervisor exposes connectivity state for health reporting.
func (m *Manager) Supervisor() *connwatch.Supervisor {
	return m.supervisor
}

// Tick runs one pass of the control loop. It returns ErrRestartDue once
// the uptime ceiling is reached; every other failure is handled inside
// the tick.
func (m *Manager) Tick(ctx context.Context) error {
	now := m.clock.Now()

	m.hub.Service(ctx, m)

	attempts := m.supervisor.Attempts()
	m.pusher.Tick(ctx, now)

	if !m.supervisor.NetworkConnected() {
		// The push already spent this tick's association attempt.
		if m.supervisor.Attempts() != attempts || !m.supervisor.EnsureConnected(ctx) {
			cooldown := m.cfg.Network.FailureCooldown()
			m.logger.Warn("network unavailable, cooling down", "cooldown", cooldown.String())
			sleepCtx(ctx, cooldown)
		}
	}

	if m.restart.Elapsed(m.clock.Now(), m.cfg.Gateway.RestartInterval()) {
		m.logger.Info("uptime ceiling reached, restarting",
			"interval", m.cfg.Gateway.RestartInterval().String())
		return ErrRestartDue
	}

	if err := m.watchdog.Reset(); err != nil {
		m.logger.Error("watchdog reset failed", "error", err)
	}
	return nil
}

// Run ticks until ctx is cancelled or a restart is due, pausing the
// configured tick interval between passes. Cancellation returns nil.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("control loop started",
		"tick", m.cfg.Gateway.TickInterval().String(),
		"publish_interval", m.cfg.Telemetry.PublishInterval().String())

	for {
		if err := m.Tick(ctx); err != nil {
			return err
		}
		if !sleepCtx(ctx, m.cfg.Gateway.TickInterval()) {
			m.logger.Info("control loop stopped")
			return nil
		}
	}
}

// Close tears down in reverse order of use: WebSocket clients, then the
// broker session, then the watchdog. The HTTP listener is stopped by
// the caller.
func (m *Manager) Close() error {
	m.hub.CloseAll()
	time.Sleep(closeGrace)

	var errs []error
	if err := m.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broker session: %w", err))
	}
	if err := m.watchdog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close watchdog: %w", err))
	}
	return errors.Join(errs...)
}

// OnConnect implements wsserver.EventHandler.
func (m *Manager) OnConnect(ctx context.Context, id wsserver.ClientID, remote string) {}

// OnDisconnect implements wsserver.EventHandler.
func (m *Manager) OnDisconnect(ctx context.Context, id wsserver.ClientID) {}

// OnFrame implements wsserver.EventHandler.
func (m *Manager) OnFrame(ctx context.Context, id wsserver.ClientID, f wsserver.Frame) {
	m.protocol.HandleFrame(ctx, id, f)
}

// OnError closes a client whose connection reported an error, if it is
// still open.
func (m *Manager) OnError(ctx context.Context, id wsserver.ClientID, err error) {
	if m.hub.CanSend(id) {
		m.logger.Debug("closing websocket client after error", "client_id", id, "error", err)
		m.hub.Close(id)
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
