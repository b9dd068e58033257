// Sensorgate is a sensor node gateway for a Linux single-board computer.
//
// It answers climate and formaldehyde requests over a WebSocket JSON
// protocol, pushes the same readings to an MQTT broker for Home
// Assistant on a fixed interval, and keeps its network link and broker
// session alive on its own. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	sensorgate serve              Run the gateway
//	sensorgate init [dir]         Write a default config.yaml
//	sensorgate version            Print version and build information
//	sensorgate -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/sensorgate/internal/api"
	"github.com/nugget/sensorgate/internal/buildinfo"
	"github.com/nugget/sensorgate/internal/config"
	"github.com/nugget/sensorgate/internal/gateway"
	"github.com/nugget/sensorgate/internal/interval"
	"github.com/nugget/sensorgate/internal/metrics"
	"github.com/nugget/sensorgate/internal/mqtt"
	"github.com/nugget/sensorgate/internal/netlink"
	"github.com/nugget/sensorgate/internal/opstate"
	"github.com/nugget/sensorgate/internal/sensor"
	"github.com/nugget/sensorgate/internal/sensor/iio"
	"github.com/nugget/sensorgate/internal/sensor/sim"
	"github.com/nugget/sensorgate/internal/sensor/ze08"
	"github.com/nugget/sensorgate/internal/watchdog"
	"github.com/nugget/sensorgate/internal/wsserver"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], so the whole
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	if errors.Is(err, gateway.ErrRestartDue) {
		err = restart()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout. It returns
// nil on clean shutdown, [gateway.ErrRestartDue] when the uptime ceiling
// was reached, and any other error for a failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parsed by hand: the flag package's globals get in the way of
	// calling run from parallel tests.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Sensorgate - DHT22 + ZE08-CH2O sensor gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: sensorgate [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the gateway")
	fmt.Fprintln(w, "  init [dir]   Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/sensorgate/config.yaml, /etc/sensorgate/config.yaml")
	return nil
}

// runServe wires the gateway and runs it until ctx is cancelled, a
// signal arrives, or the uptime ceiling is reached.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Sensorgate", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"websocket_path", cfg.WebSocket.Path,
		"broker", cfg.MQTT.Address(),
	)
	if !cfg.MQTT.Configured() {
		logger.Warn("mqtt broker not configured, telemetry pushes will fail until it is")
	}

	// --- Data directory ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("instance id: %w", err)
	}
	clientID := mqtt.ClientID(cfg.MQTT.ClientID, instanceID)

	state, err := opstate.NewStore(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer state.Close()
	boots, err := state.RecordBoot(time.Now())
	if err != nil {
		logger.Warn("boot not recorded", "error", err)
	}

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// --- Sensors ---
	// The facades are process-wide: opened here, closed on the way out.
	climateT, err := openClimate(cfg.Sensors.Climate, logger)
	if err != nil {
		return err
	}
	climate := sensor.NewClimate(climateT, sensor.ClimateOptions{
		SettleDelay: cfg.Sensors.Climate.SettleDelay(),
		MinSpacing:  cfg.Sensors.Climate.MinSpacing(),
	}, logger.With("component", "climate"))

	gasT, err := openGas(cfg.Sensors.Gas, logger)
	if err != nil {
		return err
	}
	gas, err := sensor.NewGas(gasT, cfg.Sensors.Gas.Active(), logger.With("component", "gas"))
	if err != nil {
		gasT.Close()
		return fmt.Errorf("set gas sensor mode: %w", err)
	}
	defer gas.Close()
	gas.SetReplyTimeout(cfg.Sensors.Gas.ReadTimeout())

	// --- Transports ---
	hub := wsserver.NewHub(wsserver.Options{
		SendQueue: cfg.WebSocket.SendQueue,
		Metrics:   m,
		Logger:    logger.With("component", "wsserver"),
	})
	link := netlink.New(netlink.Options{
		Interface:         cfg.Network.Interface,
		ConnectCommand:    cfg.Network.ConnectCommand,
		DisconnectCommand: cfg.Network.DisconnectCommand,
		Logger:            logger.With("component", "netlink"),
	})
	session := mqtt.NewSession(cfg.MQTT, clientID, m, logger.With("component", "mqtt"))
	topics := mqtt.NewTopics(cfg.MQTT.DiscoveryPrefix, mqtt.NewDeviceInfo(instanceID, cfg.MQTT.DeviceName))

	wd, err := openWatchdog(cfg.Gateway, logger)
	if err != nil {
		return err
	}

	mgr, err := gateway.New(gateway.Options{
		Config:   cfg,
		Climate:  climate,
		Gas:      gas,
		Hub:      hub,
		Network:  link,
		Session:  session,
		Topics:   topics,
		Watchdog: wd,
		Clock:    interval.NewMonotonic(),
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		wd.Close()
		return err
	}

	server := api.NewServer(api.Options{
		Address:       cfg.Listen.Address,
		Port:          cfg.Listen.Port,
		WebSocketPath: cfg.WebSocket.Path,
		WebSocket:     hub,
		Status:        mgr.Supervisor(),
		Clients:       hub,
		Lifecycle:     state,
		Gatherer:      reg,
		Logger:        logger.With("component", "api"),
	})

	logger.Info("gateway ready",
		"client_id", clientID,
		"boot", boots,
		"climate_driver", cfg.Sensors.Climate.Driver,
		"gas_driver", cfg.Sensors.Gas.Driver,
		"gas_mode", cfg.Sensors.Gas.Mode,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		return mgr.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	logger.Info("shutting down")
	if err := mgr.Close(); err != nil {
		logger.Warn("teardown incomplete", "error", err)
	}
	if errors.Is(runErr, gateway.ErrRestartDue) {
		if err := state.RecordRestart(time.Now(), "uptime ceiling"); err != nil {
			logger.Warn("restart not recorded", "error", err)
		}
	} else if runErr != nil {
		return runErr
	}
	logger.Info("Sensorgate stopped", "uptime", buildinfo.Uptime().String())
	return runErr
}

// openClimate picks the temperature/humidity transducer.
func openClimate(cfg config.ClimateConfig, logger *slog.Logger) (sensor.ClimateTransducer, error) {
	switch cfg.Driver {
	case "sim":
		logger.Warn("using simulated climate sensor")
		return sim.NewClimate(uint64(time.Now().UnixNano())), nil
	default:
		d, err := iio.Open(cfg.IIODir, cfg.Pin)
		if err != nil {
			return nil, fmt.Errorf("open climate sensor on pin %d: %w", cfg.Pin, err)
		}
		logger.Info("climate sensor found", "dir", d.Dir())
		return d, nil
	}
}

// openGas picks the formaldehyde transducer.
func openGas(cfg config.GasConfig, logger *slog.Logger) (sensor.GasTransducer, error) {
	switch cfg.Driver {
	case "sim":
		logger.Warn("using simulated formaldehyde sensor")
		return sim.NewGas(uint64(time.Now().UnixNano())), nil
	default:
		port, err := ze08.OpenPort(cfg.Device, cfg.Baud)
		if err != nil {
			return nil, fmt.Errorf("open formaldehyde sensor: %w", err)
		}
		logger.Info("formaldehyde sensor opened", "device", cfg.Device, "baud", cfg.Baud)
		return ze08.New(port), nil
	}
}

// openWatchdog uses the hardware device when one is configured and the
// software timer otherwise.
func openWatchdog(cfg config.GatewayConfig, logger *slog.Logger) (watchdog.Watchdog, error) {
	if cfg.WatchdogDevice != "" {
		d, err := watchdog.OpenDevice(cfg.WatchdogDevice)
		if err != nil {
			return nil, err
		}
		logger.Info("hardware watchdog armed", "device", cfg.WatchdogDevice)
		return d, nil
	}
	logger.Info("software watchdog armed", "timeout", cfg.WatchdogTimeout().String())
	return watchdog.NewSoft(cfg.WatchdogTimeout(), logger.With("component", "watchdog")), nil
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
