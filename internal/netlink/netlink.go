// Package netlink is the network association primitive: it reports
// whether the uplink interface is usable and runs the configured
// association commands (wpa_cli, nmcli, iwctl, ...) to join or leave a
// wireless network.
package netlink

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"time"
)

// Runner executes an external command. Tests substitute a fake.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// waitDelay bounds how long a killed command's output pipes may be held
// open by processes it started.
const waitDelay = time.Second

// ExecRunner runs commands with os/exec and returns combined output. The
// command is killed when ctx ends.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay
	return cmd.CombinedOutput()
}

// InterfaceLookup returns the addresses of a named interface, or of all
// interfaces when name is empty, along with whether any carrying
// interface is up.
type InterfaceLookup func(name string) (up bool, addrs []string, err error)

// Options configures a Link.
type Options struct {
	// Interface is the uplink (e.g. "wlan0"). Empty means any
	// non-loopback interface counts.
	Interface string

	// ConnectCommand and DisconnectCommand are argv templates; the
	// tokens ${SSID}, ${PASSPHRASE} and ${INTERFACE} are substituted.
	// Empty commands are skipped, which suits wired boards.
	ConnectCommand    []string
	DisconnectCommand []string

	Run    Runner
	Lookup InterfaceLookup
	Logger *slog.Logger
}

// Link tracks one uplink interface.
type Link struct {
	opts   Options
	logger *slog.Logger
}

// New returns a Link. Nil Run and Lookup use the operating system.
func New(opts Options) *Link {
	if opts.Run == nil {
		opts.Run = ExecRunner
	}
	if opts.Lookup == nil {
		opts.Lookup = SystemLookup
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Link{opts: opts, logger: opts.Logger}
}

// Begin issues an association request for ssid. It returns once the
// command has been accepted; link-up is observed through Connected.
func (l *Link) Begin(ctx context.Context, ssid, passphrase string) error {
	return l.run(ctx, "connect", l.opts.ConnectCommand, ssid, passphrase)
}

// Disconnect drops any existing association.
func (l *Link) Disconnect(ctx context.Context) error {
	return l.run(ctx, "disconnect", l.opts.DisconnectCommand, "", "")
}

// Connected reports whether the interface is up with a usable address.
func (l *Link) Connected() bool {
	up, addrs, err := l.opts.Lookup(l.opts.Interface)
	if err != nil {
		l.logger.Debug("interface lookup failed", "interface", l.opts.Interface, "error", err)
		return false
	}
	return up && len(addrs) > 0
}

// Address returns the first usable address, or "" when the link is down.
func (l *Link) Address() string {
	up, addrs, err := l.opts.Lookup(l.opts.Interface)
	if err != nil || !up || len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

func (l *Link) run(ctx context.Context, what string, argv []string, ssid, passphrase string) error {
	if len(argv) == 0 {
		return nil
	}
	r := strings.NewReplacer(
		"${SSID}", ssid,
		"${PASSPHRASE}", passphrase,
		"${INTERFACE}", l.opts.Interface,
	)
	args := make([]string, len(argv))
	for i, a := range argv {
		args[i] = r.Replace(a)
	}

	l.logger.Debug("running network command", "action", what, "command", argv[0])
	out, err := l.opts.Run(ctx, args[0], args[1:]...)
	if err != nil {
		return fmt.Errorf("network %s (%s): %w: %s", what, argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SystemLookup inspects the host's interfaces. Loopback interfaces and
// link-local addresses are ignored.
func SystemLookup(name string) (bool, []string, error) {
	var ifaces []net.Interface
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return false, nil, err
		}
		ifaces = []net.Interface{*iface}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return false, nil, err
		}
		ifaces = all
	}

	var (
		up    bool
		addrs []string
	)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		list, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range list {
			ipn, ok := a.(*net.IPNet)
			if !ok || ipn.IP.IsLinkLocalUnicast() || ipn.IP.IsLoopback() {
				continue
			}
			up = true
			addrs = append(addrs, ipn.IP.String())
		}
	}
	return up, addrs, nil
}
