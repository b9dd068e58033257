package netlink

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

type call struct {
	name string
	args []string
}

func recorder(calls *[]call, err error) Runner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, call{name, args})
		if err != nil {
			return []byte("association rejected\n"), err
		}
		return nil, nil
	}
}

func TestBegin_SubstitutesCredentials(t *testing.T) {
	var calls []call
	l := New(Options{
		Interface:      "wlan0",
		ConnectCommand: []string{"nmcli", "dev", "wifi", "connect", "${SSID}", "password", "${PASSPHRASE}", "ifname", "${INTERFACE}"},
		Run:            recorder(&calls, nil),
		Lookup:         func(string) (bool, []string, error) { return false, nil, nil },
	})

	if err := l.Begin(context.Background(), "403", "hunter2"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	got := calls[0].name + " " + strings.Join(calls[0].args, " ")
	want := "nmcli dev wifi connect 403 password hunter2 ifname wlan0"
	if got != want {
		t.Errorf("command = %q, want %q", got, want)
	}
}

func TestBegin_EmptyCommandIsNoop(t *testing.T) {
	var calls []call
	l := New(Options{Run: recorder(&calls, nil)})
	if err := l.Begin(context.Background(), "x", "y"); err != nil {
		t.Fatal(err)
	}
	if err := l.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 0 {
		t.Errorf("ran %d commands, want 0", len(calls))
	}
}

func TestDisconnect_ErrorIncludesOutput(t *testing.T) {
	var calls []call
	boom := errors.New("exit status 1")
	l := New(Options{
		DisconnectCommand: []string{"wpa_cli", "disconnect"},
		Run:               recorder(&calls, boom),
	})

	err := l.Disconnect(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapping %v", err, boom)
	}
	if !strings.Contains(err.Error(), "association rejected") {
		t.Errorf("err = %q, missing command output", err)
	}
}

func TestConnected(t *testing.T) {
	tests := []struct {
		name  string
		up    bool
		addrs []string
		err   error
		want  bool
	}{
		{"up with address", true, []string{"192.168.10.50"}, nil, true},
		{"up without address", true, nil, nil, false},
		{"down", false, []string{"192.168.10.50"}, nil, false},
		{"lookup error", true, []string{"192.168.10.50"}, errors.New("no such interface"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var asked string
			l := New(Options{
				Interface: "wlan0",
				Lookup: func(name string) (bool, []string, error) {
					asked = name
					return tt.up, tt.addrs, tt.err
				},
			})
			if got := l.Connected(); got != tt.want {
				t.Errorf("Connected() = %v, want %v", got, tt.want)
			}
			if asked != "wlan0" {
				t.Errorf("looked up %q, want wlan0", asked)
			}
			if tt.want && l.Address() != tt.addrs[0] {
				t.Errorf("Address() = %q", l.Address())
			}
		})
	}
}

func TestSystemLookup_UnknownInterface(t *testing.T) {
	if _, _, err := SystemLookup("sensorgate-no-such-if0"); err == nil {
		t.Error("lookup of a missing interface succeeded")
	}
}

func TestExecRunner_KilledWhenContextEnds(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := ExecRunner(ctx, "sleep", "30"); err == nil {
		t.Fatal("ExecRunner returned nil for a killed command")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("hung command held ExecRunner for %v", elapsed)
	}
}
