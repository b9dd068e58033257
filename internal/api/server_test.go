package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nugget/sensorgate/internal/connwatch"
	"github.com/nugget/sensorgate/internal/metrics"
	"github.com/nugget/sensorgate/internal/opstate"
)

type fakeStatus []connwatch.ServiceStatus

func (f fakeStatus) Status() []connwatch.ServiceStatus { return f }

type fakeLifecycle struct{ boots int }

func (f fakeLifecycle) Lifecycle() (opstate.Lifecycle, error) {
	return opstate.Lifecycle{Boots: f.boots, LastRestartReason: "uptime ceiling"}, nil
}

type fakeClients int

func (f fakeClients) Count() int { return int(f) }

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewServer(opts).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		status     fakeStatus
		wantStatus string
	}{
		{
			name: "all ready",
			status: fakeStatus{
				{Name: "network", State: "connected", Ready: true},
				{Name: "broker", State: "connected", Ready: true},
			},
			wantStatus: "healthy",
		},
		{
			name: "broker down",
			status: fakeStatus{
				{Name: "network", State: "connected", Ready: true},
				{Name: "broker", State: "disconnected", LastError: "refused"},
			},
			wantStatus: "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Options{Status: tt.status, Clients: fakeClients(2)})
			resp, body := get(t, ts.URL+"/health")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status code = %d", resp.StatusCode)
			}

			var got healthResponse
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("decode: %v (%s)", err, body)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if got.Clients != 2 {
				t.Errorf("websocket_clients = %d, want 2", got.Clients)
			}
			if len(got.Services) != 2 {
				t.Errorf("services = %d, want 2", len(got.Services))
			}
		})
	}
}

func TestHealth_Lifecycle(t *testing.T) {
	ts := newTestServer(t, Options{Lifecycle: fakeLifecycle{boots: 4}})
	_, body := get(t, ts.URL+"/health")

	var got healthResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Lifecycle == nil || got.Lifecycle.Boots != 4 || got.Lifecycle.LastRestartReason != "uptime ceiling" {
		t.Errorf("lifecycle = %+v", got.Lifecycle)
	}
}

func TestHealth_NoStatusSource(t *testing.T) {
	ts := newTestServer(t, Options{})
	_, body := get(t, ts.URL+"/health")
	if !strings.Contains(string(body), `"services":[]`) {
		t.Errorf("body = %s, want empty services list", body)
	}
}

func TestVersion(t *testing.T) {
	ts := newTestServer(t, Options{})
	_, body := get(t, ts.URL+"/v1/version")

	var info map[string]string
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"version", "go_version", "uptime"} {
		if info[key] == "" {
			t.Errorf("version info missing %q", key)
		}
	}
}

func TestRoot_OnlyExactPath(t *testing.T) {
	ts := newTestServer(t, Options{WebSocketPath: "/sensors"})

	_, body := get(t, ts.URL+"/")
	if !strings.Contains(string(body), `"websocket":"/sensors"`) {
		t.Errorf("root body = %s", body)
	}

	resp, _ := get(t, ts.URL+"/nothing-here")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", resp.StatusCode)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Frame(metrics.FrameHandled)

	ts := newTestServer(t, Options{Gatherer: reg})
	resp, body := get(t, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `sensorgate_websocket_frames_total{outcome="handled"} 1`) {
		t.Errorf("metrics body missing frame counter:\n%s", body)
	}
}

func TestWebSocketPathMounted(t *testing.T) {
	var hits int
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTeapot)
	})
	ts := newTestServer(t, Options{WebSocketPath: "/ws", WebSocket: ws})

	resp, _ := get(t, ts.URL+"/ws")
	if resp.StatusCode != http.StatusTeapot || hits != 1 {
		t.Errorf("status = %d hits = %d, want the websocket handler", resp.StatusCode, hits)
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	s := NewServer(Options{Address: "127.0.0.1", Port: 0})
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Errorf("Start after Shutdown = %v, want nil", err)
	}
}
