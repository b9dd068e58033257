package telemetry

import (
	"context"
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/nugget/sensorgate/internal/interval"
	"github.com/nugget/sensorgate/internal/mqtt"
	"github.com/nugget/sensorgate/internal/sensor"
)

type fakeConn struct {
	network, session bool
	ensures          int
	sessions         int
}

func (f *fakeConn) EnsureConnected(context.Context) bool { f.ensures++; return f.network }
func (f *fakeConn) EnsureSession(context.Context) bool   { f.sessions++; return f.session }

type msg struct {
	topic, payload string
	retain         bool
}

type fakePub struct {
	msgs []msg
	err  error
}

func (f *fakePub) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	f.msgs = append(f.msgs, msg{topic, string(payload), retain})
	return f.err
}

type fakeClimate struct{ temp, hum sensor.Reading }

func (f fakeClimate) Read(context.Context) (sensor.Reading, sensor.Reading) { return f.temp, f.hum }

type fakeGas struct{ r sensor.GasReading }

func (f fakeGas) Read(context.Context) sensor.GasReading { return f.r }

func newPusher(conn *fakeConn, pub *fakePub, climate fakeClimate, gas fakeGas) *Pusher {
	return New(Options{
		Interval:     7 * time.Second,
		Climate:      climate,
		Gas:          gas,
		Connectivity: conn,
		Publisher:    pub,
		Topics:       mqtt.NewTopics("homeassistant", nil),
	})
}

func allValid() (fakeClimate, fakeGas) {
	return fakeClimate{sensor.ValidReading(22.5), sensor.ValidReading(41.256)},
		fakeGas{sensor.NewGasReading(120)}
}

func TestTick_FirstPushAfterOneInterval(t *testing.T) {
	conn := &fakeConn{network: true, session: true}
	pub := &fakePub{}
	climate, gas := allValid()
	p := newPusher(conn, pub, climate, gas)

	if p.Tick(context.Background(), 1000) {
		t.Fatal("pushed on the arming tick")
	}
	if p.Tick(context.Background(), 7999) {
		t.Fatal("pushed before the interval elapsed")
	}
	if conn.ensures != 0 {
		t.Errorf("connectivity touched %d times before the first push", conn.ensures)
	}
	if !p.Tick(context.Background(), 8000) {
		t.Fatal("no push at exactly one interval")
	}
	if len(pub.msgs) != 3 {
		t.Fatalf("published %d messages, want 3", len(pub.msgs))
	}
}

func TestTick_NoCatchUp(t *testing.T) {
	conn := &fakeConn{network: true, session: true}
	pub := &fakePub{}
	climate, gas := allValid()
	p := newPusher(conn, pub, climate, gas)

	p.Tick(context.Background(), 0)
	// The loop stalled for several intervals: one push, not three.
	pushes := 0
	for _, now := range []interval.Millis{30000, 30010, 30020} {
		if p.Tick(context.Background(), now) {
			pushes++
		}
	}
	if pushes != 1 {
		t.Errorf("pushes = %d, want 1", pushes)
	}
}

func TestPush_PayloadsAndTopics(t *testing.T) {
	pub := &fakePub{}
	climate, gas := allValid()
	p := newPusher(&fakeConn{network: true, session: true}, pub, climate, gas)

	if !p.Push(context.Background()) {
		t.Fatal("Push = false")
	}
	want := []msg{
		{"homeassistant/sensor/dht22/temperature", "22.50", false},
		{"homeassistant/sensor/dht22/humidity", "41.26", false},
		{"homeassistant/sensor/ze08_ch2o/state", "0.15000", false},
	}
	if len(pub.msgs) != len(want) {
		t.Fatalf("msgs = %v", pub.msgs)
	}
	for i := range want {
		if pub.msgs[i] != want[i] {
			t.Errorf("msg %d = %+v, want %+v", i, pub.msgs[i], want[i])
		}
	}
}

func TestPush_InvalidHumiditySkipped(t *testing.T) {
	pub := &fakePub{}
	climate := fakeClimate{sensor.ValidReading(22.5), sensor.InvalidReading("transducer returned NaN")}
	p := newPusher(&fakeConn{network: true, session: true}, pub, climate, fakeGas{})

	p.Push(context.Background())
	if len(pub.msgs) != 1 {
		t.Fatalf("published %v, want temperature only", pub.msgs)
	}
	if pub.msgs[0].topic != "homeassistant/sensor/dht22/temperature" || pub.msgs[0].payload != "22.50" {
		t.Errorf("msg = %+v", pub.msgs[0])
	}
}

func TestPush_AbortsWithoutConnectivity(t *testing.T) {
	tests := []struct {
		name             string
		network, session bool
		wantSessions     int
	}{
		{"network down", false, true, 0},
		{"broker down", true, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{network: tt.network, session: tt.session}
			pub := &fakePub{}
			climate, gas := allValid()
			p := newPusher(conn, pub, climate, gas)

			if p.Push(context.Background()) {
				t.Error("Push = true")
			}
			if len(pub.msgs) != 0 {
				t.Errorf("published %v", pub.msgs)
			}
			if conn.sessions != tt.wantSessions {
				t.Errorf("EnsureSession calls = %d, want %d", conn.sessions, tt.wantSessions)
			}
		})
	}
}

func TestPush_PublishErrorContinues(t *testing.T) {
	pub := &fakePub{err: errors.New("broken pipe")}
	climate, gas := allValid()
	p := newPusher(&fakeConn{network: true, session: true}, pub, climate, gas)
	p.Push(context.Background())
	if len(pub.msgs) != 3 {
		t.Errorf("attempted %d publishes, want 3", len(pub.msgs))
	}
}

func TestFormatFixed_RoundTrip(t *testing.T) {
	tests := []struct {
		v      float64
		digits int
	}{
		{22.5, 2}, {-4.2, 2}, {99.999, 2}, {0.15, 5}, {0.000625, 5}, {81.91875, 5}, {0, 2},
	}
	for _, tt := range tests {
		s := FormatFixed(tt.v, tt.digits)
		back, err := strconv.ParseFloat(s, 64)
		if err != nil {
			t.Fatalf("ParseFloat(%q): %v", s, err)
		}
		tol := 0.5*math.Pow10(-tt.digits) + 1e-12
		if math.Abs(back-tt.v) > tol {
			t.Errorf("FormatFixed(%v, %d) = %q, round trip off by %v", tt.v, tt.digits, s, back-tt.v)
		}
	}
}
