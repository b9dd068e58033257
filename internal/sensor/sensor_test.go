package sensor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

type fakeClimate struct {
	temp, hum float64
	err       error
	samples   int
}

func (f *fakeClimate) Sample(ctx context.Context) (float64, float64, error) {
	f.samples++
	return f.temp, f.hum, f.err
}

func TestClimate_IndependentValidity(t *testing.T) {
	tests := []struct {
		name             string
		temp, hum        float64
		wantTemp, wantHu bool
	}{
		{"both valid", 22.5, 41.0, true, true},
		{"humidity NaN", 22.5, math.NaN(), true, false},
		{"temperature NaN", math.NaN(), 55.5, false, true},
		{"both NaN", math.NaN(), math.NaN(), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClimate(&fakeClimate{temp: tt.temp, hum: tt.hum}, ClimateOptions{}, nil)
			temp, hum := c.Read(context.Background())
			if temp.Valid != tt.wantTemp {
				t.Errorf("temperature valid = %v, want %v", temp.Valid, tt.wantTemp)
			}
			if hum.Valid != tt.wantHu {
				t.Errorf("humidity valid = %v, want %v", hum.Valid, tt.wantHu)
			}
			if temp.Valid && temp.Value != tt.temp {
				t.Errorf("temperature = %v, want %v", temp.Value, tt.temp)
			}
			if !hum.Valid && hum.Reason == "" {
				t.Error("invalid humidity carries no reason")
			}
		})
	}
}

func TestClimate_TransducerErrorInvalidatesBoth(t *testing.T) {
	c := NewClimate(&fakeClimate{err: errors.New("EIO")}, ClimateOptions{}, nil)
	temp, hum := c.Read(context.Background())
	if temp.Valid || hum.Valid {
		t.Errorf("got valid readings after transducer error: %+v %+v", temp, hum)
	}
}

func TestClimate_MinSpacingReturnsCachedSample(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &fakeClimate{temp: 20, hum: 50}
	c := NewClimate(f, ClimateOptions{
		MinSpacing: 2 * time.Second,
		Now:        func() time.Time { return now },
	}, nil)

	c.Read(context.Background())
	f.temp = 30
	now = now.Add(time.Second)
	temp, _ := c.Read(context.Background())

	if f.samples != 1 {
		t.Errorf("transducer sampled %d times within spacing, want 1", f.samples)
	}
	if temp.Value != 20 {
		t.Errorf("temperature = %v, want cached 20", temp.Value)
	}

	now = now.Add(time.Second)
	temp, _ = c.Read(context.Background())
	if f.samples != 2 || temp.Value != 30 {
		t.Errorf("after spacing: samples=%d temp=%v, want 2 and 30", f.samples, temp.Value)
	}
}

func TestClimate_SettleDelay(t *testing.T) {
	c := NewClimate(&fakeClimate{temp: 1, hum: 1}, ClimateOptions{SettleDelay: 20 * time.Millisecond}, nil)
	start := time.Now()
	c.Read(context.Background())
	if d := time.Since(start); d < 20*time.Millisecond {
		t.Errorf("Read returned after %v, want >= 20ms settle", d)
	}
}

func TestClimate_CancelledContext(t *testing.T) {
	f := &fakeClimate{temp: 1, hum: 1}
	c := NewClimate(f, ClimateOptions{SettleDelay: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	temp, hum := c.Read(ctx)
	if temp.Valid || hum.Valid || f.samples != 0 {
		t.Errorf("cancelled read sampled the transducer: %+v %+v", temp, hum)
	}
}

type fakeGas struct {
	active   bool
	requests int
	frames   []uint16
	waited   time.Duration
	closed   bool
}

func (f *fakeGas) SetActive() error  { f.active = true; return nil }
func (f *fakeGas) SetPassive() error { f.active = false; return nil }
func (f *fakeGas) RequestRead() error {
	f.requests++
	return nil
}
func (f *fakeGas) ReadPPB(timeout time.Duration) (uint16, error) {
	f.waited = timeout
	if len(f.frames) == 0 {
		return 0, ErrNoFrame
	}
	v := f.frames[0]
	f.frames = f.frames[1:]
	return v, nil
}
func (f *fakeGas) Close() error { f.closed = true; return nil }

func TestGasReading_Conversion(t *testing.T) {
	for _, ppb := range []uint16{0, 1, 120, 800, 65535} {
		r := NewGasReading(ppb)
		if want := float64(ppb) * 0.00125; r.MassConcentration != want {
			t.Errorf("ppb %d: mgm3 = %v, want %v", ppb, r.MassConcentration, want)
		}
	}
	if r := NewGasReading(120); r.MassConcentration != 0.15 {
		t.Errorf("120 ppb = %v mg/m3, want 0.15", r.MassConcentration)
	}
}

func TestGas_ActiveRead(t *testing.T) {
	f := &fakeGas{frames: []uint16{120}}
	g, err := NewGas(f, true, nil)
	if err != nil {
		t.Fatalf("NewGas: %v", err)
	}
	if !f.active || !g.Active() {
		t.Fatal("sensor not switched to active mode")
	}

	r := g.Read(context.Background())
	if !r.Success || r.PPB != 120 || r.MassConcentration != 0.15 {
		t.Errorf("Read = %+v", r)
	}
	if f.requests != 0 {
		t.Errorf("active read issued %d requests, want 0", f.requests)
	}
	if f.waited != 0 {
		t.Errorf("Read waited %v, want 0", f.waited)
	}

	r = g.Read(context.Background())
	if r.Success || r.PPB != 0 || r.MassConcentration != 0 {
		t.Errorf("Read with no frame = %+v, want zero failure", r)
	}
}

func TestGas_PassiveRequestsBeforeRead(t *testing.T) {
	f := &fakeGas{frames: []uint16{40}}
	g, err := NewGas(f, false, nil)
	if err != nil {
		t.Fatalf("NewGas: %v", err)
	}

	r := g.ReadUntil(context.Background(), 500*time.Millisecond)
	if !r.Success || r.PPB != 40 {
		t.Errorf("ReadUntil = %+v", r)
	}
	if f.requests != 1 {
		t.Errorf("requests = %d, want 1", f.requests)
	}
	if f.waited != 500*time.Millisecond {
		t.Errorf("waited = %v, want 500ms", f.waited)
	}
}

func TestGas_ModeIsSticky(t *testing.T) {
	f := &fakeGas{frames: []uint16{1, 2, 3}}
	g, _ := NewGas(f, true, nil)

	g.PassiveMode()
	g.Read(context.Background())
	g.Read(context.Background())
	if f.requests != 2 {
		t.Errorf("requests after two passive reads = %d, want 2", f.requests)
	}

	g.ActiveMode()
	g.Read(context.Background())
	if f.requests != 2 {
		t.Errorf("active read issued a request")
	}
}

func TestGas_Close(t *testing.T) {
	f := &fakeGas{}
	g, _ := NewGas(f, true, nil)
	if err := g.Close(); err != nil || !f.closed {
		t.Errorf("Close() = %v, closed = %v", err, f.closed)
	}
}

func TestGas_PassiveReadUsesReplyTimeout(t *testing.T) {
	f := &fakeGas{frames: []uint16{12}}
	g, _ := NewGas(f, false, nil)
	g.SetReplyTimeout(250 * time.Millisecond)

	if r := g.Read(context.Background()); !r.Success {
		t.Fatalf("Read = %+v", r)
	}
	if f.waited != 250*time.Millisecond {
		t.Errorf("waited = %v, want the reply timeout", f.waited)
	}

	g.ActiveMode()
	f.frames = []uint16{13}
	g.Read(context.Background())
	if f.waited != 0 {
		t.Errorf("active read waited %v", f.waited)
	}
}
