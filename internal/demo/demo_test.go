package demo

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/link/linktest"
	"github.com/shaunagostinho/aanderaa-reader/internal/sensor"
	"github.com/shaunagostinho/aanderaa-reader/internal/session"
	"github.com/sirupsen/logrus"
)

func TestTypeFor(t *testing.T) {
	for path, want := range map[string]sensor.Type{
		"demo://pressure": sensor.TypePressure,
		"demo://baro":     sensor.TypePressure,
		"demo://optode":   sensor.TypeOxygen,
		"demo://ct":       sensor.TypeConductivity,
	} {
		if got := TypeFor(path); got != want {
			t.Errorf("TypeFor(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestSerialIsStablePerPath(t *testing.T) {
	f := New(context.Background(), time.Second)
	a, b := f.serialFor("demo://a"), f.serialFor("demo://b")
	if a == b {
		t.Fatalf("distinct paths share serial %s", a)
	}
	if again := f.serialFor("demo://a"); again != a {
		t.Fatalf("serial changed on reopen: %s -> %s", a, again)
	}
}

// Every simulated sensor must survive the full connect, identify and read
// path and report its own type.
func TestFleetSensorsProduceReadings(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	for _, ds := range Sensors() {
		t.Run(ds.Name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			fleet := New(ctx, 20*time.Millisecond)
			s, err := session.New(sensor.Endpoint{Name: ds.Name, Port: ds.Port}, session.Options{
				Timing:       linktest.Timing(),
				Open:         fleet.Open,
				ReadTimeout:  20 * time.Millisecond,
				PollInterval: 30 * time.Millisecond,
				Log:          logrus.NewEntry(log),
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer s.Close()

			if err := s.Connect(ctx); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			if err := s.Identify(ctx); err != nil {
				t.Fatalf("Identify: %v", err)
			}
			if s.Type() != ds.Type {
				t.Fatalf("type = %s, want %s", s.Type(), ds.Type)
			}

			var got session.Reading
			rctx, stop := context.WithCancel(ctx)
			s.Read(rctx, func(r session.Reading) {
				got = r
				stop()
			})
			if len(got.Measurements) != len(sensor.TemplateFor(ds.Type)) {
				t.Fatalf("measurements = %+v", got.Measurements)
			}
			if got.Identity.SerialNumber == "" {
				t.Fatalf("reading has no serial: %+v", got.Identity)
			}
		})
	}
}
