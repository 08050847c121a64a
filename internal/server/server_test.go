package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shaunagostinho/aanderaa-reader/internal/link"
	"github.com/shaunagostinho/aanderaa-reader/internal/link/linktest"
	"github.com/shaunagostinho/aanderaa-reader/internal/session"
	"github.com/sirupsen/logrus"
)

type fakePublisher struct {
	mu       sync.Mutex
	readings []session.Reading
	closed   bool
}

func (f *fakePublisher) Publish(_ context.Context, r session.Reading) error {
	f.mu.Lock()
	f.readings = append(f.readings, r)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readings)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.Server.ListenAddr = ""
	tm := linktest.Timing()
	cfg.Protocol.WakeBursts = tm.WakeBursts
	cfg.Protocol.WakeSpacing = tm.WakeSpacing
	cfg.Protocol.WakeWait = tm.WakeWait
	cfg.Protocol.PassiveWindow = tm.PassiveWindow
	cfg.Protocol.DetectWindow = tm.DetectWindow
	cfg.Protocol.CommandTimeout = tm.CommandTimeout
	cfg.Protocol.SaveGrace = tm.SaveGrace
	cfg.Protocol.ResetGrace = tm.ResetGrace
	cfg.Protocol.ResetSettle = tm.ResetSettle
	cfg.Protocol.ReconnectMin = 10 * time.Millisecond
	cfg.Protocol.ReconnectMax = 20 * time.Millisecond
	cfg.Recorder.Enabled = true
	cfg.Recorder.Path = t.TempDir()
	return cfg
}

func TestServerStreamsReadingsToSinks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := linktest.NewPort()
	sn := linktest.NewSensor("5819", "123")
	sn.Attach(p)
	sn.Stream(ctx, p, "5819\t123\t35.1\t34.2\t12.5", 20*time.Millisecond)

	cfg := testConfig(t)
	cfg.Sensors = []SensorConfig{{Name: "ct", Port: "/dev/ttyFAKE0", Timeout: 20 * time.Millisecond}}

	pub := &fakePublisher{}
	srv := New(cfg, Deps{
		Open:      linktest.Opener(p),
		Publisher: pub,
		Registry:  prometheus.NewRegistry(),
		Log:       quietLogger(),
	})
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first Message
	if err := ws.ReadJSON(&first); err != nil || first.Type != "status" {
		t.Fatalf("first message = %+v, err %v", first, err)
	}
	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("read ws: %v", err)
		}
		if msg.Type == "reading" {
			if msg.Reading.Endpoint != "ct" || msg.Reading.Measurements[0].Quantity != "Conductivity" {
				t.Fatalf("reading = %+v", msg.Reading)
			}
			break
		}
	}

	resp, err := http.Get(hs.URL + "/api/sensors")
	if err != nil {
		t.Fatalf("GET /api/sensors: %v", err)
	}
	var statuses []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		t.Fatalf("decode statuses: %v", err)
	}
	resp.Body.Close()
	if len(statuses) != 1 || statuses[0]["endpoint"] != "ct" || statuses[0]["state"] != "reading" {
		t.Fatalf("statuses = %v", statuses)
	}

	resp, err = http.Get(hs.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `aanderaa_frames_accepted_total{sensor="ct"}`) {
		t.Fatalf("metrics missing accepted counter:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if pub.count() == 0 || !pub.closed {
		t.Fatalf("publisher got %d readings, closed=%v", pub.count(), pub.closed)
	}
	files, _ := filepath.Glob(filepath.Join(cfg.Recorder.Path, "*.csv"))
	if len(files) != 1 {
		t.Fatalf("expected 1 csv file, got %v", files)
	}
	if info, err := os.Stat(files[0]); err != nil || info.Size() == 0 {
		t.Fatalf("csv file empty: %v", err)
	}
}

func TestSupervisorBacksOffOnUnavailablePort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opens int32
	open := func(path string, baud int) (link.Port, error) {
		atomic.AddInt32(&opens, 1)
		return nil, link.ErrPortUnavailable
	}

	cfg := testConfig(t)
	cfg.Sensors = []SensorConfig{{Name: "gone", Port: "/dev/ttyGONE"}}
	srv := New(cfg, Deps{Open: open, Registry: prometheus.NewRegistry(), Log: quietLogger()})

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(250 * time.Millisecond)
	st := srv.Statuses()
	cancel()
	<-done

	if n := atomic.LoadInt32(&opens); n < 3 {
		t.Fatalf("expected repeated open attempts, got %d", n)
	}
	if len(st) != 1 || st[0].State != session.StateError {
		t.Fatalf("statuses = %+v", st)
	}
	if !strings.Contains(st[0].LastError, "unavailable") {
		t.Fatalf("last error = %q", st[0].LastError)
	}
}

func TestHealthAndConfigAPI(t *testing.T) {
	cfg := testConfig(t)
	cfg.SetPath(filepath.Join(t.TempDir(), "config.yaml"))
	srv := New(cfg, Deps{Registry: prometheus.NewRegistry(), Log: quietLogger()})
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Post(hs.URL+"/api/config", "application/json", strings.NewReader(`{"recorder":{"enabled":false}}`))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("post config: %v %v", resp, err)
	}
	resp.Body.Close()
	if srv.recorder.IsEnabled() {
		t.Fatal("recorder should have been disabled live")
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Fatalf("config not saved: %v", err)
	}

	resp, err = http.Get(hs.URL + "/api/config")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	var got map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if _, ok := got["protocol"]; !ok {
		t.Fatalf("config json missing protocol: %v", got)
	}
}

func TestServesDashboard(t *testing.T) {
	web := fstest.MapFS{"index.html": {Data: []byte("<h1>Aanderaa sensors</h1>")}}
	srv := New(testConfig(t), Deps{Web: web, Registry: prometheus.NewRegistry(), Log: quietLogger()})
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "Aanderaa sensors") {
		t.Fatalf("index not served: %q", body)
	}
}
