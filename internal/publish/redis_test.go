package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shaunagostinho/aanderaa-reader/internal/sensor"
	"github.com/shaunagostinho/aanderaa-reader/internal/session"
	"github.com/sirupsen/logrus"
)

type fakeClient struct {
	channel  string
	messages [][]byte
	lists    map[string][][]byte
	trims    map[string]int64
	pubErr   error
	pushErr  error
	closed   bool
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.pubErr != nil {
		cmd.SetErr(f.pubErr)
		return cmd
	}
	f.channel = channel
	f.messages = append(f.messages, message.([]byte))
	cmd.SetVal(1)
	return cmd
}

func (f *fakeClient) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.pushErr != nil {
		cmd.SetErr(f.pushErr)
		return cmd
	}
	if f.lists == nil {
		f.lists = map[string][][]byte{}
	}
	for _, v := range values {
		f.lists[key] = append([][]byte{v.([]byte)}, f.lists[key]...)
	}
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *fakeClient) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	if f.trims == nil {
		f.trims = map[string]int64{}
	}
	f.trims[key] = stop
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func sampleReading() session.Reading {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return session.Reading{
		RunID:    "run-1",
		Endpoint: "ct",
		Port:     "/dev/ttyUSB0",
		Type:     sensor.TypeConductivity,
		Identity: sensor.Identity{ProductNumber: "5819", SerialNumber: "123"},
		Seq:      7,
		At:       at,
		Measurements: []sensor.Measurement{
			{Quantity: "Conductivity", Value: 35.1, Unit: "mS/cm", Timestamp: at},
		},
	}
}

func TestPublishSendsJSONAndHistory(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, Config{Channel: "ocean", HistoryLen: 100}, testLog())

	if err := p.Publish(context.Background(), sampleReading()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if fc.channel != "ocean" || len(fc.messages) != 1 {
		t.Fatalf("channel=%q messages=%d", fc.channel, len(fc.messages))
	}

	var got session.Reading
	if err := json.Unmarshal(fc.messages[0], &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Identity.SerialNumber != "123" || got.Seq != 7 || got.Measurements[0].Value != 35.1 {
		t.Fatalf("decoded payload = %+v", got)
	}

	if n := len(fc.lists["ocean:123"]); n != 1 {
		t.Fatalf("history entries = %d", n)
	}
	if fc.trims["ocean:123"] != 99 {
		t.Fatalf("trim stop = %d, want 99", fc.trims["ocean:123"])
	}
}

func TestPublishHistoryDisabled(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, Config{}, testLog())
	if err := p.Publish(context.Background(), sampleReading()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if fc.channel != "aanderaa:readings" {
		t.Fatalf("default channel = %q", fc.channel)
	}
	if len(fc.lists) != 0 {
		t.Fatalf("history written with HistoryLen 0")
	}
}

func TestPublishErrors(t *testing.T) {
	fc := &fakeClient{pubErr: errors.New("conn refused")}
	p := newPublisher(fc, Config{HistoryLen: 10}, testLog())
	if err := p.Publish(context.Background(), sampleReading()); err == nil {
		t.Fatal("expected publish error")
	}

	fc = &fakeClient{pushErr: errors.New("oom")}
	p = newPublisher(fc, Config{HistoryLen: 10}, testLog())
	if err := p.Publish(context.Background(), sampleReading()); err != nil {
		t.Fatalf("history failure should not fail Publish: %v", err)
	}
}

func TestHistoryKeyFallsBackToEndpoint(t *testing.T) {
	p := newPublisher(&fakeClient{}, Config{Channel: "c"}, testLog())
	r := sampleReading()
	r.Identity.SerialNumber = ""
	if got := p.HistoryKey(r); got != "c:ct" {
		t.Fatalf("key = %q", got)
	}
	p.Close()
}
