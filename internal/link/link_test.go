package link_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/link"
	"github.com/shaunagostinho/aanderaa-reader/internal/link/linktest"
	"github.com/shaunagostinho/aanderaa-reader/internal/protocol"
	"github.com/sirupsen/logrus"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newConn(t *testing.T, p *linktest.Port) *link.Conn {
	t.Helper()
	c, err := link.NewConn(p, "/dev/test", linktest.Timing().ReadQuantum, quietLog())
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	return c
}

func newDriver(c *link.Conn, d protocol.Dialect) *link.Driver {
	return link.NewDriver(c, d, linktest.Timing(), quietLog())
}

func TestConnSplitsLines(t *testing.T) {
	p := linktest.NewPort()
	c := newConn(t, p)
	p.Feed("4117\t2378\t1.0\t2.0\r\nProductName: 4117B\nfoo\r\x11bar\x13\r\n!#")

	want := []string{"4117\t2378\t1.0\t2.0", "ProductName: 4117B", "foo", "bar", "!", "#"}
	var lastSeq uint64
	for i, w := range want {
		l, err := c.ReadLine(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if l.Text != w {
			t.Fatalf("line %d: expected %q, got %q", i, w, l.Text)
		}
		if l.Seq <= lastSeq {
			t.Fatalf("line %d: sequence %d not increasing (prev %d)", i, l.Seq, lastSeq)
		}
		lastSeq = l.Seq
	}
	if c.BytesReceived() == 0 {
		t.Fatal("expected received byte count")
	}
}

func TestConnKeepsInlineBang(t *testing.T) {
	p := linktest.NewPort()
	c := newConn(t, p)
	p.Feed("Owner: Lab #3 Warning!\r\n!")

	for i, w := range []string{"Owner: Lab #3 Warning!", "!"} {
		l, err := c.ReadLine(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if l.Text != w {
			t.Fatalf("line %d: expected %q, got %q", i, w, l.Text)
		}
	}
}

func TestTimingClampsWakeBursts(t *testing.T) {
	for in, want := range map[int]int{0: 5, -1: 5, 1: 3, 3: 3, 4: 4, 5: 5, 9: 5} {
		if got := (link.Timing{WakeBursts: in}).Normalize().WakeBursts; got != want {
			t.Fatalf("Normalize(WakeBursts %d) = %d, want %d", in, got, want)
		}
	}
}

func TestConnClassifiesLines(t *testing.T) {
	p := linktest.NewPort()
	c := newConn(t, p)
	p.Feed("5819C\t385\t52.5\t35.2\t15.2\r\nSerialNumber: 385\r\n")

	l, _ := c.ReadLine(context.Background(), time.Second)
	if l.Format != protocol.FormatStreaming {
		t.Fatalf("expected streaming line, got %s", l.Format)
	}
	l, _ = c.ReadLine(context.Background(), time.Second)
	if l.Format != protocol.FormatTerminal {
		t.Fatalf("expected terminal line, got %s", l.Format)
	}
}

func TestConnReadLineTimeout(t *testing.T) {
	p := linktest.NewPort()
	c := newConn(t, p)
	start := time.Now()
	_, err := c.ReadLine(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, link.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if el := time.Since(start); el > 200*time.Millisecond {
		t.Fatalf("ReadLine blocked for %v", el)
	}
}

func TestConnReadLineCancelled(t *testing.T) {
	p := linktest.NewPort()
	c := newConn(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.ReadLine(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConnLinkLost(t *testing.T) {
	p := linktest.NewPort()
	c := newConn(t, p)
	p.FailReads(io.ErrUnexpectedEOF)
	_, err := c.ReadLine(context.Background(), time.Second)
	if !errors.Is(err, link.ErrLinkLost) {
		t.Fatalf("expected ErrLinkLost, got %v", err)
	}
}

func TestConnDrain(t *testing.T) {
	p := linktest.NewPort()
	c := newConn(t, p)
	p.Feed("garbage\r\nmore\r\npartial")
	lines, err := c.Drain(context.Background(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(lines) != 3 || lines[2].Text != "partial" {
		t.Fatalf("unexpected drained lines %+v", lines)
	}
	if _, err := c.ReadLine(context.Background(), 20*time.Millisecond); !errors.Is(err, link.ErrTimeout) {
		t.Fatalf("expected empty queue after drain, got %v", err)
	}
}

func TestWakeConfirmed(t *testing.T) {
	p := linktest.NewPort()
	s := linktest.NewSensor("4117B", "2378")
	s.Attach(p)
	c := newConn(t, p)

	res, err := link.Wake(context.Background(), c, linktest.Timing())
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if !res.Confirmed {
		t.Fatal("expected ready indicator")
	}
	if got := p.Written(); got != "\r\n\r\n\r\n%" {
		t.Fatalf("unexpected wake bytes %q", got)
	}
}

func TestWakeBoundedWithoutReady(t *testing.T) {
	p := linktest.NewPort()
	c := newConn(t, p)
	p.Feed("4117\t2378\t1013.2\t9.8\r\n")

	tm := linktest.Timing()
	start := time.Now()
	res, err := link.Wake(context.Background(), c, tm)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if res.Confirmed {
		t.Fatal("nothing sent '!' but handshake was confirmed")
	}
	limit := tm.WakeBudget() + tm.ReadQuantum + 100*time.Millisecond
	if elapsed > limit {
		t.Fatalf("wake took %v, budget %v", elapsed, limit)
	}

	// Bytes seen during the handshake stay available.
	l, err := c.ReadLine(context.Background(), 50*time.Millisecond)
	if err != nil || l.Format != protocol.FormatStreaming {
		t.Fatalf("expected the queued frame, got %q (%v)", l.Text, err)
	}
}

func TestDriverDiscardsMismatchedKey(t *testing.T) {
	p := linktest.NewPort()
	p.OnWrite = func(p *linktest.Port, data []byte) {
		if strings.Contains(string(data), "$GET SerialNumber") {
			p.Feed("ProductName: 4117B\r\n4117\t2378\t1013.2\t9.8\r\nSerialNumber: 2378\r\n")
		}
	}
	c := newConn(t, p)
	d := newDriver(c, protocol.DialectFW2)
	var noise []string
	d.OnNoise(func(l protocol.Line) { noise = append(noise, l.Text) })

	v, err := d.Get(context.Background(), "SerialNumber")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "2378" {
		t.Fatalf("expected 2378, got %q", v)
	}
	if len(noise) != 2 {
		t.Fatalf("expected 2 discarded lines, got %v", noise)
	}
}

func TestDriverMismatchOnlyTimesOut(t *testing.T) {
	p := linktest.NewPort()
	p.OnWrite = func(p *linktest.Port, data []byte) {
		p.Feed("ProductName: 4117B\r\n")
	}
	c := newConn(t, p)
	d := newDriver(c, protocol.DialectFW2)
	_, err := d.Get(context.Background(), "SerialNumber")
	if !errors.Is(err, link.ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
}

func TestDriverRetriesOnTimeout(t *testing.T) {
	p := linktest.NewPort()
	c := newConn(t, p)
	d := newDriver(c, protocol.DialectFW2)

	_, err := d.Get(context.Background(), "Interval")
	if !errors.Is(err, link.ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
	cmds := p.Commands()
	if len(cmds) != 2 || cmds[0] != "$GET Interval" || cmds[1] != "$GET Interval" {
		t.Fatalf("expected one retry, got %q", cmds)
	}
}

func TestDriverRejected(t *testing.T) {
	p := linktest.NewPort()
	s := linktest.NewSensor("4117B", "2378")
	s.Attach(p)
	c := newConn(t, p)
	d := newDriver(c, protocol.DialectFW2)

	_, err := d.Get(context.Background(), "NoSuchProperty")
	if !errors.Is(err, link.ErrCommandRejected) {
		t.Fatalf("expected ErrCommandRejected, got %v", err)
	}
	if n := len(p.Commands()); n != 1 {
		t.Fatalf("rejections must not be retried, sent %d commands", n)
	}
}

func TestDriverSetAndSave(t *testing.T) {
	p := linktest.NewPort()
	s := linktest.NewSensor("4330F", "1234")
	s.Dialect = protocol.DialectFW3
	s.Attach(p)
	c := newConn(t, p)
	d := newDriver(c, protocol.DialectFW3)

	res, err := d.Set(context.Background(), "Interval", "30")
	if err != nil || !res.Acked {
		t.Fatalf("Set: acked=%v err=%v", res.Acked, err)
	}
	if s.Prop("Interval") != "30" {
		t.Fatalf("sensor interval is %q", s.Prop("Interval"))
	}
	res, err = d.Request(context.Background(), protocol.Save())
	if err != nil || !res.Acked {
		t.Fatalf("Save: acked=%v err=%v", res.Acked, err)
	}
	if saves, _, _ := s.Counts(); saves != 1 {
		t.Fatalf("expected 1 save, got %d", saves)
	}
}

func TestDriverFireAndForgetSilence(t *testing.T) {
	p := linktest.NewPort()
	c := newConn(t, p)
	d := newDriver(c, protocol.DialectFW2)
	res, err := d.Request(context.Background(), protocol.Reset())
	if err != nil {
		t.Fatalf("silence after RESET must not fail: %v", err)
	}
	if res.Acked {
		t.Fatal("no ack was sent")
	}
	if cmds := p.Commands(); len(cmds) != 1 || cmds[0] != "RESET" {
		t.Fatalf("fire-and-forget must not retry, got %q", cmds)
	}
}

func TestDriverDoBlock(t *testing.T) {
	p := linktest.NewPort()
	s := linktest.NewSensor("4330F", "1234")
	s.DoReply = "O2Concentration=245.1\r\nAirSaturation=95.2\r\nTemperature=12.3"
	s.Attach(p)
	c := newConn(t, p)
	d := newDriver(c, protocol.DialectFW2)

	res, err := d.Request(context.Background(), protocol.Do())
	if err != nil {
		t.Fatalf("DO: %v", err)
	}
	if len(res.Pairs) != 3 || res.Pairs[2].Key != "Temperature" {
		t.Fatalf("unexpected pairs %+v", res.Pairs)
	}
}

func TestDriverDoDataLine(t *testing.T) {
	p := linktest.NewPort()
	s := linktest.NewSensor("4117B", "2378")
	s.Dialect = protocol.DialectFW3
	s.DoReply = "4117B\t2378\t1013.2\t9.8"
	s.Attach(p)
	c := newConn(t, p)
	d := newDriver(c, protocol.DialectFW3)

	res, err := d.Request(context.Background(), protocol.Do())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(res.Data) != 1 || res.Data[0].Text != s.DoReply {
		t.Fatalf("expected the data line, got %+v", res.Data)
	}
}

func TestDetectStreaming(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := linktest.NewPort()
	s := linktest.NewSensor("5819C", "385")
	s.Attach(p)
	s.Stream(ctx, p, "5819C\t385\t52.5\t35.2\t15.2", 20*time.Millisecond)
	c := newConn(t, p)
	d := newDriver(c, protocol.DialectFW2)

	det, err := link.Detect(ctx, c, d, nil, linktest.Timing())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if det.Mode != link.ModeStreaming {
		t.Fatalf("expected streaming, got %s", det.Mode)
	}
	if det.Identity.ProductNumber != "5819C" || det.Identity.SerialNumber != "385" {
		t.Fatalf("unexpected identity %+v", det.Identity)
	}
	if len(det.Frames) == 0 {
		t.Fatal("expected the detected frames to be kept")
	}
}

func TestDetectTerminalFW2(t *testing.T) {
	p := linktest.NewPort()
	s := linktest.NewSensor("4117B", "2378")
	s.Attach(p)
	c := newConn(t, p)
	d := newDriver(c, protocol.DialectFW2)

	det, err := link.Detect(context.Background(), c, d, nil, linktest.Timing())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if det.Mode != link.ModeTerminal || det.Dialect != protocol.DialectFW2 {
		t.Fatalf("expected terminal/fw2, got %s/%s", det.Mode, det.Dialect)
	}
	if det.Identity.ProductNumber != "4117B" {
		t.Fatalf("expected product from probe, got %+v", det.Identity)
	}
}

func TestDetectTerminalFW3(t *testing.T) {
	p := linktest.NewPort()
	s := linktest.NewSensor("4330F", "1234")
	s.Dialect = protocol.DialectFW3
	s.Attach(p)
	c := newConn(t, p)
	d := newDriver(c, protocol.DialectFW2)

	det, err := link.Detect(context.Background(), c, d, nil, linktest.Timing())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if det.Mode != link.ModeTerminal || det.Dialect != protocol.DialectFW3 {
		t.Fatalf("expected terminal/fw3, got %s/%s", det.Mode, det.Dialect)
	}
	if d.Dialect() != protocol.DialectFW3 {
		t.Fatal("driver should be left on the dialect that answered")
	}
	if det.Identity.ProductNumber != "4330F" {
		t.Fatalf("unexpected identity %+v", det.Identity)
	}
}

func TestDetectUnrecognized(t *testing.T) {
	p := linktest.NewPort()
	c := newConn(t, p)
	d := newDriver(c, protocol.DialectFW2)
	tm := linktest.Timing()

	start := time.Now()
	det, err := link.Detect(context.Background(), c, d, nil, tm)
	if !errors.Is(err, link.ErrModeUndetermined) {
		t.Fatalf("expected ErrModeUndetermined, got %v", err)
	}
	if det.Mode != link.ModeUnrecognized {
		t.Fatalf("expected unrecognized, got %s", det.Mode)
	}
	if el := time.Since(start); el > tm.DetectWindow+200*time.Millisecond {
		t.Fatalf("detection exceeded its window: %v", el)
	}
	// HELP was among the probes.
	found := false
	for _, cmd := range p.Commands() {
		if cmd == "HELP" || cmd == "Help" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a HELP probe, sent %q", p.Commands())
	}
}
