// Package logger records readings to rotating CSV files.
package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/session"
	"github.com/sirupsen/logrus"
)

// Config holds recorder configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"` // minimum gap per sensor; 0 records everything
	MaxRows    int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultDir     = "/var/log/aanderaa"
	defaultMaxRows = 100_000
	segmentLayout  = "2006-01-02_150405.000"
)

var columns = []string{
	"timestamp", "run_id", "sensor", "port",
	"product", "serial", "type", "seq",
	"quantity", "value", "unit",
}

// Recorder writes one CSV row per measurement. A new segment file is started
// once the current one would exceed MaxRows.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	gap     time.Duration
	enabled bool
	maxRows int
	log     *logrus.Entry

	seg     *os.File
	w       *csv.Writer
	segRows int
	lastAt  map[string]time.Time // by endpoint
}

// New returns a Recorder. Nothing touches the disk until the first reading.
func New(cfg Config, log *logrus.Entry) *Recorder {
	if cfg.Path == "" {
		cfg.Path = defaultDir
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Recorder{
		dir:     cfg.Path,
		gap:     time.Duration(cfg.IntervalMs) * time.Millisecond,
		enabled: cfg.Enabled,
		maxRows: cfg.MaxRows,
		log:     log.WithField("component", "recorder"),
		lastAt:  make(map[string]time.Time),
	}
}

// SetEnabled toggles recording at runtime. Disabling closes the open segment.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeSegment()
	}
}

func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record writes rd unless its sensor was recorded less than the configured
// gap ago. Safe for concurrent use by several sessions.
func (r *Recorder) Record(rd session.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || len(rd.Measurements) == 0 {
		return nil
	}
	if last, seen := r.lastAt[rd.Endpoint]; seen && r.gap > 0 && rd.At.Sub(last) < r.gap {
		return nil
	}
	r.lastAt[rd.Endpoint] = rd.At

	if r.w == nil || r.segRows+len(rd.Measurements) > r.maxRows {
		if err := r.openSegment(time.Now()); err != nil {
			return fmt.Errorf("recorder: %w", err)
		}
	}
	for _, row := range rows(rd) {
		if err := r.w.Write(row); err != nil {
			return fmt.Errorf("recorder: write: %w", err)
		}
		r.segRows++
	}
	r.w.Flush()
	return r.w.Error()
}

// Close flushes and closes the open segment.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeSegment()
}

func (r *Recorder) openSegment(now time.Time) error {
	r.closeSegment()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}
	path := filepath.Join(r.dir, "aanderaa_"+now.Format(segmentLayout)+".csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.seg, r.w, r.segRows = f, csv.NewWriter(f), 0
	if err := r.w.Write(columns); err != nil {
		return err
	}
	r.w.Flush()
	r.log.Infof("recording to %s", path)
	return nil
}

func (r *Recorder) closeSegment() {
	if r.w != nil {
		r.w.Flush()
		r.w = nil
	}
	if r.seg != nil {
		if err := r.seg.Close(); err != nil {
			r.log.Debugf("close segment: %v", err)
		}
		r.seg = nil
	}
}

func rows(rd session.Reading) [][]string {
	out := make([][]string, 0, len(rd.Measurements))
	seq := strconv.FormatUint(rd.Seq, 10)
	for _, m := range rd.Measurements {
		at := m.Timestamp
		if at.IsZero() {
			at = rd.At
		}
		out = append(out, []string{
			at.UTC().Format(time.RFC3339Nano),
			rd.RunID,
			rd.Endpoint,
			rd.Port,
			rd.Identity.ProductNumber,
			rd.Identity.SerialNumber,
			string(rd.Type),
			seq,
			m.Quantity,
			strconv.FormatFloat(m.Value, 'f', -1, 64),
			m.Unit,
		})
	}
	return out
}
