package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/link"
	"github.com/shaunagostinho/aanderaa-reader/internal/logger"
	"github.com/shaunagostinho/aanderaa-reader/internal/protocol"
	"github.com/shaunagostinho/aanderaa-reader/internal/publish"
	"github.com/shaunagostinho/aanderaa-reader/internal/sensor"
	"github.com/shaunagostinho/aanderaa-reader/internal/session"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	mu sync.RWMutex

	// One entry per serial port
	Sensors []SensorConfig `yaml:"sensors" json:"sensors"`

	// Link timing and read loop tuning
	Protocol ProtocolConfig `yaml:"protocol" json:"protocol"`

	// Application log
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// CSV recording of readings
	Recorder logger.Config `yaml:"recorder" json:"recorder"`

	// HTTP / WebSocket
	Server ServerConfig `yaml:"server" json:"server"`

	// Optional Redis fan-out
	Redis RedisConfig `yaml:"redis" json:"redis"`

	path string // file path for save/load
}

type SensorConfig struct {
	Name     string        `yaml:"name" json:"name"`
	Port     string        `yaml:"port" json:"port"` // e.g. /dev/ttyUSB0
	BaudRate int           `yaml:"baud_rate" json:"baudRate"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"` // per-line read timeout
	Type     string        `yaml:"type" json:"type"`       // "pressure", "oxygen", "conductivity" or "" to infer
	Dialect  string        `yaml:"dialect" json:"dialect"` // "auto", "fw2" or "fw3"

	// Applied once after every successful connect when set.
	Configure *ConfigureConfig `yaml:"configure,omitempty" json:"configure,omitempty"`
}

type ConfigureConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
	Reset    bool          `yaml:"reset" json:"reset"`
	Passkey  string        `yaml:"passkey,omitempty" json:"-"`
}

type ProtocolConfig struct {
	WakeBursts         int           `yaml:"wake_bursts" json:"wakeBursts"`
	WakeSpacing        time.Duration `yaml:"wake_spacing" json:"wakeSpacing"`
	WakeWait           time.Duration `yaml:"wake_wait" json:"wakeWait"`
	PassiveWindow      time.Duration `yaml:"passive_window" json:"passiveWindow"`
	DetectWindow       time.Duration `yaml:"detect_window" json:"detectWindow"`
	MinStreamingFrames int           `yaml:"min_streaming_frames" json:"minStreamingFrames"`
	CommandTimeout     time.Duration `yaml:"command_timeout" json:"commandTimeout"`
	CommandRetries     int           `yaml:"command_retries" json:"commandRetries"`
	SaveGrace          time.Duration `yaml:"save_grace" json:"saveGrace"`
	ResetGrace         time.Duration `yaml:"reset_grace" json:"resetGrace"`
	ResetSettle        time.Duration `yaml:"reset_settle" json:"resetSettle"`

	PollInterval     time.Duration `yaml:"poll_interval" json:"pollInterval"` // DO cadence in terminal mode
	NudgeAfter       int           `yaml:"nudge_after" json:"nudgeAfter"`     // silent reads
	PollAfter        int           `yaml:"poll_after" json:"pollAfter"`       // silent reads
	MaxReadTimeouts  int           `yaml:"max_read_timeouts" json:"maxReadTimeouts"`
	IdentifyAttempts int           `yaml:"identify_attempts" json:"identifyAttempts"`

	// Supervisor backoff between reconnect attempts
	ReconnectMin time.Duration `yaml:"reconnect_min" json:"reconnectMin"`
	ReconnectMax time.Duration `yaml:"reconnect_max" json:"reconnectMax"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format   string `yaml:"format" json:"format"` // "text" or "json"
	Output   string `yaml:"output" json:"output"` // "stdout" or "file"
	FilePath string `yaml:"file_path" json:"filePath"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"` // empty disables HTTP
}

type RedisConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Addr       string `yaml:"addr" json:"addr"`
	Password   string `yaml:"password" json:"-"`
	DB         int    `yaml:"db" json:"db"`
	PoolSize   int    `yaml:"pool_size" json:"poolSize"`
	Channel    string `yaml:"channel" json:"channel"`
	HistoryLen int64  `yaml:"history_len" json:"historyLen"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	t := link.DefaultTiming()
	return &Config{
		Protocol: ProtocolConfig{
			WakeBursts:         t.WakeBursts,
			WakeSpacing:        t.WakeSpacing,
			WakeWait:           t.WakeWait,
			PassiveWindow:      t.PassiveWindow,
			DetectWindow:       t.DetectWindow,
			MinStreamingFrames: t.MinStreamingFrames,
			CommandTimeout:     t.CommandTimeout,
			CommandRetries:     t.CommandRetries,
			SaveGrace:          t.SaveGrace,
			ResetGrace:         t.ResetGrace,
			ResetSettle:        t.ResetSettle,
			PollInterval:       10 * time.Second,
			NudgeAfter:         8,
			PollAfter:          25,
			MaxReadTimeouts:    300,
			IdentifyAttempts:   3,
			ReconnectMin:       time.Second,
			ReconnectMax:       60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Recorder: logger.Config{
			Enabled: false,
			Path:    "/var/log/aanderaa",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			Channel:    "aanderaa:readings",
			HistoryLen: 1000,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. A missing file yields defaults; a malformed one is an
// error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logrus.Infof("[config] no config at %s, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		logrus.Infof("[config] loaded from %s", path)
	}

	// .env next to the config file first, then the working directory.
	for _, envPath := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(envPath)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// loadEnvFile exports KEY=VALUE lines from path. A variable that already has
// a non-empty value in the environment is left alone.
func loadEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	logrus.Infof("[config] loading .env from %s", path)

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		if os.Getenv(key) != "" {
			continue
		}
		os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: AANDERAA_LISTEN_ADDR, AANDERAA_LOG_LEVEL, AANDERAA_LOG_FORMAT,
// AANDERAA_REDIS_ADDR, AANDERAA_REDIS_PASSWORD, AANDERAA_RECORD,
// AANDERAA_RECORD_PATH, AANDERAA_POLL_INTERVAL
func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv("AANDERAA_LISTEN_ADDR"); ok {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("AANDERAA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AANDERAA_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("AANDERAA_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("AANDERAA_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("AANDERAA_RECORD"); v != "" {
		c.Recorder.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("AANDERAA_RECORD_PATH"); v != "" {
		c.Recorder.Path = v
	}
	if v := os.Getenv("AANDERAA_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Protocol.PollInterval = d
		} else if n, err := strconv.Atoi(v); err == nil {
			c.Protocol.PollInterval = time.Duration(n) * time.Second
		}
	}
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// SetPath changes where Save writes.
func (c *Config) SetPath(p string) {
	c.mu.Lock()
	c.path = p
	c.mu.Unlock()
}

// Validate checks the sensor list and enumerations.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	names := map[string]bool{}
	ports := map[string]bool{}
	for i, s := range c.Sensors {
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("sensors[%d]", i)
		}
		if s.Port == "" {
			errs = append(errs, fmt.Errorf("%s: port is required", label))
		} else if ports[s.Port] {
			errs = append(errs, fmt.Errorf("%s: port %s used twice", label, s.Port))
		}
		ports[s.Port] = true
		if s.Name != "" {
			if names[s.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate name", label))
			}
			names[s.Name] = true
		}
		if s.BaudRate < 0 {
			errs = append(errs, fmt.Errorf("%s: baud rate %d", label, s.BaudRate))
		}
		if _, err := sensor.ParseType(s.Type); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
		if _, err := protocol.ParseDialects(s.Dialect); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
		if s.Configure != nil && s.Configure.Interval <= 0 {
			errs = append(errs, fmt.Errorf("%s: configure.interval must be positive", label))
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis: addr is required when enabled"))
	}
	return errors.Join(errs...)
}

// Endpoints converts the sensor list for the session layer.
func (c *Config) Endpoints() ([]sensor.Endpoint, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]sensor.Endpoint, 0, len(c.Sensors))
	for _, s := range c.Sensors {
		t, _ := sensor.ParseType(s.Type)
		baud := s.BaudRate
		if baud == 0 {
			baud = 9600
		}
		out = append(out, sensor.Endpoint{
			Name:     s.Name,
			Port:     s.Port,
			BaudRate: baud,
			Timeout:  s.Timeout,
			Type:     t,
			Dialect:  s.Dialect,
		})
	}
	return out, nil
}

// ConfigRequest returns the configuration to apply to the named sensor after
// connect, if any.
func (c *Config) ConfigRequest(name string) (protocol.ConfigRequest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.Sensors {
		if (s.Name == name || s.Port == name) && s.Configure != nil {
			return protocol.ConfigRequest{
				Interval: s.Configure.Interval,
				Reset:    s.Configure.Reset,
				Passkey:  s.Configure.Passkey,
			}, true
		}
	}
	return protocol.ConfigRequest{}, false
}

// Timing converts the protocol section for the link layer.
func (c *Config) Timing() link.Timing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.Protocol
	return link.Timing{
		WakeBursts:         p.WakeBursts,
		WakeSpacing:        p.WakeSpacing,
		WakeWait:           p.WakeWait,
		PassiveWindow:      p.PassiveWindow,
		DetectWindow:       p.DetectWindow,
		MinStreamingFrames: p.MinStreamingFrames,
		CommandTimeout:     p.CommandTimeout,
		CommandRetries:     p.CommandRetries,
		SaveGrace:          p.SaveGrace,
		ResetGrace:         p.ResetGrace,
		ResetSettle:        p.ResetSettle,
	}.Normalize()
}

// SessionOptions fills the tuning fields of session.Options. Callers add the
// logger, observer and event hook.
func (c *Config) SessionOptions() session.Options {
	t := c.Timing()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return session.Options{
		Timing:           t,
		PollInterval:     c.Protocol.PollInterval,
		NudgeAfter:       c.Protocol.NudgeAfter,
		PollAfter:        c.Protocol.PollAfter,
		MaxReadTimeouts:  c.Protocol.MaxReadTimeouts,
		IdentifyAttempts: c.Protocol.IdentifyAttempts,
	}
}

// PublishConfig converts the redis section.
func (c *Config) PublishConfig() publish.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return publish.Config{
		Addr:       c.Redis.Addr,
		Password:   c.Redis.Password,
		DB:         c.Redis.DB,
		PoolSize:   c.Redis.PoolSize,
		Channel:    c.Redis.Channel,
		HistoryLen: c.Redis.HistoryLen,
	}
}

// UpsertSensor replaces the entry with the same port or appends a new one.
// Used by "identify -write".
func (c *Config) UpsertSensor(s SensorConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Sensors {
		if c.Sensors[i].Port == s.Port {
			if s.Configure == nil {
				s.Configure = c.Sensors[i].Configure
			}
			c.Sensors[i] = s
			return
		}
	}
	c.Sensors = append(c.Sensors, s)
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = "/etc/aanderaa/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON merges a partial JSON document into the config. Keys absent
// from data keep their values; nested objects merge key by key.
func (c *Config) UpdateFromJSON(data []byte) error {
	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("config patch: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cur, err := asMap(c)
	if err != nil {
		return fmt.Errorf("config patch: %w", err)
	}
	merged, err := json.Marshal(overlay(cur, patch))
	if err != nil {
		return fmt.Errorf("config patch: %w", err)
	}
	return json.Unmarshal(merged, c)
}

func asMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	err = json.Unmarshal(b, &m)
	return m, err
}

// overlay writes patch onto base and returns base. Objects present on both
// sides are merged recursively; anything else is replaced.
func overlay(base, patch map[string]any) map[string]any {
	for k, pv := range patch {
		pm, pObj := pv.(map[string]any)
		bm, bObj := base[k].(map[string]any)
		if pObj && bObj {
			base[k] = overlay(bm, pm)
			continue
		}
		base[k] = pv
	}
	return base
}
