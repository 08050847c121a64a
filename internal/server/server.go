package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shaunagostinho/aanderaa-reader/internal/link"
	"github.com/shaunagostinho/aanderaa-reader/internal/logger"
	"github.com/shaunagostinho/aanderaa-reader/internal/metrics"
	"github.com/shaunagostinho/aanderaa-reader/internal/sensor"
	"github.com/shaunagostinho/aanderaa-reader/internal/session"
	"github.com/sirupsen/logrus"
)

// Publisher receives every reading. publish.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, r session.Reading) error
	Close() error
}

// Deps are the pluggable parts of a Server. Zero values pick production
// defaults.
type Deps struct {
	Open      link.Opener // default link.OpenSerial
	Publisher Publisher   // nil disables fan-out
	Registry  *prometheus.Registry
	Log       *logrus.Logger
	Web       fs.FS // dashboard assets served at /; nil serves none
}

// Server supervises one session per configured sensor and pushes readings and
// state changes to WebSocket clients.
type Server struct {
	cfg       *Config
	open      link.Opener
	recorder  *logger.Recorder
	publisher Publisher
	metrics   *metrics.Collector
	registry  *prometheus.Registry
	webFS     fs.FS
	log       *logrus.Entry

	sessionsMu sync.RWMutex
	sessions   map[string]*session.Session

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	runCtx context.Context
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Message is the JSON structure sent to all WebSocket clients.
type Message struct {
	Type    string           `json:"type"` // "reading", "event" or "status"
	Reading *session.Reading `json:"reading,omitempty"`
	Event   *session.Event   `json:"event,omitempty"`
	Sensors []session.Status `json:"sensors,omitempty"`
	Stamp   int64            `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.Open == nil {
		deps.Open = link.OpenSerial
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
		deps.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	log := logrus.NewEntry(deps.Log)
	return &Server{
		cfg:       cfg,
		open:      deps.Open,
		recorder:  logger.New(cfg.Recorder, log),
		publisher: deps.Publisher,
		metrics:   metrics.New(deps.Registry),
		registry:  deps.Registry,
		webFS:     deps.Web,
		log:       log.WithField("component", "server"),
		sessions:  make(map[string]*session.Session),
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		runCtx: context.Background(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Status and config API
	mux.HandleFunc("/api/sensors", s.handleSensors)
	mux.HandleFunc("/api/config", s.handleConfig)

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	return mux
}

// Run starts one supervisor per sensor and, when a listen address is set,
// the HTTP server. It returns after ctx is cancelled and every session has
// released its port.
func (s *Server) Run(ctx context.Context) error {
	endpoints, err := s.cfg.Endpoints()
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		s.log.Warn("no sensors configured")
	}
	s.runCtx = ctx

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep sensor.Endpoint) {
			defer wg.Done()
			s.supervise(ctx, ep)
		}(ep)
	}

	var srvErr error
	addr := s.cfg.Server.ListenAddr
	if addr == "" {
		<-ctx.Done()
	} else {
		srv := &http.Server{
			Addr:    addr,
			Handler: s.Handler(),
		}
		go func() {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutCtx)
		}()

		s.log.Infof("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr = err
		}
	}

	wg.Wait()
	s.recorder.Close()
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.log.Debugf("publisher close: %v", err)
		}
	}
	return srvErr
}

// Statuses returns a snapshot of every session, sorted by name.
func (s *Server) Statuses() []session.Status {
	s.sessionsMu.RLock()
	out := make([]session.Status, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Status())
	}
	s.sessionsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func (s *Server) setSession(name string, sess *session.Session) {
	s.sessionsMu.Lock()
	s.sessions[name] = sess
	s.sessionsMu.Unlock()
}

// handleReading fans one reading out to every sink. It runs on the owning
// session's goroutine.
func (s *Server) handleReading(r session.Reading) {
	s.broadcast(Message{Type: "reading", Reading: &r, Stamp: time.Now().UnixMilli()})

	start := time.Now()
	if err := s.recorder.Record(r); err != nil {
		s.log.Warnf("[recorder] %v", err)
	}
	s.metrics.ObserveSink("csv", time.Since(start))

	if s.publisher != nil {
		ctx, cancel := context.WithTimeout(s.runCtx, 2*time.Second)
		start = time.Now()
		if err := s.publisher.Publish(ctx, r); err != nil {
			s.log.Warnf("[redis] %v", err)
		}
		cancel()
		s.metrics.ObserveSink("redis", time.Since(start))
	}
}

func (s *Server) handleEvent(e session.Event) {
	s.broadcast(Message{Type: "event", Event: &e, Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Send current status before registering so it arrives first
	status := Message{Type: "status", Sensors: s.Statuses(), Stamp: time.Now().UnixMilli()}
	if data, err := json.Marshal(status); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Infof("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Infof("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := json.Marshal(s.Statuses())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warnf("[config] save failed: %v", err)
		}
		// Recording can be toggled live; sensor changes apply on restart.
		s.cfg.mu.RLock()
		record := s.cfg.Recorder.Enabled
		s.cfg.mu.RUnlock()
		s.recorder.SetEnabled(record)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
