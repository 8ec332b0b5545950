// Package server exposes the store read API, a websocket record stream and
// Prometheus metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sammy180/onion-logger/internal/config"
	"github.com/sammy180/onion-logger/internal/device"
	"github.com/sammy180/onion-logger/internal/metrics"
	"github.com/sammy180/onion-logger/internal/notify"
	"github.com/sammy180/onion-logger/internal/record"
	"github.com/sammy180/onion-logger/internal/store"
)

// Store is the read side of the record store.
type Store interface {
	LastForBox(ctx context.Context, boxID string) (*record.Record, error)
	LatestPerBox(ctx context.Context) ([]record.Record, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// MonitorLister reports device monitor status.
type MonitorLister interface {
	Snapshot() []device.Status
}

// Server serves the API and broadcasts records to WebSocket clients.
type Server struct {
	cfg      *config.Config
	store    Store
	monitors MonitorLister
	log      zerolog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Message is the JSON structure sent to all WebSocket clients.
type Message struct {
	Type    string             `json:"type"` // "snapshot", "record" or "stale"
	Record  *record.Record     `json:"record,omitempty"`
	Records []record.Record    `json:"records,omitempty"`
	Stale   *notify.StaleEvent `json:"stale,omitempty"`
	Stamp   int64              `json:"stamp"` // Unix ms
}

// New creates a new Server. monitors may be nil.
func New(cfg *config.Config, st Store, monitors MonitorLister, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		monitors: monitors,
		log:      log,
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	metrics.RegisterMetrics()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/api/boxes", s.handleBoxes)
	mux.HandleFunc("/api/monitors", s.handleMonitors)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	s.log.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Publish implements notify.Sink.
func (s *Server) Publish(rec record.Record) {
	s.broadcast(Message{Type: "record", Record: &rec, Stamp: time.Now().UnixMilli()})
}

// Stale implements notify.StaleSink.
func (s *Server) Stale(ev notify.StaleEvent) {
	s.broadcast(Message{Type: "stale", Stale: &ev, Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Queue the newest record of every box before registering, so it is
	// always the first message.
	snapshot := Message{Type: "snapshot", Stamp: time.Now().UnixMilli()}
	if latest, err := s.store.LatestPerBox(r.Context()); err == nil {
		snapshot.Records = latest
	} else {
		s.log.Warn().Err(err).Msg("ws snapshot failed")
	}
	if data, err := json.Marshal(snapshot); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Debug().Int("clients", n).Msg("ws client connected")

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; client messages are ignored)
	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debug().Int("clients", n).Msg("ws client disconnected")
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
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

// channelValue is the /api/latest reply when a single channel is requested.
type channelValue struct {
	ID         int64     `json:"id"`
	BoxID      string    `json:"boxId"`
	Channel    string    `json:"channel"`
	Value      *float64  `json:"value"` // null when the box sent no value
	CapturedAt time.Time `json:"capturedAt"`
}

// handleLatest serves the newest record of ?box=ID. An empty id is valid:
// frames without a box field are stored under it. With ?channel=NAME only
// that channel's value is returned.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	q := r.URL.Query()
	if !q.Has("box") {
		http.Error(w, "missing box parameter", http.StatusBadRequest)
		return
	}
	box := q.Get("box")

	var (
		ch     record.Channel
		single = q.Has("channel")
	)
	if single {
		var ok bool
		if ch, ok = record.ChannelByName(q.Get("channel")); !ok {
			http.Error(w, "unknown channel", http.StatusBadRequest)
			return
		}
	}

	rec, err := s.store.LastForBox(r.Context(), box)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "no records for box", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error().Err(err).Str("box", box).Msg("latest query failed")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !single {
		writeJSON(w, rec)
		return
	}

	out := channelValue{ID: rec.ID, BoxID: rec.BoxID, Channel: ch.String(), CapturedAt: rec.CapturedAt}
	if v, ok := rec.Get(ch); ok {
		out.Value = &v
	}
	writeJSON(w, out)
}

// boxSummary is one row of /api/boxes.
type boxSummary struct {
	record.Record
	AgeSeconds float64 `json:"ageSeconds"`
}

func (s *Server) handleBoxes(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	latest, err := s.store.LatestPerBox(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("boxes query failed")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	now := time.Now()
	out := make([]boxSummary, 0, len(latest))
	for _, rec := range latest {
		out = append(out, boxSummary{Record: rec, AgeSeconds: now.Sub(rec.CapturedAt).Seconds()})
	}
	writeJSON(w, out)
}

func (s *Server) handleMonitors(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	out := []device.Status{}
	if s.monitors != nil {
		out = s.monitors.Snapshot()
	}
	writeJSON(w, out)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	n, err := s.store.Count(r.Context())
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "records": n})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
