package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thd32000/galileo-dash/internal/export"
	"github.com/thd32000/galileo-dash/internal/metrics"
	"github.com/thd32000/galileo-dash/internal/thd"
)

// Server is the presentation collaborator: it starts retrieval sessions,
// relays their progress to WebSocket clients, and serves history and
// configuration. It never talks the wire protocol itself.
type Server struct {
	cfg   *Config
	store *export.Store
	webFS fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader

	// At most one retrieval session may exist at a time; it owns the
	// serial link exclusively for its lifetime.
	sessMu     sync.Mutex
	session    *thd.Session
	cancelSess context.CancelFunc
	lastResult *ScanResult
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// ScanResult is the terminal outcome of one retrieval, for the API and the
// WebSocket push.
type ScanResult struct {
	SessionID string          `json:"sessionId"`
	Message   string          `json:"message"`
	Equipment string          `json:"equipment"`
	Tag       string          `json:"tag,omitempty"`
	File      string          `json:"file,omitempty"`
	Device    *thd.DeviceInfo `json:"device,omitempty"`
	Summary   *thd.Statistics `json:"summary,omitempty"`
	Records   thd.Series      `json:"records,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// wsFrame is the JSON structure sent to all WebSocket clients.
type wsFrame struct {
	Type     string        `json:"type"` // "progress" or "result"
	Progress *thd.Progress `json:"progress,omitempty"`
	Result   *ScanResult   `json:"result,omitempty"`
	Stamp    int64         `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, store *export.Store, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/scan", s.handleScan)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/cancel", s.handleCancel)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/history/list", s.handleHistoryList)
	mux.HandleFunc("/api/history/load/", s.handleHistoryLoad)
	mux.HandleFunc("/api/limits/", s.handleLimits)

	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		s.cancelActiveSession()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

// ----------------------------------------------------------------------------
// Retrieval orchestration
// ----------------------------------------------------------------------------

type scanRequest struct {
	Equipment string `json:"equipment"`
	Tag       string `json:"tag"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	var req scanRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request: "+err.Error(), 400)
			return
		}
	}
	if req.Equipment == "" {
		req.Equipment = "GENERICO"
	}

	sess, err := s.startSession(req)
	if err != nil {
		writeJSON(w, 409, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 202, sess.Progress())
}

// startSession creates and launches a retrieval session, enforcing the
// one-session-at-a-time rule.
func (s *Server) startSession(req scanRequest) (*thd.Session, error) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	if s.session != nil && !terminal(s.session) {
		return nil, thd.ErrSessionActive
	}

	cfg := s.sessionConfig(req.Equipment)
	cfg.OnProgress = func(p thd.Progress) {
		s.broadcast(wsFrame{Type: "progress", Progress: &p, Stamp: time.Now().UnixMilli()})
	}

	sess := thd.NewSession(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	s.session = sess
	s.cancelSess = cancel

	go func() {
		defer cancel()
		series, info, err := sess.Run(ctx)
		res := s.buildResult(sess, req, series, info, err)

		s.sessMu.Lock()
		s.lastResult = res
		s.sessMu.Unlock()

		s.broadcast(wsFrame{Type: "result", Result: res, Stamp: time.Now().UnixMilli()})
	}()
	return sess, nil
}

// sessionConfig maps the tool config onto one retrieval attempt. In
// simulation mode the session talks to an in-memory logger shaped for the
// selected equipment.
func (s *Server) sessionConfig(equipment string) thd.SessionConfig {
	dev := s.cfg.Device

	if dev.Simulation {
		n := dev.SimRecords
		if n == 0 {
			n = 100
		}
		demo := thd.NewDemoDevice(equipment, n)
		return thd.SessionConfig{
			Candidates: []thd.PortCandidate{demo.Candidate()},
			Opener:     demo.Opener(),
		}
	}

	// The configured/saved port is probed first: keeps the fast path
	// deterministic when several ports are present.
	var cands []thd.PortCandidate
	if dev.Port != "" {
		cands = append(cands, thd.PortCandidate{Name: dev.Port})
	}
	for _, c := range thd.ListCandidates() {
		if c.Name != dev.Port {
			cands = append(cands, c)
		}
	}

	var bauds []int
	if dev.BaudRate > 0 {
		bauds = append(bauds, dev.BaudRate)
		for _, b := range thd.DefaultBaudRates {
			if b != dev.BaudRate {
				bauds = append(bauds, b)
			}
		}
	}

	return thd.SessionConfig{
		Candidates:   cands,
		BaudRates:    bauds,
		ProbeTimeout: time.Duration(dev.ProbeTimeoutMs) * time.Millisecond,
	}
}

func (s *Server) buildResult(sess *thd.Session, req scanRequest, series thd.Series, info thd.DeviceInfo, err error) *ScanResult {
	res := &ScanResult{
		SessionID: sess.ID(),
		Equipment: req.Equipment,
		Tag:       req.Tag,
	}
	if err != nil {
		res.Error = err.Error()
		res.Message = "Retrieval failed: " + err.Error()
		return res
	}

	stats := thd.Stats(series)
	res.Device = &info
	res.Summary = &stats
	res.Records = series
	res.Message = fmt.Sprintf("Retrieved %d records from %s", len(series), info.Model)

	if len(series) > 0 {
		file, err := s.store.Save(series, export.Meta{
			Equipment: req.Equipment,
			Tag:       req.Tag,
			Session:   sess.ID(),
		})
		if err != nil {
			log.Printf("[server] history save failed: %v", err)
			res.Message += " (history save failed)"
		} else {
			res.File = file
			res.Message += ", saved to " + file
		}
	}
	return res
}

func (s *Server) cancelActiveSession() {
	s.sessMu.Lock()
	cancel := s.cancelSess
	s.sessMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func terminal(sess *thd.Session) bool {
	st := sess.Progress().State
	return st == thd.StateDone.String() || st == thd.StateFailed.String()
}

// ----------------------------------------------------------------------------
// HTTP handlers
// ----------------------------------------------------------------------------

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	cands := thd.ListCandidates()
	if cands == nil {
		cands = []thd.PortCandidate{}
	}
	writeJSON(w, 200, cands)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sessMu.Lock()
	sess := s.session
	res := s.lastResult
	s.sessMu.Unlock()

	out := map[string]interface{}{}
	if sess != nil {
		out["progress"] = sess.Progress()
	}
	if res != nil {
		out["result"] = res
	}
	writeJSON(w, 200, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.cancelActiveSession()
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.List()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, 200, names)
}

func (s *Server) handleHistoryLoad(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/history/load/")
	series, meta, err := s.store.Load(name)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	stats := thd.Stats(series)
	writeJSON(w, 200, map[string]interface{}{
		"records":   series,
		"equipment": meta.Equipment,
		"tag":       meta.Tag,
		"summary":   stats,
		"message":   "Loaded " + name,
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/limits/")
	limits, ok := s.cfg.Equipment[name]
	if !ok {
		writeJSON(w, 200, map[string]string{})
		return
	}
	writeJSON(w, 200, limits)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ----------------------------------------------------------------------------
// WebSocket hub
// ----------------------------------------------------------------------------

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()
	metrics.WSClients.Inc()

	log.Printf("[ws] client connected (%d total)", total)

	// Send the current session state so late joiners catch up.
	s.sessMu.Lock()
	sess := s.session
	res := s.lastResult
	s.sessMu.Unlock()
	if sess != nil {
		p := sess.Progress()
		if data, err := json.Marshal(wsFrame{Type: "progress", Progress: &p, Stamp: time.Now().UnixMilli()}); err == nil {
			client.send <- data
		}
	}
	if res != nil {
		if data, err := json.Marshal(wsFrame{Type: "result", Result: res, Stamp: time.Now().UnixMilli()}); err == nil {
			client.send <- data
		}
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; drops the client on error)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			metrics.WSClients.Dec()
			log.Printf("[ws] client disconnected (%d total)", total)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(frame wsFrame) {
	data, err := json.Marshal(frame)
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
