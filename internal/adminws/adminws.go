// Package adminws exposes a read-only HTTP+WebSocket observability feed
// (SPEC_FULL.md C6 addition): GET /admin/stats for a single snapshot, and
// GET /admin/ws for a live-pushed feed of the same snapshot. It posts no
// commands and holds no reference to the encoder, camera or sessions —
// it only renders whatever SnapshotFunc hands it.
//
// Modeled on internal/ws/handler.go and internal/ws/detection_hub.go's
// hub/readPump/pingPump shape, generalized from a per-camera detection
// feed to a single global stats feed.
package adminws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanternops/streamd/internal/commandbus"
	"github.com/lanternops/streamd/internal/controllers"
	"github.com/lanternops/streamd/internal/framebus"
)

// ConfigView is the JSON-friendly rendering of an active StreamConfig.
type ConfigView struct {
	Width      int `json:"width"`
	Height     int `json:"height"`
	BitrateBPS int `json:"bitrate_bps"`
	FPS        int `json:"fps"`
}

// SessionView is one viewer's per-session observability state.
type SessionView struct {
	SessionID     string `json:"session_id"`
	OverHighWater bool   `json:"over_high_water"`
}

// Snapshot is the full observability payload rendered to both endpoints.
type Snapshot struct {
	SessionCount    int              `json:"session_count"`
	Epoch           uint64           `json:"epoch"`
	ActiveConfig    ConfigView       `json:"active_config"`
	HaveActive      bool             `json:"have_active"`
	RecordingActive bool             `json:"recording_active"`
	Sessions        []SessionView    `json:"sessions"`
	FrameBus        framebus.Stats   `json:"frame_bus"`
	CommandBus      commandbus.Stats `json:"command_bus"`
	Controller      controllers.Stats `json:"controller"`
}

// SnapshotFunc produces the current Snapshot. Supplied by cmd/streamd,
// which is the only place with references to every component this
// reports on — adminws deliberately never imports internal/streamserver
// or internal/session to stay a pure rendering layer.
type SnapshotFunc func() Snapshot

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pushInterval = time.Second
	pingInterval = 30 * time.Second
	readDeadline = 60 * time.Second
	writeDeadline = 10 * time.Second
)

// Options configures a new Server.
type Options struct {
	Addr     string
	Enabled  bool
	Snapshot SnapshotFunc
	Logger   *log.Logger
}

// Server is the admin HTTP+WebSocket feed.
type Server struct {
	addr     string
	enabled  bool
	snapshot SnapshotFunc
	logger   *log.Logger

	httpServer *http.Server

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Server. If opts.Enabled is false, Serve is a no-op
// (the admin surface is disabled entirely, §6.2 admin_enabled).
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		addr:     opts.Addr,
		enabled:  opts.Enabled,
		snapshot: opts.Snapshot,
		logger:   logger,
		clients:  make(map[*websocket.Conn]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Serve starts the HTTP server and the broadcast ticker. It returns
// immediately; Close stops both. A no-op when the admin feed is disabled.
func (s *Server) Serve() error {
	if !s.enabled {
		close(s.doneCh)
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/admin/stats", s.handleStats)
	mux.HandleFunc("/admin/ws", s.handleWS)

	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}

	go s.broadcastLoop()

	s.logger.Printf("[adminws] listening on %s", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the admin server down.
func (s *Server) Close() error {
	if !s.enabled {
		return nil
	}
	close(s.stopCh)
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Close()
	}
	<-s.doneCh
	return err
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.logger.Printf("[adminws] encode stats: %v", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("[adminws] upgrade error: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	go s.readPump(conn)
}

// readPump keeps the connection's read side alive purely to detect
// disconnection; the admin feed never accepts client input.
func (s *Server) readPump(conn *websocket.Conn) {
	defer func() {
		s.unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) unregister(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
}

func (s *Server) broadcastLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.broadcast()
		}
	}
}

func (s *Server) broadcast() {
	s.mu.RLock()
	if len(s.clients) == 0 {
		s.mu.RUnlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	data, err := json.Marshal(s.snapshot())
	if err != nil {
		s.logger.Printf("[adminws] marshal snapshot: %v", err)
		return
	}

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.unregister(conn)
			conn.Close()
		}
	}
}
