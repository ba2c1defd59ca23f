package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/olr-bridge/internal/bridge"
	"github.com/shaunagostinho/olr-bridge/internal/link"
	"github.com/shaunagostinho/olr-bridge/internal/protocol"
	"github.com/shaunagostinho/olr-bridge/internal/race"
	"github.com/shaunagostinho/olr-bridge/internal/recorder"
	"github.com/shaunagostinho/olr-bridge/internal/relay"
)

// Server exposes the bridge over HTTP and pushes race state to WebSocket
// clients.
type Server struct {
	cfg    *Config
	bridge *bridge.Bridge
	rec    *recorder.Recorder
	relay  *relay.Relay
	webFS  fs.FS
	ports  func() ([]link.PortInfo, error)

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Cars   []CarView             `json:"cars,omitempty"`
	Status *StatusView           `json:"status,omitempty"`
	Speed  *protocol.SpeedConfig `json:"speed,omitempty"`
	Log    *LogEntry             `json:"log,omitempty"`
	Stamp  int64                 `json:"stamp"` // Unix ms
}

// CarView is one row of the car table as the dashboard shows it.
type CarView struct {
	Car      int    `json:"car"` // 1-based
	HasData  bool   `json:"hasData"`
	Lap      int    `json:"lap"`
	Position int    `json:"position"`
	Battery  int    `json:"battery"`
	Time     string `json:"time"`
	Best     string `json:"best"`
}

// StatusView is the body of GET /api/status.
type StatusView struct {
	Connected bool    `json:"connected"`
	Port      *string `json:"port"`
	Polling   bool    `json:"polling"`
	LastError string  `json:"lastError,omitempty"`
	Samples   int64   `json:"samples"`
	Lines     int64   `json:"lines"`
	Recording bool    `json:"recording"`
	Dropped   int64   `json:"relayDropped,omitempty"`
	Clients   int     `json:"clients"`
	Timestamp float64 `json:"timestamp"`
}

// LogEntry is one device line pushed to the browser log.
type LogEntry struct {
	Line  string `json:"line"`
	Stamp int64  `json:"stamp"`
}

// New creates a new Server. rec may be nil when recording is not wired.
func New(cfg *Config, b *bridge.Bridge, rec *recorder.Recorder, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		bridge:  b,
		rec:     rec,
		webFS:   webFS,
		ports:   link.ListPorts,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// AttachRelay adds the MQTT relay's drop counter to the status view.
func (s *Server) AttachRelay(r *relay.Relay) { s.relay = r }

// Run starts the HTTP server and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.routes(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/config/apply", s.handleConfigApply)
	mux.HandleFunc("/api/test", s.handleTest)
	mux.HandleFunc("/api/test/cars", s.handleTestCars)
	mux.HandleFunc("/api/cars", s.handleCars)
	mux.HandleFunc("/api/track", s.handleTrack)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/recording", s.handleRecording)
	return mux
}

// Telemetry is a no-op; the car table goes out on the broadcast tick.
func (s *Server) Telemetry(protocol.Sample) {}

// Line pushes a device line to every browser straight away.
func (s *Server) Line(line string) {
	s.broadcast(Frame{
		Log:   &LogEntry{Line: line, Stamp: time.Now().UnixMilli()},
		Stamp: time.Now().UnixMilli(),
	})
}

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
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Initial state so the page renders before the first tick
	speed := s.cfg.SpeedConfig()
	first := s.stateFrame()
	first.Speed = &speed
	if data, err := json.Marshal(first); err == nil {
		client.send <- data
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

	// Reader goroutine (keep-alive, detects close)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// broadcastLoop pushes the car table and status at broadcast_hz while
// anyone is watching.
func (s *Server) broadcastLoop(ctx context.Context) {
	hz := s.cfg.Server.BroadcastHz
	if hz <= 0 {
		hz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.clientCount() == 0 {
				continue
			}
			s.broadcast(s.stateFrame())
		}
	}
}

func (s *Server) stateFrame() Frame {
	st := s.status()
	return Frame{
		Cars:   carViews(s.bridge.Cars()),
		Status: &st,
		Stamp:  time.Now().UnixMilli(),
	}
}

func (s *Server) status() StatusView {
	st := s.bridge.Status()
	view := StatusView{
		Connected: st.Connected,
		Polling:   st.Polling,
		LastError: st.LastError,
		Samples:   st.Samples,
		Lines:     st.Lines,
		Clients:   s.clientCount(),
		Timestamp: unixSeconds(time.Now()),
	}
	if st.Connected {
		port := st.Port
		view.Port = &port
	}
	if s.rec != nil {
		view.Recording = s.rec.IsEnabled()
	}
	if s.relay != nil {
		view.Dropped = s.relay.Dropped()
	}
	return view
}

func carViews(cars [protocol.NumCars]race.CarState) []CarView {
	out := make([]CarView, len(cars))
	for i, c := range cars {
		out[i] = carView(i, c)
	}
	return out
}

func carView(index int, c race.CarState) CarView {
	return CarView{
		Car:      index + 1,
		HasData:  c.HasData,
		Lap:      c.Lap,
		Position: c.Position,
		Battery:  c.Battery,
		Time:     c.TimeText(),
		Best:     c.BestText(),
	}
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) broadcast(frame Frame) {
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

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
