// Package server exposes a voice session to a browser or desktop UI over
// HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/capture"
	"github.com/normanking/cortexcompanion/internal/logging"
	"github.com/normanking/cortexcompanion/internal/transcript"
	"github.com/normanking/cortexcompanion/internal/voice"
)

const (
	writeWait      = 5 * time.Second
	commandTimeout = 5 * time.Second
	sendBuffer     = 64
	defaultLogs    = 100
)

// Controller is the part of the orchestrator the UI may drive.
type Controller interface {
	EnterSession(ctx context.Context) error
	ExitSession(ctx context.Context) error
	StartListening(ctx context.Context) error
	ToggleListening(ctx context.Context) error
	Stop(ctx context.Context) error
	Interrupt(ctx context.Context) error
	ClearTranscript(ctx context.Context) error
	State() voice.State
	Transcript() []transcript.Turn
}

// LogSource serves recent log entries to UI clients.
type LogSource interface {
	GetHistory(limit int) []logging.LogEntry
}

// Frame is a server-to-client message.
type Frame struct {
	Type  string         `json:"type"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

// ControlMessage is a client-to-server command.
type ControlMessage struct {
	Type string `json:"type"` // enter, exit, start, toggle, stop, interrupt, clear
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Server bridges bus events out to WebSocket clients and control frames
// back into the orchestrator. Binary frames are forwarded as PCM audio.
type Server struct {
	addr   string
	ctrl   Controller
	events *bus.EventBus
	audio  capture.AudioSink
	logs   LogSource
	logger zerolog.Logger

	upgrader websocket.Upgrader
	subs     []bus.Subscription

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// Options configures the server. Bus, Audio and Logs are optional.
type Options struct {
	Addr  string
	Bus   *bus.EventBus
	Audio capture.AudioSink
	Logs  LogSource
}

// New creates a server and subscribes it to the bus.
func New(ctrl Controller, opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		addr:   opts.Addr,
		ctrl:   ctrl,
		events: opts.Bus,
		audio:  opts.Audio,
		logs:   opts.Logs,
		logger: logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}

	if s.events != nil {
		s.subs = s.events.SubscribeMultiple(bus.AllEventTypes, func(e bus.Event) {
			s.Broadcast(Frame{Type: string(e.Type), Data: e.Data})
		})
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/transcript", s.handleTranscript)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("UI bridge listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close unsubscribes from the bus and disconnects all clients.
func (s *Server) Close() {
	if s.events != nil {
		s.events.Unsubscribe(s.subs...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.close()
		delete(s.clients, c)
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast queues a frame for every client. Slow clients drop frames
// rather than stall the caller.
func (s *Server) Broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error().Err(err).Str("type", frame.Type).Msg("Failed to encode frame")
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Warn().Str("type", frame.Type).Msg("Client send buffer full, dropping frame")
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	hello, _ := json.Marshal(Frame{Type: "hello", Data: map[string]any{
		"state":      s.ctrl.State(),
		"transcript": s.ctrl.Transcript(),
	}})
	c.send <- hello

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("Client connected")

	go s.writePump(c)
	s.readPump(r.Context(), c)

	s.mu.Lock()
	delete(s.clients, c)
	c.close()
	s.mu.Unlock()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("Client disconnected")
}

func (s *Server) writePump(c *client) {
	defer c.conn.Close()

	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug().Err(err).Msg("WebSocket write failed")
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) readPump(ctx context.Context, c *client) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("WebSocket read failed")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.forwardAudio(data)
		case websocket.TextMessage:
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.reply(c, Frame{Type: "error", Error: "invalid control message"})
				continue
			}
			if err := s.control(ctx, msg.Type); err != nil {
				s.reply(c, Frame{Type: "error", Data: map[string]any{"command": msg.Type}, Error: err.Error()})
			}
		}
	}
}

func (s *Server) forwardAudio(pcm []byte) {
	if s.audio == nil {
		return
	}
	if err := s.audio.SendAudio(pcm); err != nil && !errors.Is(err, capture.ErrClosed) {
		s.logger.Debug().Err(err).Msg("Dropping audio chunk")
	}
}

func (s *Server) control(ctx context.Context, command string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch command {
	case "enter":
		return s.ctrl.EnterSession(ctx)
	case "exit":
		return s.ctrl.ExitSession(ctx)
	case "start":
		return s.ctrl.StartListening(ctx)
	case "toggle":
		return s.ctrl.ToggleListening(ctx)
	case "stop":
		return s.ctrl.Stop(ctx)
	case "interrupt":
		return s.ctrl.Interrupt(ctx)
	case "clear":
		return s.ctrl.ClearTranscript(ctx)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (s *Server) reply(c *client, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctrl.Transcript())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctrl.State())
}

// handleLogs returns the most recent log entries, oldest first. The limit
// query parameter caps the count; 0 returns everything retained.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogs
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries := []logging.LogEntry{}
	if s.logs != nil {
		entries = append(entries, s.logs.GetHistory(limit)...)
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
