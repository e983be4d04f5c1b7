// Package server serves capture status over HTTP and pushes written frames
// to websocket clients.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"evolve-car-go/internal/types"
)

//go:embed web/*
var webFS embed.FS

type Options struct {
	Port int
	// ConfigFn returns the static session description served on /config
	// and sent to each websocket client on connect.
	ConfigFn   func() map[string]any
	StatusFn   func() map[string]any
	SnapshotFn func() types.UISnapshot
}

type Server struct {
	upgrader websocket.Upgrader
	opts     Options

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(opts Options) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:    opts,
		clients: make(map[*client]struct{}),
	}
}

func (s *Server) Handler() (http.Handler, error) {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(sub)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/status", s.handleStatus)
	return mux, nil
}

// Run serves until ctx is done and fans events out to websocket clients.
func Run(ctx context.Context, opts Options, events <-chan types.FrameEvent) error {
	srv := New(opts)
	handler, err := srv.Handler()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		srv.closeClients()
	}()

	go srv.Broadcast(ctx, events)

	log.Info().Int("port", opts.Port).Msg("status server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newClient(conn, clientQueue)

	hello := map[string]any{"type": "config"}
	if s.opts.ConfigFn != nil {
		for k, v := range s.opts.ConfigFn() {
			hello[k] = v
		}
	}
	s.reply(c, hello)

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writeLoop()
	go s.readLoop(c)
}

// readLoop handles client requests until the connection fails.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c)

	c.conn.SetReadLimit(64 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.reply(c, requestError{Type: "error", Message: "malformed request"})
			continue
		}
		switch req.Type {
		case RequestSnapshot:
			if s.opts.SnapshotFn == nil {
				continue
			}
			s.reply(c, s.filteredSnapshot(c))
		case RequestSubscribe:
			s.reply(c, subscribed{Type: "subscribed", Tags: c.subscribe(req.Tags)})
		default:
			s.reply(c, requestError{Type: "error", Message: "unknown request " + strconv.Quote(req.Type)})
		}
	}
}

func (s *Server) filteredSnapshot(c *client) types.UISnapshot {
	snapshot := s.opts.SnapshotFn()
	latest := make(map[string]types.FrameRecord, len(snapshot.Latest))
	for tag, record := range snapshot.Latest {
		if c.wants(tag) {
			latest[tag] = record
		}
	}
	snapshot.Latest = latest
	return snapshot
}

func (s *Server) reply(c *client, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{}
	if s.opts.ConfigFn != nil {
		payload = s.opts.ConfigFn()
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{}
	if s.opts.StatusFn != nil {
		payload = s.opts.StatusFn()
	}
	payload["ws_clients"] = s.clientCount()
	_ = json.NewEncoder(w).Encode(payload)
}

// Broadcast sends each event to the clients subscribed to its tag until ctx
// is done or events is closed.
func (s *Server) Broadcast(ctx context.Context, events <-chan types.FrameEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			var slow []*client
			s.mu.Lock()
			for c := range s.clients {
				if !c.wants(event.Record.Tag) {
					continue
				}
				if !c.enqueue(payload) {
					slow = append(slow, c)
				}
			}
			s.mu.Unlock()
			for _, c := range slow {
				log.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("websocket client too slow; disconnected")
				s.removeClient(c)
			}
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
