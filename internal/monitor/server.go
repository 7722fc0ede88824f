// ABOUTME: Websocket server broadcasting session stats
// ABOUTME: Each subscriber gets a JSON report per interval over /monitor
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Resonate-Protocol/udptrip/pkg/session"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Path is the websocket endpoint
const Path = "/monitor"

const (
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// ServerConfig holds monitor server configuration
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8930"
	Addr     string
	Interval time.Duration
	// Source returns the stats to publish on every tick
	Source func() []session.Stats
	Logger *logrus.Entry
}

// Server publishes stats reports to websocket subscribers
type Server struct {
	config   ServerConfig
	upgrader websocket.Upgrader
	listener net.Listener
	log      *logrus.Entry

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	wg      sync.WaitGroup
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer binds the listen address
func NewServer(config ServerConfig) (*Server, error) {
	if config.Source == nil {
		return nil, errors.New("monitor source required")
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("prefix", "monitor")
	}

	l, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return nil, fmt.Errorf("monitor listen on %s: %w", config.Addr, err)
	}

	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			// read-only stats for local tooling
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		listener: l,
		log:      config.Logger,
		clients:  make(map[*subscriber]struct{}),
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Clients returns the number of connected subscribers
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Serve runs until ctx is cancelled
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWebSocket)
	httpServer := &http.Server{Handler: mux}

	s.log.WithField("addr", s.Addr().String()).Info("Monitor listening")

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errChan:
			serveErr = err
			break loop
		case <-ticker.C:
			s.broadcast()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("Monitor shutdown error")
	}

	// hijacked websocket connections are not closed by Shutdown
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	if serveErr != nil {
		return fmt.Errorf("monitor server failed: %w", serveErr)
	}
	return nil
}

func (s *Server) broadcast() {
	data, err := json.Marshal(newReport(s.config.Source()))
	if err != nil {
		s.log.WithError(err).Error("Error marshaling report")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// slow subscriber; it gets the next report
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade error")
		return
	}
	s.log.WithField("remote", r.RemoteAddr).Info("Monitor subscriber connected")

	c := &subscriber{conn: conn, send: make(chan []byte, 4)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writer(c)
	}()

	// subscribers only read; this loop notices the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Debug("Monitor subscriber read error")
			}
			break
		}
	}

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	close(c.send)
	conn.Close()
}

func (s *Server) writer(c *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.WithError(err).Debug("Error writing report")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}
