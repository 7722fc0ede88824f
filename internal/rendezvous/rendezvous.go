// ABOUTME: TCP rendezvous exchanging a client's UDP port for a server-assigned UDP port
// ABOUTME: Client Exchange and the Hub that assigns ports and spawns one worker per client
package rendezvous

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPort is the TCP port a hub listens on
	DefaultPort = 4464

	// DefaultFirstPort is the first UDP port a hub hands out
	DefaultFirstPort = 61002

	exchangeTimeout = 5 * time.Second
)

// ErrBadReply is returned when the hub answers with something other than a usable port
var ErrBadReply = errors.New("bad rendezvous reply")

// Exchange dials a hub, sends localPort and returns the UDP port assigned
// to this client
func Exchange(ctx context.Context, hubAddr string, localPort int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hubAddr)
	if err != nil {
		return 0, fmt.Errorf("failed to reach rendezvous hub %s: %w", hubAddr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := writePort(conn, localPort); err != nil {
		return 0, fmt.Errorf("failed to send local port: %w", err)
	}

	port, err := readPort(conn)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadReply, err)
	}
	if port <= 0 || port > 0xffff {
		return 0, fmt.Errorf("%w: port %d", ErrBadReply, port)
	}
	return port, nil
}

func writePort(w io.Writer, port int) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(int32(port)))
	_, err := w.Write(buf[:])
	return err
}

func readPort(r io.Reader) (int, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int(int32(binary.LittleEndian.Uint32(buf[:]))), nil
}

// Worker is the session a hub runs for one client
type Worker interface {
	// Run blocks until the worker ends or ctx is cancelled
	Run(ctx context.Context) error
}

// SpawnFunc creates the worker for a client reachable at peer that
// should bind the assigned UDP port
type SpawnFunc func(peer *net.UDPAddr, assignedPort int) (Worker, error)

// HubConfig holds hub configuration
type HubConfig struct {
	// Addr is the TCP listen address (default ":4464")
	Addr string

	// FirstPort is the first UDP port handed out (default: 61002)
	FirstPort int

	// MaxClients bounds concurrent workers (default: 16)
	MaxClients int

	Spawn SpawnFunc

	Logger *logrus.Entry
}

// Hub accepts rendezvous connections and runs a worker per client
type Hub struct {
	config   HubConfig
	listener net.Listener

	mu    sync.Mutex
	ports map[int]bool

	log *logrus.Entry
}

// NewHub starts listening for rendezvous connections
func NewHub(config HubConfig) (*Hub, error) {
	if config.Spawn == nil {
		return nil, errors.New("hub needs a spawn function")
	}
	if config.Addr == "" {
		config.Addr = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.FirstPort == 0 {
		config.FirstPort = DefaultFirstPort
	}
	if config.MaxClients == 0 {
		config.MaxClients = 16
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("prefix", "hub")
	}

	l, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", config.Addr, err)
	}

	return &Hub{
		config:   config,
		listener: l,
		ports:    make(map[int]bool),
		log:      config.Logger,
	}, nil
}

// Addr returns the listening address
func (h *Hub) Addr() net.Addr {
	return h.listener.Addr()
}

// Serve accepts clients until ctx is cancelled, then waits for every worker
func (h *Hub) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return h.listener.Close()
	})

	h.log.WithField("addr", h.listener.Addr().String()).Info("Rendezvous hub listening")

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			h.log.WithError(err).Warn("Accept failed")
			continue
		}

		worker, port, err := h.handshake(conn)
		conn.Close()
		if err != nil {
			h.log.WithError(err).Warn("Rendezvous failed")
			continue
		}

		g.Go(func() error {
			defer h.release(port)
			if err := worker.Run(ctx); err != nil {
				h.log.WithError(err).WithField("port", port).Warn("Worker ended with error")
			}
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// handshake reads the client's UDP port, spawns its worker and replies
// with the assigned port
func (h *Hub) handshake(conn net.Conn) (Worker, int, error) {
	conn.SetDeadline(time.Now().Add(exchangeTimeout))

	clientPort, err := readPort(conn)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read client port: %w", err)
	}
	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected remote address %v", conn.RemoteAddr())
	}

	port, err := h.claim()
	if err != nil {
		return nil, 0, err
	}

	peer := &net.UDPAddr{IP: remote.IP, Port: clientPort, Zone: remote.Zone}
	worker, err := h.config.Spawn(peer, port)
	if err != nil {
		h.release(port)
		return nil, 0, fmt.Errorf("failed to start worker on port %d: %w", port, err)
	}

	if err := writePort(conn, port); err != nil {
		h.release(port)
		return nil, 0, fmt.Errorf("failed to reply: %w", err)
	}

	h.log.WithFields(logrus.Fields{
		"client": peer.String(),
		"port":   port,
	}).Info("Client assigned")
	return worker, port, nil
}

// claim reserves the lowest free UDP port
func (h *Hub) claim() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.config.MaxClients; i++ {
		port := h.config.FirstPort + i
		if !h.ports[port] {
			h.ports[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("all %d client slots in use", h.config.MaxClients)
}

func (h *Hub) release(port int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.ports, port)
}

// Clients returns the number of active workers
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ports)
}
