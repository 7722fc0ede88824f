// ABOUTME: Tests for the rendezvous port exchange
// ABOUTME: Covers the wire format, port assignment and release, and bad replies
package rendezvous

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingWorker struct {
	ran chan struct{}
}

func (w *blockingWorker) Run(ctx context.Context) error {
	close(w.ran)
	<-ctx.Done()
	return nil
}

func TestPortWireFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePort(&buf, 61002))
	assert.Equal(t, []byte{0x4a, 0xee, 0x00, 0x00}, buf.Bytes())

	port, err := readPort(&buf)
	require.NoError(t, err)
	assert.Equal(t, 61002, port)

	_, err = readPort(bytes.NewReader([]byte{1, 2}))
	assert.Error(t, err)
}

func startHub(t *testing.T, spawn SpawnFunc) (*Hub, context.CancelFunc) {
	t.Helper()
	hub, err := NewHub(HubConfig{Addr: "127.0.0.1:0", FirstPort: 40000, MaxClients: 2, Spawn: spawn})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("hub did not stop")
		}
	})
	return hub, cancel
}

func TestExchangeAssignsPorts(t *testing.T) {
	type spawned struct {
		peer *net.UDPAddr
		port int
	}
	calls := make(chan spawned, 4)
	workers := make(chan *blockingWorker, 4)

	hub, _ := startHub(t, func(peer *net.UDPAddr, port int) (Worker, error) {
		calls <- spawned{peer, port}
		w := &blockingWorker{ran: make(chan struct{})}
		workers <- w
		return w, nil
	})

	ctx := context.Background()
	port, err := Exchange(ctx, hub.Addr().String(), 5000)
	require.NoError(t, err)
	assert.Equal(t, 40000, port)

	call := <-calls
	assert.Equal(t, 5000, call.peer.Port)
	assert.True(t, call.peer.IP.IsLoopback())
	<-(<-workers).ran

	port, err = Exchange(ctx, hub.Addr().String(), 5001)
	require.NoError(t, err)
	assert.Equal(t, 40001, port)
	<-(<-workers).ran
	assert.Equal(t, 2, hub.Clients())

	// both slots in use: the hub drops the connection without a reply
	_, err = Exchange(ctx, hub.Addr().String(), 5002)
	assert.ErrorIs(t, err, ErrBadReply)
}

func TestSpawnFailureReleasesPort(t *testing.T) {
	fail := true
	hub, _ := startHub(t, func(peer *net.UDPAddr, port int) (Worker, error) {
		if fail {
			fail = false
			return nil, errors.New("bind failed")
		}
		return &blockingWorker{ran: make(chan struct{})}, nil
	})

	_, err := Exchange(context.Background(), hub.Addr().String(), 5000)
	assert.ErrorIs(t, err, ErrBadReply)

	port, err := Exchange(context.Background(), hub.Addr().String(), 5000)
	require.NoError(t, err)
	assert.Equal(t, 40000, port)
}

func TestExchangeRejectsBadPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		readPort(conn)
		writePort(conn, -7)
	}()

	_, err = Exchange(context.Background(), l.Addr().String(), 5000)
	assert.ErrorIs(t, err, ErrBadReply)
}

func TestExchangeUnreachableHub(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = Exchange(context.Background(), addr, 5000)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrBadReply)
}

func TestNewHubNeedsSpawn(t *testing.T) {
	_, err := NewHub(HubConfig{Addr: "127.0.0.1:0"})
	assert.Error(t, err)
}
