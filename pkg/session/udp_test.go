// ABOUTME: Client/server and ping-client sessions over loopback UDP sockets
// ABOUTME: Manual device ticks feed real transport goroutines on 127.0.0.1
package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/Resonate-Protocol/udptrip/internal/rendezvous"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer struct {
	s   *Session
	dev *device.Loopback
}

func startPeer(t *testing.T, config Config, opts device.LoopbackOptions) peer {
	t.Helper()
	opts.Manual = true
	dev, err := device.NewLoopback(stereo48k, opts)
	require.NoError(t, err)

	config.BindPort = EphemeralPort
	config.PollInterval = 10 * time.Millisecond
	s, err := New(config, dev)
	require.NoError(t, err)
	require.NoError(t, s.Configure())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	return peer{s: s, dev: dev}
}

// tickUntil drives the device until cond holds
func (p peer) tickUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		p.dev.Tick()
		return cond()
	}, 2*time.Second, time.Millisecond)
}

func TestClientServerOverUDP(t *testing.T) {
	connected := make(chan PeerInfo, 1)
	server := startPeer(t, Config{
		Role:        RoleServer,
		Redundancy:  2,
		OnConnected: func(p PeerInfo) { connected <- p },
	}, device.LoopbackOptions{Echo: true})
	assert.Equal(t, StateRunning, server.s.State())
	assert.Nil(t, server.s.Peer().Addr)

	client := startPeer(t, Config{
		Role:       RoleClient,
		PeerHost:   "127.0.0.1",
		PeerPort:   server.s.LocalAddr().Port,
		Redundancy: 2,
	}, device.LoopbackOptions{Source: device.NewToneSource(440, 48000, 2)})

	client.tickUntil(t, func() bool { return server.s.Stats().Receiver.Delivered > 0 })

	select {
	case info := <-connected:
		assert.Equal(t, client.s.LocalAddr().Port, info.Addr.Port)
		assert.Equal(t, 48000, info.Format.SampleRate)
	case <-time.After(time.Second):
		t.Fatal("server never reported its peer")
	}

	// the server replies from the port the client addressed
	server.tickUntil(t, func() bool { return client.s.Stats().Receiver.Delivered > 0 })
	assert.Zero(t, client.s.Stats().Receiver.Malformed)
	assert.NotZero(t, server.s.Stats().Sender.Sent)

	client.s.Stop()
	require.NoError(t, client.s.Wait())
	assert.Equal(t, StateStopped, client.s.State())

	require.NoError(t, server.s.Close())
	assert.Equal(t, StateStopped, server.s.State())
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer taken.Close()

	dev, err := device.NewLoopback(stereo48k, device.LoopbackOptions{Manual: true})
	require.NoError(t, err)
	s, err := New(Config{Role: RoleServer, BindPort: taken.LocalAddr().(*net.UDPAddr).Port}, dev)
	require.NoError(t, err)
	require.NoError(t, s.Configure())

	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.Error(t, s.Wait())
	s.Close()
}

func TestCancelledContextStopsSession(t *testing.T) {
	dev, err := device.NewLoopback(stereo48k, device.LoopbackOptions{Manual: true})
	require.NoError(t, err)
	s, err := New(Config{Role: RoleServer, BindPort: EphemeralPort, PollInterval: 10 * time.Millisecond}, dev)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, StateStopped, s.State())
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port
}

func TestPingClientThroughHub(t *testing.T) {
	echoes := make(chan *peer, 1)
	hub, err := rendezvous.NewHub(rendezvous.HubConfig{
		Addr:      "127.0.0.1:0",
		FirstPort: freeUDPPort(t),
		Spawn: func(client *net.UDPAddr, port int) (rendezvous.Worker, error) {
			dev, err := device.NewLoopback(stereo48k, device.LoopbackOptions{Echo: true, Manual: true})
			if err != nil {
				return nil, err
			}
			s, err := New(Config{
				Role:         RoleClient,
				PeerHost:     client.IP.String(),
				PeerPort:     client.Port,
				BindPort:     port,
				PollInterval: 10 * time.Millisecond,
			}, dev)
			if err != nil {
				return nil, err
			}
			echoes <- &peer{s: s, dev: dev}
			return s, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- hub.Serve(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-served)
	}()

	client := startPeer(t, Config{
		Role:       RolePingClient,
		PingServer: hub.Addr().String(),
	}, device.LoopbackOptions{Source: device.NewToneSource(440, 48000, 2)})

	var echo *peer
	select {
	case echo = <-echoes:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not spawn a worker")
	}

	assert.Equal(t, echo.s.config.BindPort, client.s.Peer().Addr.Port)
	require.Eventually(t, func() bool { return echo.s.State() == StateRunning }, time.Second, time.Millisecond)
	assert.Equal(t, 1, hub.Clients())

	client.tickUntil(t, func() bool { return echo.s.Stats().Receiver.Delivered > 0 })
	echo.tickUntil(t, func() bool { return client.s.Stats().Receiver.Delivered > 0 })
}
