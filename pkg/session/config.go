// ABOUTME: Session roles, resampling modes and configuration defaults
// ABOUTME: Validates a Config against the audio device before a session is configured
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Resonate-Protocol/udptrip/internal/clock"
	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"github.com/Resonate-Protocol/udptrip/pkg/protocol"
	"github.com/Resonate-Protocol/udptrip/pkg/ringbuffer"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPort is the UDP port peers bind and address by default
	DefaultPort = 4464

	// EphemeralPort as BindPort lets the system pick a free port
	EphemeralPort = -1
)

// ErrInvalidConfig is returned for configuration a session cannot run with
var ErrInvalidConfig = errors.New("invalid session configuration")

// Role selects how a session finds its peer
type Role int

const (
	// RoleClient sends to a known peer address
	RoleClient Role = iota
	// RoleServer learns its peer from the first datagram
	RoleServer
	// RolePingClient asks a rendezvous hub for the port to send to
	RolePingClient
	// RolePingServer runs a rendezvous hub; it is not a session role
	RolePingServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	case RolePingClient:
		return "ping-client"
	case RolePingServer:
		return "ping-server"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole converts a role name to a Role
func ParseRole(name string) (Role, error) {
	switch strings.ToLower(name) {
	case "client", "c":
		return RoleClient, nil
	case "server", "s":
		return RoleServer, nil
	case "ping-client", "pingclient", "pc":
		return RolePingClient, nil
	case "ping-server", "pingserver", "ps":
		return RolePingServer, nil
	}
	return 0, fmt.Errorf("%w: unknown role %q", ErrInvalidConfig, name)
}

// ResamplingMode selects how the peer rate is converted to the local rate
type ResamplingMode int

const (
	// ResampleUniform uses the nominal rate ratio
	ResampleUniform ResamplingMode = iota
	// ResampleAdaptive derives the ratio from measured callback and
	// packet periods and steers the receive buffer toward half full
	ResampleAdaptive
)

func (m ResamplingMode) String() string {
	if m == ResampleAdaptive {
		return "adaptive"
	}
	return "uniform"
}

// ParseResamplingMode converts a mode name to a ResamplingMode
func ParseResamplingMode(name string) (ResamplingMode, error) {
	switch strings.ToLower(name) {
	case "", "uniform", "fixed":
		return ResampleUniform, nil
	case "adaptive":
		return ResampleAdaptive, nil
	}
	return 0, fmt.Errorf("%w: unknown resampling mode %q", ErrInvalidConfig, name)
}

// Config holds session configuration
type Config struct {
	Role Role

	// PeerHost is the peer's host name or address (client roles)
	PeerHost string

	// PeerPort is the peer's UDP port (default: 4464)
	PeerPort int

	// BindPort is the local receive port (default: 4464, or EphemeralPort)
	BindPort int

	// SenderBindPort gives the sender its own socket. 0 or BindPort
	// sends from the receive socket.
	SenderBindPort int

	// PingServer is the rendezvous hub host:port (ping-client role)
	PingServer string

	// NumChannels is the network channel count (default: the device's)
	NumChannels int

	// BitResolution is the network sample width (default: the device's)
	BitResolution audio.BitResolution

	// Redundancy is the number of packets carried per datagram (default: 1)
	Redundancy int

	Underrun ringbuffer.UnderrunMode

	HeaderKind protocol.Kind

	// QueueLength is the ring buffer depth in audio buffers (default: 4)
	QueueLength int

	Resampling ResamplingMode

	// FilterLength is the resampler half-length (default: 16)
	FilterLength int

	// PollInterval bounds receiver stop latency (default: 100ms)
	PollInterval time.Duration

	// WaitWarnInterval spaces OnWaitingTooLong calls (default: 1s)
	WaitWarnInterval time.Duration

	// OnError receives asynchronous errors. When nil they are logged and
	// peer incompatibility or resampling failures stop the session.
	OnError func(error)

	// OnConnected is called once the first compatible packet arrives
	OnConnected func(PeerInfo)

	// OnWaitingTooLong is called while no packet has arrived for a while
	OnWaitingTooLong func(elapsed time.Duration)

	Logger *logrus.Entry

	// now stamps packet arrivals and device callbacks in µs
	now func() uint64
}

// applyDefaults fills zero fields, taking the audio layout from the device
func (c *Config) applyDefaults(deviceChannels int, deviceBits audio.BitResolution) {
	if c.PeerPort == 0 {
		c.PeerPort = DefaultPort
	}
	if c.BindPort == 0 {
		c.BindPort = DefaultPort
	}
	if c.NumChannels == 0 {
		c.NumChannels = deviceChannels
	}
	if c.BitResolution == 0 {
		c.BitResolution = deviceBits
	}
	if c.Redundancy == 0 {
		c.Redundancy = 1
	}
	if c.QueueLength == 0 {
		c.QueueLength = 4
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("prefix", "session")
	}
	if c.now == nil {
		c.now = clock.Micros
	}
}

// validate checks everything that can be checked before Start
func (c *Config) validate() error {
	switch c.Role {
	case RoleClient, RoleServer, RolePingClient:
	case RolePingServer:
		return fmt.Errorf("%w: ping-server runs a rendezvous hub, not a session", ErrInvalidConfig)
	default:
		return fmt.Errorf("%w: role %d", ErrInvalidConfig, int(c.Role))
	}

	if c.NumChannels <= 0 || c.NumChannels > 255 {
		return fmt.Errorf("%w: %d channels", ErrInvalidConfig, c.NumChannels)
	}
	if !c.BitResolution.Valid() {
		return fmt.Errorf("%w: bit resolution %d", ErrInvalidConfig, c.BitResolution)
	}
	if c.Redundancy < 1 {
		return fmt.Errorf("%w: redundancy %d", ErrInvalidConfig, c.Redundancy)
	}
	if c.Underrun != ringbuffer.Wavetable && c.Underrun != ringbuffer.Zeros {
		return fmt.Errorf("%w: underrun mode %d", ErrInvalidConfig, int(c.Underrun))
	}
	if c.Resampling != ResampleUniform && c.Resampling != ResampleAdaptive {
		return fmt.Errorf("%w: resampling mode %d", ErrInvalidConfig, int(c.Resampling))
	}
	if c.QueueLength < 2 {
		return fmt.Errorf("%w: queue length %d", ErrInvalidConfig, c.QueueLength)
	}
	if c.PeerPort < 1 || c.PeerPort > 0xffff {
		return fmt.Errorf("%w: peer port %d", ErrInvalidConfig, c.PeerPort)
	}
	if c.BindPort < EphemeralPort || c.BindPort > 0xffff {
		return fmt.Errorf("%w: bind port %d", ErrInvalidConfig, c.BindPort)
	}
	if c.SenderBindPort < EphemeralPort || c.SenderBindPort > 0xffff {
		return fmt.Errorf("%w: sender port %d", ErrInvalidConfig, c.SenderBindPort)
	}
	if c.Role == RolePingClient && c.PingServer == "" {
		return fmt.Errorf("%w: ping-client needs a ping server address", ErrInvalidConfig)
	}
	return nil
}
