// ABOUTME: UDP sender loop with fixed-factor redundancy
// ABOUTME: Drains the send ring, stamps headers and sends the newest R packets per datagram
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Resonate-Protocol/udptrip/pkg/protocol"
	"github.com/Resonate-Protocol/udptrip/pkg/ringbuffer"
	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// SenderConfig holds sender configuration
type SenderConfig struct {
	// Conn is a socket shared with the receiver. When nil the sender binds
	// its own socket on BindPort with address reuse.
	Conn *net.UDPConn

	// BindPort is used only without Conn; 0 picks an ephemeral port
	BindPort int

	// Peer is the destination; it may also be set later with SetPeer
	Peer *net.UDPAddr

	// Redundancy is the number of packets carried per datagram (default: 1)
	Redundancy int

	Logger *logrus.Entry
}

// Sender turns audio frames from the send ring into redundant datagrams
type Sender struct {
	config   SenderConfig
	header   protocol.Header
	ring     *ringbuffer.RingBuffer
	conn     *net.UDPConn
	ownsConn bool

	peer atomic.Pointer[net.UDPAddr]

	packetSize int
	// newest packet at the front
	history  deque.Deque[[]byte]
	datagram []byte

	sent       atomic.Uint64
	dropped    atomic.Uint64
	sendErrors atomic.Uint64

	stop *stopper
	log  *logrus.Entry
}

// NewSender creates a sender reading frames of ring.SlotSize() bytes from ring
func NewSender(config SenderConfig, header protocol.Header, ring *ringbuffer.RingBuffer) (*Sender, error) {
	if header == nil || ring == nil {
		return nil, errors.New("sender needs a header and a ring buffer")
	}
	if config.Redundancy == 0 {
		config.Redundancy = 1
	}
	if config.Redundancy < 1 {
		return nil, fmt.Errorf("invalid redundancy factor: %d", config.Redundancy)
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("prefix", "sender")
	}

	s := &Sender{
		config:     config,
		header:     header,
		ring:       ring,
		conn:       config.Conn,
		packetSize: header.SizeInBytes() + ring.SlotSize(),
		stop:       newStopper(),
		log:        config.Logger,
	}
	s.datagram = make([]byte, config.Redundancy*s.packetSize)
	if len(s.datagram) > maxDatagramSize {
		return nil, fmt.Errorf("datagram of %d bytes exceeds the UDP limit", len(s.datagram))
	}

	if s.conn == nil {
		lc := net.ListenConfig{Control: reuseAddrControl}
		pc, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", config.BindPort))
		if err != nil {
			return nil, fmt.Errorf("%w: sender port %d: %w", ErrBind, config.BindPort, err)
		}
		s.conn = pc.(*net.UDPConn)
		s.ownsConn = true
	}

	if config.Peer != nil {
		s.SetPeer(config.Peer)
	}
	return s, nil
}

// SetPeer sets the destination for subsequent datagrams
func (s *Sender) SetPeer(addr *net.UDPAddr) {
	s.peer.Store(addr)
	s.log.WithField("peer", addr.String()).Debug("Sender peer set")
}

// Peer returns the current destination, or nil
func (s *Sender) Peer() *net.UDPAddr {
	return s.peer.Load()
}

// LocalAddr returns the address the sender sends from
func (s *Sender) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Run sends one datagram per frame read from the ring until ctx is done or
// Stop is called
func (s *Sender) Run(ctx context.Context) error {
	ctx, cancel := s.stop.bind(ctx)
	defer cancel()

	s.log.WithFields(logrus.Fields{
		"local":      s.conn.LocalAddr().String(),
		"redundancy": s.config.Redundancy,
		"packet":     s.packetSize,
	}).Info("Sender started")
	defer s.log.Info("Sender stopped")

	payload := make([]byte, s.ring.SlotSize())
	for !s.stop.stopping() {
		if err := s.ring.ReadBlocking(ctx, payload); err != nil {
			if errors.Is(err, ringbuffer.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := s.sendFrame(payload); err != nil {
			return nil
		}
	}
	return nil
}

// sendFrame builds and sends one datagram. It only returns an error when
// the socket is gone for good.
func (s *Sender) sendFrame(payload []byte) error {
	peer := s.peer.Load()
	if peer == nil {
		// nobody to talk to yet
		s.dropped.Inc()
		return nil
	}

	s.pushPacket(payload)
	s.assemble()

	_, err := s.conn.WriteToUDP(s.datagram, peer)
	s.header.IncreaseSequenceNumber()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return err
		}
		n := s.sendErrors.Inc()
		s.ring.CountTransportError()
		s.log.WithError(err).WithField("send_errors", n).Debug("Datagram send failed")
		return nil
	}
	s.sent.Inc()
	return nil
}

// pushPacket stamps a header in front of payload and makes it the newest
// entry of the history, recycling the oldest buffer once R are held
func (s *Sender) pushPacket(payload []byte) {
	var pkt []byte
	if s.history.Len() == s.config.Redundancy {
		pkt = s.history.PopBack()
	} else {
		pkt = make([]byte, s.packetSize)
	}

	hsize := s.header.SizeInBytes()
	s.header.FillFromLocal()
	// pkt is always sized for the header
	_ = s.header.Serialize(pkt[:hsize])
	copy(pkt[hsize:], payload)
	s.history.PushFront(pkt)
}

// assemble lays the history out newest first. Until R packets exist the
// oldest one fills the remaining slots.
func (s *Sender) assemble() {
	n := s.history.Len()
	for i := 0; i < s.config.Redundancy; i++ {
		src := s.history.At(min(i, n-1))
		copy(s.datagram[i*s.packetSize:], src)
	}
}

// Stop ends Run; it is safe to call more than once
func (s *Sender) Stop() {
	s.stop.stop()
}

// Close stops the sender and releases its socket if it owns one
func (s *Sender) Close() error {
	s.Stop()
	if s.ownsConn {
		return s.conn.Close()
	}
	return nil
}

// Stats returns a snapshot of the sender counters
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		Sent:       s.sent.Load(),
		Dropped:    s.dropped.Load(),
		SendErrors: s.sendErrors.Load(),
	}
}
