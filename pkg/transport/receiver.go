// ABOUTME: UDP receiver loop with redundancy resolution
// ABOUTME: Learns the peer from the first datagram and delivers each packet once, in order
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Resonate-Protocol/udptrip/pkg/protocol"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ReceiverConfig holds receiver configuration
type ReceiverConfig struct {
	// BindAddress restricts the listening interface; empty listens on all
	BindAddress string

	// BindPort is the local UDP port; 0 picks an ephemeral port
	BindPort int

	// Peer fixes the peer address; when nil the first datagram's source is used
	Peer *net.UDPAddr

	// PollInterval bounds each socket read (default: 100ms)
	PollInterval time.Duration

	// WaitWarnInterval is the silence between OnWaitingTooLong calls (default: 1s)
	WaitWarnInterval time.Duration

	// OnConnected is called from the receiver goroutine once the first
	// compatible datagram arrives
	OnConnected func(peer *net.UDPAddr, params protocol.PeerParams)

	// OnError receives peer validation failures, asynchronously
	OnError func(err error)

	// OnWaitingTooLong is called while no datagram has arrived for a while
	OnWaitingTooLong func(elapsed time.Duration)

	Logger *logrus.Entry
}

// Receiver reads redundant datagrams and hands new packets to a PeerSink
type Receiver struct {
	config ReceiverConfig
	header protocol.Header
	sink   PeerSink
	conn   *net.UDPConn

	peer      atomic.Pointer[net.UDPAddr]
	connected atomic.Bool
	rejected  bool

	resolver resolver
	seqs     []uint16

	datagrams  atomic.Uint64
	delivered  atomic.Uint64
	gaps       atomic.Uint64
	duplicates atomic.Uint64
	stale      atomic.Uint64
	malformed  atomic.Uint64
	readErrors atomic.Uint64

	stop *stopper
	log  *logrus.Entry
}

// NewReceiver binds the receive socket exclusively
func NewReceiver(config ReceiverConfig, header protocol.Header, sink PeerSink) (*Receiver, error) {
	if header == nil || sink == nil {
		return nil, errors.New("receiver needs a header and a sink")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.WaitWarnInterval <= 0 {
		config.WaitWarnInterval = DefaultWaitWarnInterval
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("prefix", "receiver")
	}

	addr := &net.UDPAddr{Port: config.BindPort}
	if config.BindAddress != "" {
		ip := net.ParseIP(config.BindAddress)
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid bind address %q", ErrBind, config.BindAddress)
		}
		addr.IP = ip
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: receiver port %d: %w", ErrBind, config.BindPort, err)
	}

	r := &Receiver{
		config: config,
		header: header,
		sink:   sink,
		conn:   conn,
		stop:   newStopper(),
		log:    config.Logger,
	}
	if config.Peer != nil {
		r.peer.Store(config.Peer)
	}
	return r, nil
}

// Conn returns the receive socket, for a sender replying from the same port
func (r *Receiver) Conn() *net.UDPConn {
	return r.conn
}

// LocalAddr returns the bound address
func (r *Receiver) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Peer returns the known peer address, or nil before the first datagram
func (r *Receiver) Peer() *net.UDPAddr {
	return r.peer.Load()
}

// Connected reports whether a compatible datagram has been received
func (r *Receiver) Connected() bool {
	return r.connected.Load()
}

// Run receives datagrams until ctx is done or Stop is called. Socket
// errors are counted and never end the loop.
func (r *Receiver) Run(ctx context.Context) error {
	ctx, cancel := r.stop.bind(ctx)
	defer cancel()

	r.log.WithField("local", r.conn.LocalAddr().String()).Info("Receiver started")
	defer r.log.Info("Receiver stopped")

	buf := make([]byte, maxDatagramSize)
	lastArrival := time.Now()
	nextWarn := r.config.WaitWarnInterval

	for !r.stop.stopping() && ctx.Err() == nil {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.config.PollInterval)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
		}

		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.stop.stopping() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if elapsed := time.Since(lastArrival); elapsed >= nextWarn {
					nextWarn += r.config.WaitWarnInterval
					r.waitingTooLong(elapsed)
				}
				continue
			}

			count := r.readErrors.Inc()
			r.sink.CountTransportError()
			r.log.WithError(err).WithField("read_errors", count).Debug("Datagram read failed")
			continue
		}

		lastArrival = time.Now()
		nextWarn = r.config.WaitWarnInterval
		r.handleDatagram(buf[:n], addr)
	}
	return nil
}

func (r *Receiver) waitingTooLong(elapsed time.Duration) {
	r.log.WithField("elapsed", elapsed.Round(time.Millisecond)).Debug("Waiting for peer data")
	if r.config.OnWaitingTooLong != nil {
		r.config.OnWaitingTooLong(elapsed)
	}
}

// handleDatagram splits one datagram into its copies and delivers the new ones
func (r *Receiver) handleDatagram(data []byte, from *net.UDPAddr) {
	r.datagrams.Inc()

	params := r.header.Parse(data)
	packetSize := r.header.SizeInBytes() + params.PayloadBytes()

	if !r.connected.Load() {
		if err := r.header.CheckPeerSettings(params); err != nil {
			r.malformed.Inc()
			r.reject(err, from)
			return
		}
		r.connect(from, params)
	}

	if params.PayloadBytes() <= 0 || len(data)%packetSize != 0 {
		count := r.malformed.Inc()
		r.log.WithFields(logrus.Fields{
			"bytes":     len(data),
			"packet":    packetSize,
			"malformed": count,
		}).Debug("Dropping malformed datagram")
		return
	}
	copies := len(data) / packetSize

	deliver := 1
	if protocol.HasSequence(r.header.Kind()) {
		r.seqs = r.seqs[:0]
		for i := 0; i < copies; i++ {
			r.seqs = append(r.seqs, r.header.Parse(data[i*packetSize:]).SeqNumber)
		}

		res := r.resolver.resolve(r.seqs)
		r.duplicates.Add(uint64(res.duplicates))
		if res.stale {
			r.stale.Inc()
			return
		}
		if res.gap {
			count := r.gaps.Inc()
			r.log.WithFields(logrus.Fields{
				"seq":  r.seqs[0],
				"gaps": count,
			}).Debug("Sequence gap, resyncing on newest packet")
		}
		deliver = res.deliver
	}

	// oldest selected copy first
	for i := deliver - 1; i >= 0; i-- {
		r.sink.Deliver(data[i*packetSize : (i+1)*packetSize])
		r.delivered.Inc()
	}
}

func (r *Receiver) connect(from *net.UDPAddr, params protocol.PeerParams) {
	if r.peer.Load() == nil {
		r.peer.Store(from)
	}
	r.connected.Store(true)
	r.rejected = false

	r.log.WithFields(logrus.Fields{
		"peer":   from.String(),
		"format": params.Format().String(),
	}).Info("Peer connected")

	if r.config.OnConnected != nil {
		r.config.OnConnected(r.peer.Load(), params)
	}
}

// reject reports the first incompatible datagram of a run
func (r *Receiver) reject(err error, from *net.UDPAddr) {
	if r.rejected {
		return
	}
	r.rejected = true
	r.log.WithError(err).WithField("peer", from.String()).Warn("Rejecting peer")
	if r.config.OnError != nil {
		go r.config.OnError(err)
	}
}

// Stop ends Run within one poll interval; it is safe to call more than once
func (r *Receiver) Stop() {
	r.stop.stop()
}

// Close stops the receiver and closes its socket
func (r *Receiver) Close() error {
	r.Stop()
	return r.conn.Close()
}

// Stats returns a snapshot of the receiver counters
func (r *Receiver) Stats() ReceiverStats {
	return ReceiverStats{
		Datagrams:  r.datagrams.Load(),
		Delivered:  r.delivered.Load(),
		Gaps:       r.gaps.Load(),
		Duplicates: r.duplicates.Load(),
		Stale:      r.stale.Load(),
		Malformed:  r.malformed.Load(),
		ReadErrors: r.readErrors.Load(),
	}
}
