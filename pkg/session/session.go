// ABOUTME: Session controller tying an audio device to a UDP sender and receiver
// ABOUTME: Owns the lifecycle, the header, both ring buffers and peer renegotiation
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Resonate-Protocol/udptrip/internal/clock"
	"github.com/Resonate-Protocol/udptrip/internal/rendezvous"
	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/device"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/resample"
	"github.com/Resonate-Protocol/udptrip/pkg/protocol"
	"github.com/Resonate-Protocol/udptrip/pkg/ringbuffer"
	"github.com/Resonate-Protocol/udptrip/pkg/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Session streams a local audio device to one peer and plays what the peer sends
type Session struct {
	id     string
	config Config
	device device.Device
	log    *logrus.Entry

	// deviceFormat is what the device callback carries; local is what
	// goes on the wire
	deviceFormat audio.Format
	local        audio.Format

	mu     sync.Mutex
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	header      protocol.Header
	sendRing    *ringbuffer.RingBuffer
	peers       atomic.Pointer[peerSet]
	localPeriod *clock.PeriodEstimator

	plugins  [2][]Plugin
	capture  *bridge
	playback *bridge

	sender   *transport.Sender
	receiver *transport.Receiver

	// receiver goroutine only
	lastSeq     uint16
	lastArrival uint64
	seqValid    bool

	announced       *abool.AtomicBool
	rejectReported  *abool.AtomicBool
	audioErrorShown *abool.AtomicBool
}

// New creates a session for a device. Configure must be called before Start.
func New(config Config, dev device.Device) (*Session, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: no audio device", ErrInvalidConfig)
	}

	deviceFormat := audio.Format{
		SampleRate: dev.SampleRate(),
		BufferSize: dev.BufferSizeInSamples(),
		Channels:   dev.NumChannels(),
		BitDepth:   dev.BitResolution(),
	}
	if err := deviceFormat.Validate(); err != nil {
		return nil, fmt.Errorf("%w: device format: %w", ErrInvalidConfig, err)
	}

	config.applyDefaults(deviceFormat.Channels, deviceFormat.BitDepth)
	id := uuid.NewString()

	return &Session{
		id:              id,
		config:          config,
		device:          dev,
		log:             config.Logger.WithField("session", id[:8]),
		deviceFormat:    deviceFormat,
		done:            make(chan struct{}),
		announced:       abool.New(),
		rejectReported:  abool.New(),
		audioErrorShown: abool.New(),
	}, nil
}

// Configure validates the configuration and builds the header, the send
// ring and the initial receive side from the local parameters
func (s *Session) Configure() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateCreated {
		return stateError("configure", st)
	}
	if err := s.config.validate(); err != nil {
		return err
	}

	s.local = audio.Format{
		SampleRate: s.deviceFormat.SampleRate,
		BufferSize: s.deviceFormat.BufferSize,
		Channels:   s.config.NumChannels,
		BitDepth:   s.config.BitResolution,
	}
	if err := protocol.CheckLocal(s.config.HeaderKind, s.local); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	header, err := protocol.New(s.config.HeaderKind, s.local)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	s.header = header

	s.sendRing, err = ringbuffer.New(ringbuffer.Config{
		SlotSize: s.local.SlotBytes(),
		NumSlots: s.config.QueueLength,
		Underrun: s.config.Underrun,
		Logger:   s.log.WithField("ring", "send"),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	s.localPeriod = clock.NewPeriodEstimator(
		clock.NominalPeriod(s.local.BufferSize, s.local.SampleRate),
		s.log.WithField("estimator", "local"),
	)

	initial, err := s.newPeerSet(0, protocol.ParamsFromFormat(s.local))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	s.peers.Store(initial)

	s.capture = newBridge(s.deviceFormat, s.local)
	s.playback = newBridge(s.local, s.deviceFormat)
	s.device.SetProcessCallback(s.process)

	s.setState(StateConfiguring)
	s.log.WithFields(logrus.Fields{
		"role":       s.config.Role.String(),
		"format":     s.local.String(),
		"device":     s.deviceFormat.String(),
		"header":     s.config.HeaderKind.String(),
		"redundancy": s.config.Redundancy,
		"underrun":   s.config.Underrun.String(),
	}).Info("Session configured")
	return nil
}

// SetPeerAddress sets where a client sends to; it must precede Start
func (s *Session) SetPeerAddress(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateCreated && st != StateConfiguring {
		return stateError("set peer address", st)
	}
	if s.config.Role == RoleServer {
		return fmt.Errorf("%w: a server learns its peer from the first packet", ErrInvalidConfig)
	}
	if host == "" || port < 1 || port > 0xffff {
		return fmt.Errorf("%w: peer address %q port %d", ErrInvalidConfig, host, port)
	}
	s.config.PeerHost = host
	s.config.PeerPort = port
	return nil
}

// AppendProcessPlugin adds a plugin run after the ones already registered
// for the same direction; it must precede Start
func (s *Session) AppendProcessPlugin(p Plugin, dir Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateCreated && st != StateConfiguring {
		return stateError("append plugin", st)
	}
	if p == nil || (dir != ToNetwork && dir != FromNetwork) {
		return fmt.Errorf("%w: plugin %v direction %d", ErrInvalidConfig, p, int(dir))
	}
	s.plugins[dir] = append(s.plugins[dir], p)
	s.log.WithFields(logrus.Fields{
		"plugin":    p.Name(),
		"direction": dir.String(),
	}).Debug("Process plugin added")
	return nil
}

// Start binds the sockets, runs the transport loops and starts the device.
// A server does not wait for its peer; it drops captured audio until the
// first packet reveals where to send.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if st := s.State(); st != StateConfiguring {
		s.mu.Unlock()
		return stateError("start", st)
	}
	if s.config.Role == RoleClient && s.config.PeerHost == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: client needs a peer address", ErrInvalidConfig)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.setState(StateConnecting)
	s.mu.Unlock()

	receiver, sender, err := s.connect(runCtx)

	s.mu.Lock()
	defer s.mu.Unlock()

	stopped := s.State() != StateConnecting
	if err == nil && stopped {
		sender.Close()
		receiver.Close()
		err = stateError("start", s.State())
	}
	if err != nil {
		cancel()
		if stopped {
			s.finish(nil)
		} else {
			s.finish(err)
		}
		return err
	}

	s.receiver, s.sender = receiver, sender
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return receiver.Run(gctx) })
	g.Go(func() error { return sender.Run(gctx) })
	go s.supervise(g)

	if err := s.device.Start(); err != nil {
		err = fmt.Errorf("failed to start audio device: %w", err)
		s.err = err
		s.stopLocked()
		return err
	}

	s.setState(StateRunning)
	s.log.WithFields(logrus.Fields{
		"local": receiver.LocalAddr().String(),
		"peer":  addrString(sender.Peer()),
	}).Info("Session running")
	return nil
}

// connect binds the receiver, finds the peer for client roles and creates
// the sender
func (s *Session) connect(ctx context.Context) (*transport.Receiver, *transport.Sender, error) {
	receiver, err := transport.NewReceiver(transport.ReceiverConfig{
		BindPort:         max(s.config.BindPort, 0),
		PollInterval:     s.config.PollInterval,
		WaitWarnInterval: s.config.WaitWarnInterval,
		OnConnected:      s.peerConnected,
		OnError:          s.reportError,
		OnWaitingTooLong: s.config.OnWaitingTooLong,
		Logger:           s.log.WithField("prefix", "receiver"),
	}, s.header, s)
	if err != nil {
		return nil, nil, err
	}

	var peer *net.UDPAddr
	if s.config.Role != RoleServer {
		peer, err = s.resolvePeer(ctx, receiver.LocalAddr().Port)
		if err != nil {
			receiver.Close()
			return nil, nil, err
		}
	}

	sc := transport.SenderConfig{
		Peer:       peer,
		Redundancy: s.config.Redundancy,
		Logger:     s.log.WithField("prefix", "sender"),
	}
	if s.config.SenderBindPort == 0 || s.config.SenderBindPort == s.config.BindPort {
		sc.Conn = receiver.Conn()
	} else {
		sc.BindPort = max(s.config.SenderBindPort, 0)
	}
	sender, err := transport.NewSender(sc, s.header, s.sendRing)
	if err != nil {
		receiver.Close()
		return nil, nil, err
	}
	return receiver, sender, nil
}

// resolvePeer returns the client's destination, asking the rendezvous hub
// for the port first in the ping-client role
func (s *Session) resolvePeer(ctx context.Context, localPort int) (*net.UDPAddr, error) {
	host, port := s.config.PeerHost, s.config.PeerPort

	if s.config.Role == RolePingClient {
		assigned, err := rendezvous.Exchange(ctx, s.config.PingServer, localPort)
		if err != nil {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{
			"hub":  s.config.PingServer,
			"port": assigned,
		}).Info("Rendezvous complete")
		port = assigned
		if host == "" {
			host, _, _ = net.SplitHostPort(s.config.PingServer)
		}
	}
	if host == "" {
		return nil, fmt.Errorf("%w: no peer host", ErrInvalidConfig)
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve peer %s: %w", host, err)
	}
	return addr, nil
}

// supervise waits for both transport loops and completes the shutdown
func (s *Session) supervise(g *errgroup.Group) {
	err := g.Wait()
	s.Stop()

	s.sender.Close()
	s.receiver.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.finish(s.err)
	s.log.Info("Session stopped")
}

// finish moves to Stopped and releases Wait (must hold s.mu)
func (s *Session) finish(err error) {
	if s.State() == StateStopped {
		return
	}
	s.err = err
	s.setState(StateStopped)
	close(s.done)
}

// Stop asks the transport loops to end. It returns without waiting and is
// safe to call any number of times.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	switch s.State() {
	case StateCreated, StateConfiguring:
		s.finish(nil)
	case StateConnecting:
		// Start notices and cleans up
		s.setState(StateStopping)
		s.cancel()
	case StateRunning:
		s.setState(StateStopping)
		s.cancel()
		s.sender.Stop()
		s.receiver.Stop()
		s.sendRing.Close()
	}
}

// Wait blocks until the session has stopped and returns the error that
// ended it, if any
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the session, waits for it and closes the device
func (s *Session) Close() error {
	s.Stop()
	err := s.Wait()
	if cerr := s.device.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Run configures the session if needed, starts it and blocks until ctx is
// cancelled or the session stops, then closes it
func (s *Session) Run(ctx context.Context) error {
	if s.State() == StateCreated {
		if err := s.Configure(); err != nil {
			s.device.Close()
			return err
		}
	}
	if err := s.Start(ctx); err != nil {
		s.device.Close()
		return err
	}

	select {
	case <-ctx.Done():
	case <-s.done:
	}
	return s.Close()
}

// Done is closed once the session has stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// process is the device callback
func (s *Session) process(in, out []byte) {
	s.ReadAudioBuffer(in)
	s.WriteAudioBuffer(out)
}

// ReadAudioBuffer queues one captured device period for sending
func (s *Session) ReadAudioBuffer(in []byte) {
	if len(in) != s.deviceFormat.SlotBytes() {
		return
	}
	s.sendRing.InsertNonBlocking(s.capture.process(in, s.plugins[ToNetwork]))
}

// WriteAudioBuffer fills one device period with received audio
func (s *Session) WriteAudioBuffer(out []byte) {
	if len(out) != s.deviceFormat.SlotBytes() {
		clear(out)
		return
	}

	set := s.peers.Load()
	buf := s.playback.source(out, s.plugins[FromNetwork])
	_, err := set.read(buf)
	s.localPeriod.Observe(s.config.now(), 1)
	if err != nil {
		clear(out)
		if s.audioErrorShown.SetToIf(false, true) {
			s.reportError(fmt.Errorf("receive generation %d: %w", set.generation, err))
		}
		return
	}
	s.playback.finish(buf, out, s.plugins[FromNetwork])
}

// Deliver takes one packet chosen by the receiver. A packet whose audio
// parameters differ from the current peer set builds and publishes a new set.
func (s *Session) Deliver(packet []byte) {
	set := s.peers.Load()
	params := s.header.Parse(packet)

	if !params.SameAudio(set.params) {
		next, err := s.renegotiate(set, params)
		if err != nil {
			if s.rejectReported.SetToIf(false, true) {
				s.reportError(err)
			}
			return
		}
		set = next
	}

	hsize := s.header.SizeInBytes()
	if len(packet)-hsize < set.packetBytes {
		set.ring.CountTransportError()
		return
	}
	s.observePeer(set, params)
	set.insert(packet[hsize : hsize+set.packetBytes])

	if s.announced.SetToIf(false, true) {
		s.log.WithField("peer", set.peer.String()).Info("Receiving audio")
		if s.config.OnConnected != nil {
			go s.config.OnConnected(s.Peer())
		}
	}
}

func (s *Session) renegotiate(old *peerSet, params protocol.PeerParams) (*peerSet, error) {
	if err := s.header.CheckPeerSettings(params); err != nil {
		return nil, err
	}
	next, err := s.newPeerSet(old.generation+1, params)
	if err != nil {
		return nil, err
	}

	s.peers.Store(next)
	s.seqValid = false
	s.rejectReported.UnSet()
	s.audioErrorShown.UnSet()

	s.log.WithFields(logrus.Fields{
		"generation": next.generation,
		"peer":       next.peer.String(),
		"resampling": next.resampling,
		"mode":       params.ConnectionMode.String(),
	}).Info("Peer parameters changed")
	return next, nil
}

// observePeer feeds packet arrivals to the peer period estimator. Copies
// delivered from one datagram arrive together and count once.
func (s *Session) observePeer(set *peerSet, params protocol.PeerParams) {
	if set.peerPeriod == nil {
		return
	}

	now := s.config.now()
	if s.seqValid && float64(now-s.lastArrival) < set.peerPeriod.Period()/4 {
		return
	}

	ticks := 1
	if s.seqValid && protocol.HasSequence(s.header.Kind()) {
		ticks = int(protocol.SeqDiff(params.SeqNumber, s.lastSeq))
	}
	if ticks <= 0 {
		return
	}
	set.peerPeriod.Observe(now, ticks)
	s.lastSeq = params.SeqNumber
	s.lastArrival = now
	s.seqValid = true
}

// CountTransportError records a socket error against the receive ring
func (s *Session) CountTransportError() {
	s.peers.Load().ring.CountTransportError()
}

func (s *Session) peerConnected(addr *net.UDPAddr, params protocol.PeerParams) {
	if s.config.Role == RoleServer {
		s.sender.SetPeer(addr)
	}
}

// reportError hands an asynchronous error to OnError, or applies the
// default policy of logging it and stopping on errors that cannot heal
func (s *Session) reportError(err error) {
	if s.config.OnError != nil {
		go s.config.OnError(err)
		return
	}

	s.log.WithError(err).Error("Session error")
	if errors.Is(err, protocol.ErrPeerIncompatible) ||
		errors.Is(err, resample.ErrInvalidRatio) ||
		errors.Is(err, resample.ErrBufferMismatch) {
		go s.Stop()
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// State returns the lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// ID identifies the session in logs, discovery and the monitor
func (s *Session) ID() string { return s.id }

func (s *Session) Role() Role { return s.config.Role }

func (s *Session) SampleRate() int { return s.deviceFormat.SampleRate }

func (s *Session) BufferSize() int { return s.deviceFormat.BufferSize }

func (s *Session) BitResolution() audio.BitResolution { return s.config.BitResolution }

func (s *Session) NumChannels() int { return s.config.NumChannels }

func (s *Session) Redundancy() int { return s.config.Redundancy }

// SequenceNumber returns the sequence number of the next packet sent
func (s *Session) SequenceNumber() uint16 {
	if s.header == nil {
		return 0
	}
	return s.header.SequenceNumber()
}

// LocalAddr returns the receive socket address once started
func (s *Session) LocalAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receiver == nil {
		return nil
	}
	return s.receiver.LocalAddr()
}

// Peer describes the current peer
func (s *Session) Peer() PeerInfo {
	var info PeerInfo
	if set := s.peers.Load(); set != nil {
		info = set.info()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender != nil {
		info.Addr = s.sender.Peer()
	}
	return info
}

// PeerGeneration counts peer renegotiations
func (s *Session) PeerGeneration() uint64 {
	if set := s.peers.Load(); set != nil {
		return set.generation
	}
	return 0
}

func addrString(addr *net.UDPAddr) string {
	if addr == nil {
		return "(waiting)"
	}
	return addr.String()
}

// Stats is a snapshot of every session counter
type Stats struct {
	ID       string
	Role     Role
	State    State
	Local    audio.Format
	Peer     PeerInfo
	Sequence uint16

	Send     ringbuffer.Stats
	Receive  ringbuffer.Stats
	Resample ringbuffer.ResampleStats
	Sender   transport.SenderStats
	Receiver transport.ReceiverStats

	// callback and packet periods in µs
	LocalPeriod  float64
	LocalJitter  float64
	PeerPeriod   float64
	ClockQuality clock.Quality

	Taken time.Time
}

// Stats returns a snapshot of the session counters
func (s *Session) Stats() Stats {
	st := Stats{
		ID:       s.id,
		Role:     s.config.Role,
		State:    s.State(),
		Local:    s.local,
		Peer:     s.Peer(),
		Sequence: s.SequenceNumber(),
		Taken:    time.Now(),
	}

	if set := s.peers.Load(); set != nil {
		st.Receive = set.ring.Stats()
		st.Resample = set.ring.ResampleStats()
		if set.peerPeriod != nil {
			st.PeerPeriod = set.peerPeriod.Period()
		}
	}
	if s.sendRing != nil {
		st.Send = s.sendRing.Stats()
	}
	if s.localPeriod != nil {
		st.LocalPeriod, st.LocalJitter, _ = s.localPeriod.Stats()
		st.ClockQuality = s.localPeriod.CheckQuality()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender != nil {
		st.Sender = s.sender.Stats()
		st.Receiver = s.receiver.Stats()
	}
	return st
}
