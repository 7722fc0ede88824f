// ABOUTME: Tests for the UDP sender and receiver
// ABOUTME: Drives datagrams built by a real sender through the receiver, in-process and over loopback
package transport

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"github.com/Resonate-Protocol/udptrip/pkg/protocol"
	"github.com/Resonate-Protocol/udptrip/pkg/ringbuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFormat = audio.Format{SampleRate: 48000, BufferSize: 16, Channels: 2, BitDepth: audio.Bit16}

// recordSink keeps the frame index stamped in each delivered payload
type recordSink struct {
	mu         sync.Mutex
	headerSize int
	frames     []uint32
	errors     int
}

func (s *recordSink) Deliver(packet []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, binary.LittleEndian.Uint32(packet[s.headerSize:]))
}

func (s *recordSink) CountTransportError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

func (s *recordSink) delivered() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.frames...)
}

func framePayload(index uint32) []byte {
	p := make([]byte, testFormat.SlotBytes())
	binary.LittleEndian.PutUint32(p, index)
	return p
}

func newTestSender(t *testing.T, kind protocol.Kind, redundancy int) *Sender {
	t.Helper()

	header, err := protocol.New(kind, testFormat)
	require.NoError(t, err)
	ring, err := ringbuffer.New(ringbuffer.Config{SlotSize: testFormat.SlotBytes()})
	require.NoError(t, err)

	s, err := NewSender(SenderConfig{Redundancy: redundancy}, header, ring)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestReceiver(t *testing.T, kind protocol.Kind, config ReceiverConfig) (*Receiver, *recordSink) {
	t.Helper()

	header, err := protocol.New(kind, testFormat)
	require.NoError(t, err)
	sink := &recordSink{headerSize: header.SizeInBytes()}

	config.BindAddress = "127.0.0.1"
	r, err := NewReceiver(config, header, sink)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, sink
}

// datagrams builds count datagrams exactly as the sender loop would
func datagrams(s *Sender, count int) [][]byte {
	out := make([][]byte, count)
	for i := 0; i < count; i++ {
		s.pushPacket(framePayload(uint32(i)))
		s.assemble()
		s.header.IncreaseSequenceNumber()
		out[i] = append([]byte(nil), s.datagram...)
	}
	return out
}

var localhost = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}

func TestSenderDatagramLayout(t *testing.T) {
	s := newTestSender(t, protocol.KindDefault, 3)
	packetSize := protocol.DefaultHeaderSize + testFormat.SlotBytes()
	dgs := datagrams(s, 4)

	seqAt := func(dg []byte, copy int) uint16 {
		return s.header.Parse(dg[copy*packetSize:]).SeqNumber
	}

	require.Len(t, dgs[0], 3*packetSize)
	// the first packet fills every slot
	assert.Equal(t, []uint16{0, 0, 0}, []uint16{seqAt(dgs[0], 0), seqAt(dgs[0], 1), seqAt(dgs[0], 2)})
	assert.Equal(t, []uint16{1, 0, 0}, []uint16{seqAt(dgs[1], 0), seqAt(dgs[1], 1), seqAt(dgs[1], 2)})
	assert.Equal(t, []uint16{3, 2, 1}, []uint16{seqAt(dgs[3], 0), seqAt(dgs[3], 1), seqAt(dgs[3], 2)})

	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(dgs[3][protocol.DefaultHeaderSize:]))
	assert.Equal(t, 3, s.history.Len())
}

func TestReceiverDeliversEachPacketOnce(t *testing.T) {
	for _, redundancy := range []int{1, 2, 4} {
		s := newTestSender(t, protocol.KindDefault, redundancy)
		r, sink := newTestReceiver(t, protocol.KindDefault, ReceiverConfig{})

		for _, dg := range datagrams(s, 300) {
			r.handleDatagram(dg, localhost)
		}

		got := sink.delivered()
		require.Len(t, got, 300, "redundancy %d", redundancy)
		for i, frame := range got {
			assert.Equal(t, uint32(i), frame)
		}
		assert.Zero(t, r.Stats().Gaps)
		assert.Equal(t, uint64(300), r.Stats().Delivered)
	}
}

func TestReceiverRecoversBoundedLoss(t *testing.T) {
	const redundancy = 3
	s := newTestSender(t, protocol.KindDefault, redundancy)
	r, sink := newTestReceiver(t, protocol.KindDefault, ReceiverConfig{})

	// the last datagram (201) survives, so every lost copy is recovered
	const count = 202
	for i, dg := range datagrams(s, count) {
		// bursts of R-1 lost datagrams
		if i%7 == 3 || i%7 == 4 {
			continue
		}
		r.handleDatagram(dg, localhost)
	}

	got := sink.delivered()
	require.Len(t, got, count)
	for i, frame := range got {
		assert.Equal(t, uint32(i), frame)
	}
}

func TestReceiverAcrossSequenceWrap(t *testing.T) {
	s := newTestSender(t, protocol.KindDefault, 2)
	for i := 0; i < 65530; i++ {
		s.header.IncreaseSequenceNumber()
	}
	r, sink := newTestReceiver(t, protocol.KindDefault, ReceiverConfig{})

	for i, dg := range datagrams(s, 20) {
		if i == 6 {
			continue
		}
		r.handleDatagram(dg, localhost)
	}

	got := sink.delivered()
	require.Len(t, got, 20)
	for i, frame := range got {
		assert.Equal(t, uint32(i), frame)
	}
}

func TestReceiverDropsStaleAndMalformed(t *testing.T) {
	s := newTestSender(t, protocol.KindDefault, 2)
	r, sink := newTestReceiver(t, protocol.KindDefault, ReceiverConfig{})
	dgs := datagrams(s, 3)

	r.handleDatagram(dgs[0], localhost)
	r.handleDatagram(dgs[2], localhost)
	r.handleDatagram(dgs[1], localhost)
	r.handleDatagram(dgs[2][:len(dgs[2])-1], localhost)

	assert.Equal(t, []uint32{0, 1, 2}, sink.delivered())
	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Stale)
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(4), stats.Datagrams)
}

func TestReceiverEmptyHeaderDeliversNewest(t *testing.T) {
	s := newTestSender(t, protocol.KindEmpty, 3)
	r, sink := newTestReceiver(t, protocol.KindEmpty, ReceiverConfig{})

	for _, dg := range datagrams(s, 5) {
		r.handleDatagram(dg, localhost)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, sink.delivered())
}

func TestReceiverConnectsOnFirstDatagram(t *testing.T) {
	var gotPeer *net.UDPAddr
	var gotParams protocol.PeerParams
	r, _ := newTestReceiver(t, protocol.KindDefault, ReceiverConfig{
		OnConnected: func(peer *net.UDPAddr, params protocol.PeerParams) {
			gotPeer = peer
			gotParams = params
		},
	})
	s := newTestSender(t, protocol.KindDefault, 1)

	assert.False(t, r.Connected())
	r.handleDatagram(datagrams(s, 1)[0], localhost)

	assert.True(t, r.Connected())
	assert.Equal(t, localhost, gotPeer)
	assert.Equal(t, localhost, r.Peer())
	assert.Equal(t, testFormat, gotParams.Format())
}

func TestReceiverKeepsFixedPeer(t *testing.T) {
	fixed := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4464}
	r, _ := newTestReceiver(t, protocol.KindDefault, ReceiverConfig{Peer: fixed})
	s := newTestSender(t, protocol.KindDefault, 1)

	r.handleDatagram(datagrams(s, 1)[0], localhost)
	assert.Equal(t, fixed, r.Peer())
}

func TestReceiverRejectsIncompatiblePeer(t *testing.T) {
	errc := make(chan error, 4)
	r, sink := newTestReceiver(t, protocol.KindDefault, ReceiverConfig{
		OnError: func(err error) { errc <- err },
	})

	junk := make([]byte, protocol.DefaultHeaderSize+testFormat.SlotBytes())
	junk[12] = 0xee
	r.handleDatagram(junk, localhost)
	r.handleDatagram(junk, localhost)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, protocol.ErrPeerIncompatible)
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}
	assert.False(t, r.Connected())
	assert.Empty(t, sink.delivered())
	assert.Len(t, errc, 0)
}

func TestReceiverBindIsExclusive(t *testing.T) {
	r, _ := newTestReceiver(t, protocol.KindDefault, ReceiverConfig{})

	header, err := protocol.New(protocol.KindDefault, testFormat)
	require.NoError(t, err)
	_, err = NewReceiver(ReceiverConfig{
		BindAddress: "127.0.0.1",
		BindPort:    r.LocalAddr().Port,
	}, header, &recordSink{})
	assert.ErrorIs(t, err, ErrBind)
}

func TestReceiverWaitingTooLong(t *testing.T) {
	var mu sync.Mutex
	var waits []time.Duration
	r, _ := newTestReceiver(t, protocol.KindDefault, ReceiverConfig{
		PollInterval:     5 * time.Millisecond,
		WaitWarnInterval: 20 * time.Millisecond,
		OnWaitingTooLong: func(elapsed time.Duration) {
			mu.Lock()
			waits = append(waits, elapsed)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(waits), 2)
	assert.GreaterOrEqual(t, waits[0], 20*time.Millisecond)
	assert.Greater(t, waits[1], waits[0])
}

func TestReceiverStopsWithinPollInterval(t *testing.T) {
	r, _ := newTestReceiver(t, protocol.KindDefault, ReceiverConfig{PollInterval: 20 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	start := time.Now()
	r.Stop()
	r.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Less(t, time.Since(start), 200*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("receiver did not stop")
	}
}

func TestSenderDropsFramesWithoutPeer(t *testing.T) {
	s := newTestSender(t, protocol.KindDefault, 2)

	require.NoError(t, s.sendFrame(framePayload(0)))
	assert.Equal(t, uint64(1), s.Stats().Dropped)
	assert.Equal(t, uint16(0), s.header.SequenceNumber())
	assert.Zero(t, s.history.Len())
}

func TestSenderRejectsOversizedDatagram(t *testing.T) {
	header, err := protocol.New(protocol.KindDefault, testFormat)
	require.NoError(t, err)
	ring, err := ringbuffer.New(ringbuffer.Config{SlotSize: 16384})
	require.NoError(t, err)

	_, err = NewSender(SenderConfig{Redundancy: 8}, header, ring)
	assert.Error(t, err)
}

func TestLoopbackStream(t *testing.T) {
	const frames = 200

	r, sink := newTestReceiver(t, protocol.KindDefault, ReceiverConfig{PollInterval: 10 * time.Millisecond})

	header, err := protocol.New(protocol.KindDefault, testFormat)
	require.NoError(t, err)
	ring, err := ringbuffer.New(ringbuffer.Config{SlotSize: testFormat.SlotBytes(), NumSlots: 8})
	require.NoError(t, err)

	s, err := NewSender(SenderConfig{
		Redundancy: 2,
		Peer:       &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.LocalAddr().Port},
	}, header, ring)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); assert.NoError(t, r.Run(ctx)) }()
	go func() { defer wg.Done(); assert.NoError(t, s.Run(ctx)) }()

	for i := 0; i < frames; i++ {
		require.NoError(t, ring.InsertBlocking(ctx, framePayload(uint32(i))))
		// pace the stream so the socket buffer never overflows
		if i%16 == 15 {
			time.Sleep(time.Millisecond)
		}
	}

	require.Eventually(t, func() bool {
		return len(sink.delivered()) == frames
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	r.Stop()
	wg.Wait()

	for i, frame := range sink.delivered() {
		assert.Equal(t, uint32(i), frame)
	}
	assert.Equal(t, uint64(frames), s.Stats().Sent)
	assert.Equal(t, uint16(frames), header.SequenceNumber())
}
