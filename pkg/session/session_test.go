// ABOUTME: Tests for the session lifecycle, renegotiation, plugins and format conversion
// ABOUTME: Drives sessions through a simulated datagram path without sockets
package session

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/device"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/resample"
	"github.com/Resonate-Protocol/udptrip/pkg/protocol"
	"github.com/Resonate-Protocol/udptrip/pkg/ringbuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stereo48k = device.Config{SampleRate: 48000, BufferSize: 64, Channels: 2, BitDepth: audio.Bit16}

// newConfigured creates a configured session on a manual software device
func newConfigured(t *testing.T, config Config, dev device.Config) *Session {
	t.Helper()
	d, err := device.NewLoopback(dev, device.LoopbackOptions{Manual: true})
	require.NoError(t, err)

	if config.PeerHost == "" && config.Role == RoleClient {
		config.PeerHost = "127.0.0.1"
	}
	s, err := New(config, d)
	require.NoError(t, err)
	require.NoError(t, s.Configure())
	t.Cleanup(func() { s.Close() })
	return s
}

// nextPacket pops one frame from the send ring and frames it the way the
// sender does
func nextPacket(t *testing.T, s *Session) []byte {
	t.Helper()
	payload := make([]byte, s.sendRing.SlotSize())
	require.False(t, s.sendRing.ReadNonBlocking(payload), "send ring underrun")

	hsize := s.header.SizeInBytes()
	pkt := make([]byte, hsize+len(payload))
	s.header.FillFromLocal()
	require.NoError(t, s.header.Serialize(pkt[:hsize]))
	copy(pkt[hsize:], payload)
	s.header.IncreaseSequenceNumber()
	return pkt
}

// toneFrame writes a channel-major sine period starting at frame offset
func toneFrame(f audio.Format, offset int, out []byte) {
	samples := make([]float32, f.BufferSize)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(offset+i)/float64(f.SampleRate)))
	}
	audio.FloatToChannelMajor(samples, 1, out, f.Channels, f.BitDepth)
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		name string
		want Role
	}{
		{"client", RoleClient},
		{"server", RoleServer},
		{"ping-client", RolePingClient},
		{"PING-SERVER", RolePingServer},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.want.String(), got.String())
	}

	_, err := ParseRole("hub")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	m, err := ParseResamplingMode("adaptive")
	require.NoError(t, err)
	assert.Equal(t, ResampleAdaptive, m)
	_, err = ParseResamplingMode("sinc")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigureRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"ping server role", Config{Role: RolePingServer}},
		{"bit resolution", Config{BitResolution: 12}},
		{"redundancy", Config{Redundancy: -1}},
		{"underrun mode", Config{Underrun: ringbuffer.UnderrunMode(7)}},
		{"queue length", Config{QueueLength: 1}},
		{"jamlink width", Config{HeaderKind: protocol.KindJamLink, BitResolution: audio.Bit24}},
		{"header kind", Config{HeaderKind: protocol.Kind(5)}},
		{"ping server address", Config{Role: RolePingClient}},
		{"bind port", Config{BindPort: 70000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := device.NewLoopback(stereo48k, device.LoopbackOptions{Manual: true})
			require.NoError(t, err)
			s, err := New(tt.config, d)
			require.NoError(t, err)
			assert.ErrorIs(t, s.Configure(), ErrInvalidConfig)
			assert.Equal(t, StateCreated, s.State())
		})
	}

	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDefaultsComeFromDevice(t *testing.T) {
	s := newConfigured(t, Config{}, device.Config{SampleRate: 44100, BufferSize: 128, Channels: 1, BitDepth: audio.Bit24})

	assert.Equal(t, 44100, s.SampleRate())
	assert.Equal(t, 128, s.BufferSize())
	assert.Equal(t, 1, s.NumChannels())
	assert.Equal(t, audio.Bit24, s.BitResolution())
	assert.Equal(t, 1, s.Redundancy())
	assert.Equal(t, uint16(0), s.SequenceNumber())
	assert.Len(t, s.ID(), 36)
	assert.Equal(t, StateConfiguring, s.State())
}

func TestLifecycleIsOneWay(t *testing.T) {
	d, err := device.NewLoopback(stereo48k, device.LoopbackOptions{Manual: true})
	require.NoError(t, err)
	s, err := New(Config{Role: RoleClient}, d)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Start(context.Background()), ErrInvalidState)

	require.NoError(t, s.Configure())
	assert.ErrorIs(t, s.Configure(), ErrInvalidState)

	// a client without a peer cannot start and stays configurable
	assert.ErrorIs(t, s.Start(context.Background()), ErrInvalidConfig)
	assert.Equal(t, StateConfiguring, s.State())

	s.Stop()
	s.Stop()
	assert.Equal(t, StateStopped, s.State())
	assert.NoError(t, s.Wait())

	assert.ErrorIs(t, s.Configure(), ErrInvalidState)
	assert.ErrorIs(t, s.Start(context.Background()), ErrInvalidState)
	assert.ErrorIs(t, s.SetPeerAddress("127.0.0.1", 4464), ErrInvalidState)
	assert.ErrorIs(t, s.AppendProcessPlugin(NewGain(50), ToNetwork), ErrInvalidState)
	assert.NoError(t, s.Close())
}

func TestSetPeerAddress(t *testing.T) {
	client := newConfigured(t, Config{Role: RoleClient}, stereo48k)
	assert.NoError(t, client.SetPeerAddress("example.net", 5000))
	assert.ErrorIs(t, client.SetPeerAddress("example.net", 0), ErrInvalidConfig)
	assert.ErrorIs(t, client.SetPeerAddress("", 5000), ErrInvalidConfig)

	server := newConfigured(t, Config{Role: RoleServer}, stereo48k)
	assert.ErrorIs(t, server.SetPeerAddress("example.net", 5000), ErrInvalidConfig)
}

func TestLosslessPathReproducesEveryFrame(t *testing.T) {
	a := newConfigured(t, Config{}, stereo48k)
	b := newConfigured(t, Config{}, stereo48k)

	rng := rand.New(rand.NewSource(9))
	frame := make([]byte, 64*2*2)
	out := make([]byte, len(frame))

	for i := 0; i < 1000; i++ {
		rng.Read(frame)
		a.ReadAudioBuffer(frame)
		b.Deliver(nextPacket(t, a))
		b.WriteAudioBuffer(out)
		require.Equal(t, frame, out, "frame %d", i)
	}

	stats := b.Stats()
	assert.Zero(t, stats.Receive.Underruns)
	assert.Zero(t, stats.Receive.Overflows)
	assert.Zero(t, stats.Send.Overflows)
	assert.Equal(t, uint64(0), b.PeerGeneration())
	assert.False(t, b.Peer().Resampling)
	assert.Equal(t, uint16(1000%65536), a.SequenceNumber())
}

// runRateMismatch streams a 44.1 kHz peer into a 48 kHz session on a shared
// simulated clock and returns the receiving session
func runRateMismatch(t *testing.T, mode ResamplingMode, seconds int, check func(reads int, b *Session)) *Session {
	t.Helper()

	// time unit is 1/(44100*48000) s so both periods are whole
	const (
		unitsPerSecond = 44100 * 48000
		periodA        = 64 * 48000
		periodB        = 64 * 44100
		preroll        = 3
	)
	var now int64
	micros := func() uint64 { return uint64(now * 1_000_000 / unitsPerSecond) }

	a := newConfigured(t, Config{}, device.Config{SampleRate: 44100, BufferSize: 64, Channels: 2, BitDepth: audio.Bit16})
	b := newConfigured(t, Config{QueueLength: 8, Resampling: mode, now: micros}, stereo48k)

	frame := make([]byte, 64*2*2)
	out := make([]byte, 64*2*2)
	total := int64(seconds) * unitsPerSecond

	var tA, tB int64
	sent, reads := 0, 0
	for tA < total || tB < total {
		if tA <= tB {
			now = tA
			toneFrame(a.local, sent*64, frame)
			a.ReadAudioBuffer(frame)
			b.Deliver(nextPacket(t, a))
			sent++
			tA += periodA
			continue
		}

		now = tB
		if sent >= preroll {
			b.WriteAudioBuffer(out)
			reads++
			if check != nil {
				check(reads, b)
			}
		}
		tB += periodB
	}
	return b
}

func TestRateMismatchScalesOutput(t *testing.T) {
	seconds := 10
	if testing.Short() {
		seconds = 2
	}

	b := runRateMismatch(t, ResampleUniform, seconds, func(reads int, b *Session) {
		if reads%750 != 0 {
			return
		}
		st := b.Stats().Resample
		exact := float64(st.InputFrames-resample.DefaultFilterLength) * 48000 / 44100
		require.InDelta(t, exact, float64(st.OutputFrames), 1, "after %d reads", reads)
	})

	stats := b.Stats()
	assert.Equal(t, uint64(1), b.PeerGeneration())
	assert.True(t, stats.Peer.Resampling)
	assert.Equal(t, 44100, stats.Peer.Format.SampleRate)
	assert.Zero(t, stats.Receive.Underruns)
	assert.Zero(t, stats.Receive.Overflows)
	assert.InDelta(t, 48000.0/44100, stats.Resample.Ratio, 1e-12)
	// the first three local periods fall before the pre-roll completes
	assert.Equal(t, uint64(seconds*750-3)*64, stats.Resample.OutputFrames)
}

func TestAdaptiveResamplingHoldsTheBuffer(t *testing.T) {
	seconds := 10
	if testing.Short() {
		seconds = 3
	}

	b := runRateMismatch(t, ResampleAdaptive, seconds, nil)

	stats := b.Stats()
	assert.Zero(t, stats.Receive.Underruns)
	assert.Zero(t, stats.Receive.Overflows)
	assert.InDelta(t, 48000.0/44100, stats.Resample.Ratio, 48000.0/44100*0.006)

	// the fill level is steered toward half the ring
	assert.Greater(t, stats.Receive.Occupancy, stats.Receive.Capacity/8)
	assert.Less(t, stats.Receive.Occupancy, stats.Receive.Capacity*7/8)

	assert.InDelta(t, 1e6*64/44100, stats.PeerPeriod, 5)
	assert.InDelta(t, 1e6*64/48000, stats.LocalPeriod, 5)
}

func TestPeerRenegotiationHappensOnce(t *testing.T) {
	a := newConfigured(t, Config{}, device.Config{SampleRate: 48000, BufferSize: 128, Channels: 1, BitDepth: audio.Bit24})
	b := newConfigured(t, Config{}, stereo48k)

	frame := make([]byte, 128*3)
	for i := 0; i < 3; i++ {
		toneFrame(a.local, i*128, frame)
		a.ReadAudioBuffer(frame)
		b.Deliver(nextPacket(t, a))
	}

	assert.Equal(t, uint64(1), b.PeerGeneration())
	peer := b.Peer()
	assert.Equal(t, 128, peer.Format.BufferSize)
	assert.Equal(t, 1, peer.Format.Channels)
	assert.Equal(t, audio.Bit24, peer.Format.BitDepth)
	assert.True(t, peer.Resampling)

	// 3 peer buffers of 128 frames cover the filter delay plus 5 local buffers of 64
	out := make([]byte, 64*2*2)
	for i := 0; i < 5; i++ {
		b.WriteAudioBuffer(out)
	}
	assert.Zero(t, b.Stats().Receive.Underruns)
}

func TestIncompatiblePeerReportedOnce(t *testing.T) {
	errs := make(chan error, 4)
	b := newConfigured(t, Config{OnError: func(err error) { errs <- err }}, stereo48k)

	pkt := make([]byte, protocol.DefaultHeaderSize+64*2*2)
	h, err := protocol.New(protocol.KindDefault, b.local)
	require.NoError(t, err)
	h.FillFromLocal()
	require.NoError(t, h.Serialize(pkt))
	pkt[12] = 0xee // sample rate code

	b.Deliver(pkt)
	b.Deliver(pkt)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, protocol.ErrPeerIncompatible)
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}
	assert.Never(t, func() bool { return len(errs) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, uint64(0), b.PeerGeneration())
}

func TestDefaultErrorPolicyStops(t *testing.T) {
	b := newConfigured(t, Config{}, stereo48k)
	b.reportError(errors.Join(errors.New("rate 0"), protocol.ErrPeerIncompatible))

	require.Eventually(t, func() bool { return b.State() == StateStopped }, time.Second, 5*time.Millisecond)
}

func TestPluginsRunInOrder(t *testing.T) {
	a := newConfigured(t, Config{}, stereo48k)
	b := newConfigured(t, Config{}, stereo48k)

	half := NewGain(50)
	require.NoError(t, a.AppendProcessPlugin(half, ToNetwork))
	require.NoError(t, a.AppendProcessPlugin(half, ToNetwork))
	meter := NewPeakMeter("input")
	require.NoError(t, b.AppendProcessPlugin(meter, FromNetwork))
	assert.ErrorIs(t, b.AppendProcessPlugin(nil, FromNetwork), ErrInvalidConfig)

	frame := make([]byte, 64*2*2)
	samples := make([]float32, 64)
	for i := range samples {
		samples[i] = 0.8
	}
	audio.FloatToChannelMajor(samples, 1, frame, 2, audio.Bit16)

	a.ReadAudioBuffer(frame)
	b.Deliver(nextPacket(t, a))
	out := make([]byte, len(frame))
	b.WriteAudioBuffer(out)

	got := make([]float32, 128)
	audio.ChannelMajorToFloat(out, 2, audio.Bit16, got)
	assert.InDelta(t, 0.2, got[0], 1e-4)
	assert.InDelta(t, 0.2, got[127], 1e-4)
	assert.InDelta(t, 0.2, meter.Peak(), 1e-4)
	assert.InDelta(t, 0.2, meter.Hold(), 1e-4)
	assert.Zero(t, meter.Hold())

	half.SetMuted(true)
	a.ReadAudioBuffer(frame)
	b.Deliver(nextPacket(t, a))
	b.WriteAudioBuffer(out)
	assert.Equal(t, make([]byte, len(out)), out)
	assert.True(t, math.IsInf(meter.PeakDB(), -1))
}

func TestGainClampsVolume(t *testing.T) {
	g := NewGain(150)
	assert.Equal(t, 100, g.Volume())
	g.SetVolume(-3)
	assert.Equal(t, 0, g.Volume())
	assert.Equal(t, "gain", g.Name())
}

func TestNetworkFormatDiffersFromDevice(t *testing.T) {
	// the device runs stereo 16-bit, the wire carries mono 24-bit
	s := newConfigured(t, Config{NumChannels: 1, BitResolution: audio.Bit24}, stereo48k)
	assert.Equal(t, 64*3, s.sendRing.SlotSize())

	frame := make([]byte, 64*2*2)
	toneFrame(s.deviceFormat, 0, frame)
	s.ReadAudioBuffer(frame)

	// loop the packet back into the same session
	s.Deliver(nextPacket(t, s))
	out := make([]byte, len(frame))
	s.WriteAudioBuffer(out)

	want := make([]float32, 128)
	got := make([]float32, 128)
	audio.ChannelMajorToFloat(frame, 2, audio.Bit16, want)
	audio.ChannelMajorToFloat(out, 2, audio.Bit16, got)
	assert.InDeltaSlice(t, want, got, 1.0/32767)
	assert.False(t, s.Peer().Resampling)
}

func TestWrongSizedBuffersAreIgnored(t *testing.T) {
	s := newConfigured(t, Config{}, stereo48k)
	s.ReadAudioBuffer(make([]byte, 7))
	assert.Zero(t, s.sendRing.Occupancy())

	out := []byte{1, 2, 3}
	s.WriteAudioBuffer(out)
	assert.Equal(t, []byte{0, 0, 0}, out)
}

func TestShortPeerBuffersFeedLongLocalReads(t *testing.T) {
	a := newConfigured(t, Config{}, stereo48k)
	b := newConfigured(t, Config{}, device.Config{SampleRate: 48000, BufferSize: 256, Channels: 2, BitDepth: audio.Bit16})

	frame := make([]byte, 64*2*2)
	out := make([]byte, 256*2*2)
	sent := 0
	send := func() {
		toneFrame(a.local, sent*64, frame)
		a.ReadAudioBuffer(frame)
		b.Deliver(nextPacket(t, a))
		sent++
	}

	// one buffer of pre-roll covers the filter lookahead
	send()
	const reads = 200
	for i := 0; i < reads; i++ {
		for j := 0; j < 4; j++ {
			send()
		}
		b.WriteAudioBuffer(out)
	}

	stats := b.Stats()
	assert.True(t, stats.Peer.Resampling)
	assert.Equal(t, 64, stats.Peer.Format.BufferSize)
	assert.GreaterOrEqual(t, stats.Receive.Capacity, 2*(256+resample.DefaultFilterLength+1)*2*2)
	assert.Zero(t, stats.Receive.Underruns)
	assert.Zero(t, stats.Receive.Overflows)
	assert.Equal(t, uint64(reads*256), stats.Resample.OutputFrames)
}

func TestRingSlots(t *testing.T) {
	f48 := audio.Format{SampleRate: 48000, BufferSize: 64, Channels: 2, BitDepth: audio.Bit16}
	long := f48
	long.BufferSize = 256
	f44 := f48
	f44.SampleRate = 44100

	assert.Equal(t, 4, ringSlots(f48, f48, 4, 0))
	// 2*(256+16+1) frames in 64-frame slots
	assert.Equal(t, 9, ringSlots(f48, long, 4, 0))
	assert.Equal(t, 10, ringSlots(f48, long, 10, 0))
	// short local reads keep the configured depth
	assert.Equal(t, 4, ringSlots(long, f48, 4, 0))
	// 2*(ceil(64*44100/48000)+16+1) = 152 frames
	assert.Equal(t, 4, ringSlots(f44, f48, 4, 0))
	assert.Equal(t, 3, ringSlots(f44, f48, 2, 0))
}
