// ABOUTME: Tests for device selection, the period adapter and the software device
// ABOUTME: Runs without audio hardware using manual loopback ticks
package device

import (
	"math"
	"testing"
	"time"

	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAudioImplementsDevice(t *testing.T) {
	var _ Device = (*PortAudio)(nil)
	var _ Device = (*Malgo)(nil)
	var _ Device = (*Oto)(nil)
	var _ Device = (*Loopback)(nil)
}

func TestOpenByName(t *testing.T) {
	for _, name := range []string{"tone", "echo", "null"} {
		d, err := Open(name, Config{})
		require.NoError(t, err, name)
		assert.Equal(t, 48000, d.SampleRate())
		assert.Equal(t, 128, d.BufferSizeInSamples())
		assert.Equal(t, 2, d.NumChannels())
		assert.Equal(t, audio.Bit16, d.BitResolution())
		require.NoError(t, d.Close())
	}

	_, err := Open("jack", Config{})
	assert.Error(t, err)

	_, err = Open("file:/does/not/exist.flac", Config{})
	assert.Error(t, err)

	_, err = Open("null", Config{BitDepth: 12})
	assert.Error(t, err)
}

func TestBlockerPassesThroughWholePeriods(t *testing.T) {
	var b base
	require.NoError(t, b.init(Config{SampleRate: 48000, BufferSize: 4, Channels: 1, BitDepth: audio.Bit32}))

	calls := 0
	b.SetProcessCallback(func(in, out []byte) {
		calls++
		copy(out, in)
	})
	k := newBlocker(&b)

	in := []float32{0.5, -0.25, 0.125, 0}
	out := make([]float32, 4)
	k.process(in, out)

	assert.Equal(t, 1, calls)
	assert.InDeltaSlice(t, []float32{0.5, -0.25, 0.125, 0}, out, 1e-6)
}

func TestBlockerRegroupsOddCallbacks(t *testing.T) {
	var b base
	require.NoError(t, b.init(Config{SampleRate: 48000, BufferSize: 4, Channels: 2, BitDepth: audio.Bit24}))

	var periods int
	b.SetProcessCallback(func(in, out []byte) {
		periods++
		copy(out, in)
	})
	k := newBlocker(&b)

	// 3 frames per callback against a 4 frame period
	var captured, played []float32
	next := float32(0)
	for i := 0; i < 8; i++ {
		in := make([]float32, 6)
		for j := range in {
			next += 1.0 / 1024
			in[j] = next
		}
		captured = append(captured, in...)
		out := make([]float32, 6)
		k.process(in, out)
		played = append(played, out...)
	}

	assert.Equal(t, 6, periods)
	// the first callback has no full period yet and plays silence
	assert.Equal(t, make([]float32, 6), played[:6])
	assert.InDeltaSlice(t, captured[:42], played[6:], 1e-6)
}

func TestBlockerSilentWithoutCallback(t *testing.T) {
	var b base
	require.NoError(t, b.init(Config{BufferSize: 2, Channels: 1}))
	k := newBlocker(&b)

	out := []float32{1, 1}
	k.process(nil, out)
	assert.Equal(t, []float32{0, 0}, out)
}

func TestLoopbackEcho(t *testing.T) {
	d, err := NewLoopback(Config{BufferSize: 4, Channels: 1}, LoopbackOptions{Echo: true, Manual: true})
	require.NoError(t, err)
	defer d.Close()

	var captured [][]byte
	counter := byte(0)
	d.SetProcessCallback(func(in, out []byte) {
		captured = append(captured, append([]byte(nil), in...))
		counter++
		for i := range out {
			out[i] = counter
		}
	})

	require.NoError(t, d.Start())
	d.Tick()
	d.Tick()
	d.Tick()

	require.Len(t, captured, 3)
	assert.Equal(t, make([]byte, 8), captured[0])
	assert.Equal(t, []byte{1, 1, 1, 1, 1, 1, 1, 1}, captured[1])
	assert.Equal(t, []byte{2, 2, 2, 2, 2, 2, 2, 2}, captured[2])
}

func TestLoopbackToneCaptureAndPlaybackTap(t *testing.T) {
	format := Config{SampleRate: 48000, BufferSize: 48, Channels: 2, BitDepth: audio.Bit16}

	var played int
	d, err := NewLoopback(format, LoopbackOptions{
		Source:   NewToneSource(1000, 48000, 1),
		Manual:   true,
		Playback: func(out []byte) { played++ },
	})
	require.NoError(t, err)
	defer d.Close()

	var peak float32
	d.SetProcessCallback(func(in, out []byte) {
		samples := make([]float32, 48*2)
		audio.ChannelMajorToFloat(in, 2, audio.Bit16, samples)
		for i := 0; i < 48; i++ {
			// mono source is duplicated to both channels
			require.Equal(t, samples[i*2], samples[i*2+1])
			peak = max(peak, float32(math.Abs(float64(samples[i*2]))))
		}
	})

	d.Tick()
	d.Tick()
	assert.Equal(t, 2, played)
	assert.InDelta(t, 0.5, peak, 0.01)
}

func TestLoopbackResamplesSource(t *testing.T) {
	d, err := NewLoopback(Config{SampleRate: 48000, BufferSize: 64, Channels: 1}, LoopbackOptions{
		Source: NewToneSource(440, 44100, 1),
		Manual: true,
	})
	require.NoError(t, err)
	defer d.Close()

	silent := 0
	d.SetProcessCallback(func(in, out []byte) {
		for _, b := range in {
			if b != 0 {
				return
			}
		}
		silent++
	})
	for i := 0; i < 20; i++ {
		d.Tick()
	}
	assert.Zero(t, silent)
}

func TestLoopbackClockTicks(t *testing.T) {
	d, err := NewLoopback(Config{SampleRate: 48000, BufferSize: 48}, LoopbackOptions{Period: 2 * time.Millisecond})
	require.NoError(t, err)

	ticks := make(chan struct{}, 100)
	d.SetProcessCallback(func(in, out []byte) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	require.NoError(t, d.Start())
	require.NoError(t, d.Start())

	require.Eventually(t, func() bool { return len(ticks) >= 5 }, time.Second, time.Millisecond)
	require.NoError(t, d.Close())
}

func TestToneSource(t *testing.T) {
	s := NewToneSource(12000, 48000, 2)
	buf := make([]float32, 8)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	// a quarter of the period per frame
	assert.InDelta(t, 0, buf[0], 1e-6)
	assert.InDelta(t, 0.5, buf[2], 1e-6)
	assert.InDelta(t, 0, buf[4], 1e-6)
	assert.InDelta(t, -0.5, buf[6], 1e-6)
	assert.Equal(t, buf[6], buf[7])
}

func TestPortAudioStubFails(t *testing.T) {
	p, err := NewPortAudio(Config{})
	require.NoError(t, err)
	if p.Start() == nil {
		t.Skip("built with portaudio")
	}
	assert.NoError(t, p.Close())
}
