// ABOUTME: Adapter from variable-size float callbacks to fixed-period byte callbacks
// ABOUTME: Buffers capture and playback frames so the process callback always sees one period
package device

import (
	"encoding/binary"
	"math"

	"github.com/Resonate-Protocol/udptrip/pkg/audio"
)

// blocker regroups interleaved float frames from a backend into periods.
// When the backend already calls back with exactly one period the data
// passes straight through without added latency.
type blocker struct {
	b        *base
	channels int
	period   int // samples per period, all channels

	inFifo  []float32
	outFifo []float32

	inBytes  []byte
	outBytes []byte
	block    []float32
}

func newBlocker(b *base) *blocker {
	f := b.format
	return &blocker{
		b:        b,
		channels: f.Channels,
		period:   f.BufferSize * f.Channels,
		inBytes:  make([]byte, f.SlotBytes()),
		outBytes: make([]byte, f.SlotBytes()),
		block:    make([]float32, f.BufferSize*f.Channels),
	}
}

// process consumes captured samples and fills out with playback samples.
// A nil in captures silence.
func (k *blocker) process(in, out []float32) {
	if in == nil {
		k.inFifo = append(k.inFifo, make([]float32, len(out))...)
	} else {
		k.inFifo = append(k.inFifo, in...)
	}

	bits := k.b.format.BitDepth
	for len(k.inFifo) >= k.period {
		audio.FloatToChannelMajor(k.inFifo[:k.period], k.channels, k.inBytes, k.channels, bits)
		k.b.run(k.inBytes, k.outBytes)
		audio.ChannelMajorToFloat(k.outBytes, k.channels, bits, k.block)
		k.outFifo = append(k.outFifo, k.block...)

		n := copy(k.inFifo, k.inFifo[k.period:])
		k.inFifo = k.inFifo[:n]
	}

	n := copy(out, k.outFifo)
	clear(out[n:])
	rest := copy(k.outFifo, k.outFifo[n:])
	k.outFifo = k.outFifo[:rest]
}

// bytesToFloats decodes little-endian float32 samples
func bytesToFloats(src []byte, dst []float32) []float32 {
	n := len(src) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return dst
}

// floatsToBytes encodes little-endian float32 samples
func floatsToBytes(src []float32, dst []byte) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}
