// ABOUTME: Converts device periods to the network layout and back
// ABOUTME: Runs process plugins on the float form; passes bytes through when nothing applies
package session

import (
	"github.com/Resonate-Protocol/udptrip/pkg/audio"
)

// bridge converts one period between two channel-major layouts with the
// same rate and buffer size
type bridge struct {
	from, to audio.Format
	same     bool

	samples []float32
	scratch []byte
}

func newBridge(from, to audio.Format) *bridge {
	return &bridge{
		from:    from,
		to:      to,
		same:    from == to,
		samples: make([]float32, from.BufferSize*from.Channels),
		scratch: make([]byte, max(from.SlotBytes(), to.SlotBytes())),
	}
}

func (b *bridge) direct(plugins []Plugin) bool {
	return b.same && len(plugins) == 0
}

// process converts src in one step, returning src itself when no
// conversion is needed. The result is valid until the next call.
func (b *bridge) process(src []byte, plugins []Plugin) []byte {
	if b.direct(plugins) {
		return src
	}
	dst := b.scratch[:b.to.SlotBytes()]
	b.convert(src, dst, plugins)
	return dst
}

// source returns the buffer the from-side data should be written to
// before finish converts it into dst
func (b *bridge) source(dst []byte, plugins []Plugin) []byte {
	if b.direct(plugins) {
		return dst
	}
	return b.scratch[:b.from.SlotBytes()]
}

// finish converts a buffer obtained from source into dst
func (b *bridge) finish(src, dst []byte, plugins []Plugin) {
	if b.direct(plugins) {
		return
	}
	b.convert(src, dst, plugins)
}

func (b *bridge) convert(src, dst []byte, plugins []Plugin) {
	audio.ChannelMajorToFloat(src, b.from.Channels, b.from.BitDepth, b.samples)
	for _, p := range plugins {
		p.Process(b.samples, b.from.Channels)
	}
	audio.FloatToChannelMajor(b.samples, b.from.Channels, dst, b.to.Channels, b.to.BitDepth)
}
