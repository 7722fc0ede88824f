// ABOUTME: Audio process plugins run on the device thread
// ABOUTME: Volume/mute and peak metering over interleaved float buffers
package session

import (
	"math"

	"go.uber.org/atomic"
)

// Direction selects which side of the device a plugin processes
type Direction int

const (
	// ToNetwork plugins see captured audio before it is queued for sending
	ToNetwork Direction = iota
	// FromNetwork plugins see received audio before it is played
	FromNetwork
)

func (d Direction) String() string {
	if d == FromNetwork {
		return "from-network"
	}
	return "to-network"
}

// Plugin processes one device period in place. samples holds interleaved
// frames with the given channel count. Process runs on the audio device
// thread and must not block.
type Plugin interface {
	Name() string
	Process(samples []float32, channels int)
}

// Gain scales audio by a volume percentage and can mute it
type Gain struct {
	volume atomic.Int32
	muted  atomic.Bool
}

// NewGain creates a gain stage at volume percent
func NewGain(volume int) *Gain {
	g := &Gain{}
	g.SetVolume(volume)
	return g
}

func (g *Gain) Name() string { return "gain" }

// SetVolume sets the volume in percent, clamped to 0-100
func (g *Gain) SetVolume(volume int) {
	g.volume.Store(int32(max(0, min(volume, 100))))
}

func (g *Gain) Volume() int {
	return int(g.volume.Load())
}

func (g *Gain) SetMuted(muted bool) {
	g.muted.Store(muted)
}

func (g *Gain) Muted() bool {
	return g.muted.Load()
}

func (g *Gain) Process(samples []float32, channels int) {
	multiplier := g.multiplier()
	if multiplier == 1 {
		return
	}
	for i, s := range samples {
		samples[i] = s * multiplier
	}
}

func (g *Gain) multiplier() float32 {
	if g.muted.Load() {
		return 0
	}
	return float32(g.volume.Load()) / 100
}

// PeakMeter records the absolute peak of each period it sees
type PeakMeter struct {
	name string
	peak atomic.Float64
	hold atomic.Float64
}

// NewPeakMeter creates a meter reported under name
func NewPeakMeter(name string) *PeakMeter {
	return &PeakMeter{name: name}
}

func (m *PeakMeter) Name() string { return m.name }

func (m *PeakMeter) Process(samples []float32, channels int) {
	var peak float64
	for _, s := range samples {
		peak = max(peak, math.Abs(float64(s)))
	}
	m.peak.Store(peak)
	if peak > m.hold.Load() {
		m.hold.Store(peak)
	}
}

// Peak returns the peak of the last period, 0 to 1
func (m *PeakMeter) Peak() float64 {
	return m.peak.Load()
}

// Hold returns the highest peak since the last call and resets it
func (m *PeakMeter) Hold() float64 {
	return m.hold.Swap(0)
}

// PeakDB returns the last peak in dBFS, -inf for silence
func (m *PeakMeter) PeakDB() float64 {
	return 20 * math.Log10(m.Peak())
}
