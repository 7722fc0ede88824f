// ABOUTME: Oto playback-only device backend
// ABOUTME: Oto pulls float32 bytes from a reader that runs the process callback per period
package device

import (
	"fmt"
	"sync"

	"github.com/Resonate-Protocol/udptrip/internal/clock"
	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"github.com/ebitengine/oto/v3"
	"github.com/sirupsen/logrus"
)

// Oto plays through the oto library. It has no capture side: the process
// callback always receives silence as input. Oto allows one context per
// process, so only one Oto device can be started.
type Oto struct {
	base

	mu     sync.Mutex
	otoCtx *oto.Context
	player *oto.Player

	silence  []byte
	outBytes []byte
	block    []float32
	pending  []byte
	closed   bool
}

// NewOto creates an oto device; the context is created by Start
func NewOto(config Config) (*Oto, error) {
	o := &Oto{}
	if err := o.init(config); err != nil {
		return nil, err
	}
	f := o.format
	o.silence = make([]byte, f.SlotBytes())
	o.outBytes = make([]byte, f.SlotBytes())
	o.block = make([]float32, f.BufferSize*f.Channels)
	return o, nil
}

// Start creates the oto context and begins playback
func (o *Oto) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.otoCtx != nil {
		return nil
	}

	f := o.format
	op := &oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   clock.NominalPeriod(f.BufferSize, f.SampleRate),
	}
	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	o.otoCtx = ctx
	o.player = ctx.NewPlayer(o)
	o.player.Play()

	o.log.WithFields(logrus.Fields{
		"rate":     f.SampleRate,
		"buffer":   f.BufferSize,
		"channels": f.Channels,
	}).Info("Audio device started (oto, playback only)")
	return nil
}

// Read implements io.Reader for the oto player, one period at a time
func (o *Oto) Read(p []byte) (int, error) {
	if len(o.pending) == 0 {
		o.base.run(o.silence, o.outBytes)
		audio.ChannelMajorToFloat(o.outBytes, o.format.Channels, o.format.BitDepth, o.block)
		if cap(o.pending) < len(o.block)*4 {
			o.pending = make([]byte, len(o.block)*4)
		}
		o.pending = o.pending[:len(o.block)*4]
		floatsToBytes(o.block, o.pending)
	}
	n := copy(p, o.pending)
	o.pending = o.pending[n:]
	return n, nil
}

// Close stops playback
func (o *Oto) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true

	if o.player != nil {
		o.player.Pause()
		if err := o.player.Close(); err != nil {
			o.log.WithError(err).Warn("Oto player close error")
		}
		o.player = nil
	}
	if o.otoCtx != nil {
		if err := o.otoCtx.Suspend(); err != nil {
			o.log.WithError(err).Warn("Oto suspend error")
		}
	}
	return nil
}
