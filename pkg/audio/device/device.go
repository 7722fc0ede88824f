// ABOUTME: Audio device abstraction driving the session from a periodic callback
// ABOUTME: Common config, the process callback contract and backend selection by name
package device

import (
	"fmt"
	"strings"

	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/decode"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ProcessFunc is called once per device period. in holds the captured
// buffer and out receives the buffer to play, both channel-major at the
// device's bit resolution and exactly one period long.
type ProcessFunc func(in, out []byte)

// Device is a duplex audio endpoint with a fixed period
type Device interface {
	SampleRate() int
	BufferSizeInSamples() int
	BitResolution() audio.BitResolution
	NumChannels() int

	// SetProcessCallback installs the per-period callback; it may be
	// replaced at any time
	SetProcessCallback(fn ProcessFunc)

	Start() error
	Close() error
}

// Config holds device configuration
type Config struct {
	// SampleRate in Hz (default: 48000)
	SampleRate int

	// BufferSize is the period in frames (default: 128)
	BufferSize int

	// Channels is the channel count for both directions (default: 2)
	Channels int

	// BitDepth is the sample format handed to the callback (default: 16)
	BitDepth audio.BitResolution

	Logger *logrus.Entry
}

func (c *Config) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = 48000
	}
	if c.BufferSize == 0 {
		c.BufferSize = 128
	}
	if c.Channels == 0 {
		c.Channels = 2
	}
	if c.BitDepth == 0 {
		c.BitDepth = audio.Bit16
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("prefix", "device")
	}
}

// Format returns the callback buffer layout
func (c Config) Format() audio.Format {
	return audio.Format{
		SampleRate: c.SampleRate,
		BufferSize: c.BufferSize,
		Channels:   c.Channels,
		BitDepth:   c.BitDepth,
	}
}

// base carries the parts every backend shares
type base struct {
	format  audio.Format
	process atomic.Pointer[ProcessFunc]
	log     *logrus.Entry
}

func (b *base) init(config Config) error {
	config.applyDefaults()
	if err := config.Format().Validate(); err != nil {
		return fmt.Errorf("device format: %w", err)
	}
	b.format = config.Format()
	b.log = config.Logger
	return nil
}

func (b *base) SampleRate() int                    { return b.format.SampleRate }
func (b *base) BufferSizeInSamples() int           { return b.format.BufferSize }
func (b *base) BitResolution() audio.BitResolution { return b.format.BitDepth }
func (b *base) NumChannels() int                   { return b.format.Channels }

func (b *base) SetProcessCallback(fn ProcessFunc) {
	if fn == nil {
		b.process.Store(nil)
		return
	}
	b.process.Store(&fn)
}

// run invokes the callback, or plays silence without one
func (b *base) run(in, out []byte) {
	if fn := b.process.Load(); fn != nil {
		(*fn)(in, out)
		return
	}
	clear(out)
}

// Open creates a device by backend name: malgo, oto, portaudio, tone,
// echo, null or file:<path>
func Open(name string, config Config) (Device, error) {
	config.applyDefaults()

	switch {
	case name == "" || name == "malgo":
		return NewMalgo(config)
	case name == "oto":
		return NewOto(config)
	case name == "portaudio":
		return NewPortAudio(config)
	case name == "tone":
		return NewLoopback(config, LoopbackOptions{
			Source: NewToneSource(440, config.SampleRate, config.Channels),
		})
	case name == "echo":
		return NewLoopback(config, LoopbackOptions{Echo: true})
	case name == "null":
		return NewLoopback(config, LoopbackOptions{})
	case strings.HasPrefix(name, "file:"):
		src, err := decode.Open(strings.TrimPrefix(name, "file:"), decode.Options{Loop: true})
		if err != nil {
			return nil, err
		}
		return NewLoopback(config, LoopbackOptions{Source: src})
	}
	return nil, fmt.Errorf("unknown audio device %q (supported: malgo, oto, portaudio, tone, echo, null, file:<path>)", name)
}
