//go:build portaudio

// ABOUTME: PortAudio duplex device backend
// ABOUTME: Opens the default input and output stream with a fixed frames-per-buffer
package device

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"
)

// PortAudio is a duplex device on the default PortAudio host API
type PortAudio struct {
	base

	stream  *portaudio.Stream
	blocker *blocker
}

// NewPortAudio creates a PortAudio device; the stream is opened by Start
func NewPortAudio(config Config) (*PortAudio, error) {
	p := &PortAudio{}
	if err := p.init(config); err != nil {
		return nil, err
	}
	p.blocker = newBlocker(&p.base)
	return p, nil
}

// Start initializes PortAudio and starts the stream
func (p *PortAudio) Start() error {
	if p.stream != nil {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	f := p.format
	stream, err := portaudio.OpenDefaultStream(f.Channels, f.Channels, float64(f.SampleRate), f.BufferSize,
		func(in, out []float32) {
			p.blocker.process(in, out)
		})
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to open stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to start stream: %w", err)
	}
	p.stream = stream

	p.log.WithFields(logrus.Fields{
		"rate":     f.SampleRate,
		"buffer":   f.BufferSize,
		"channels": f.Channels,
	}).Info("Audio device started (portaudio)")
	return nil
}

// Close stops the stream and terminates PortAudio
func (p *PortAudio) Close() error {
	if p.stream == nil {
		return nil
	}
	if err := p.stream.Stop(); err != nil {
		return err
	}
	if err := p.stream.Close(); err != nil {
		return err
	}
	p.stream = nil
	return portaudio.Terminate()
}
