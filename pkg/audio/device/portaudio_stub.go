//go:build !portaudio

// ABOUTME: PortAudio stub when the library is not compiled in
// ABOUTME: Keeps the backend name selectable and reports how to enable it
package device

import "errors"

var errNoPortAudio = errors.New("PortAudio support not enabled (build with -tags portaudio)")

// PortAudio device (stub)
type PortAudio struct {
	base
}

// NewPortAudio creates the stub device
func NewPortAudio(config Config) (*PortAudio, error) {
	p := &PortAudio{}
	if err := p.init(config); err != nil {
		return nil, err
	}
	return p, nil
}

// Start always fails without the portaudio build tag
func (p *PortAudio) Start() error {
	return errNoPortAudio
}

// Close does nothing
func (p *PortAudio) Close() error {
	return nil
}
