// ABOUTME: Software-clocked device without audio hardware
// ABOUTME: Captures from a source, its own playback (echo) or silence on a ticker or manual ticks
package device

import (
	"sync"
	"time"

	"github.com/Resonate-Protocol/udptrip/internal/clock"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/decode"
	"github.com/sirupsen/logrus"
)

// LoopbackOptions select what a Loopback device captures
type LoopbackOptions struct {
	// Echo captures the buffer played one period earlier
	Echo bool

	// Source is converted to the device format and captured; ignored with Echo
	Source decode.Source

	// Playback receives every played buffer on the device goroutine
	Playback func(out []byte)

	// Manual disables the internal clock; the caller drives Tick
	Manual bool

	// Period overrides the nominal period of the internal clock
	Period time.Duration
}

// Loopback runs the process callback from a ticker at the nominal period
type Loopback struct {
	base

	opts    LoopbackOptions
	capture *sourceReader

	mu  sync.Mutex
	in  []byte
	out []byte

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewLoopback creates a software device
func NewLoopback(config Config, opts LoopbackOptions) (*Loopback, error) {
	l := &Loopback{opts: opts, stop: make(chan struct{})}
	if err := l.init(config); err != nil {
		return nil, err
	}
	if opts.Source != nil && !opts.Echo {
		capture, err := newSourceReader(opts.Source, l.format)
		if err != nil {
			return nil, err
		}
		l.capture = capture
	}
	l.in = make([]byte, l.format.SlotBytes())
	l.out = make([]byte, l.format.SlotBytes())
	return l, nil
}

// Start begins ticking unless the device is manual
func (l *Loopback) Start() error {
	if l.opts.Manual {
		return nil
	}

	l.startOnce.Do(func() {
		period := l.opts.Period
		if period <= 0 {
			period = clock.NominalPeriod(l.format.BufferSize, l.format.SampleRate)
		}

		l.log.WithFields(logrus.Fields{
			"rate":   l.format.SampleRate,
			"buffer": l.format.BufferSize,
			"period": period,
			"echo":   l.opts.Echo,
		}).Info("Audio device started (software clock)")

		l.wg.Add(1)
		go l.loop(period)
	})
	return nil
}

func (l *Loopback) loop(period time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Tick runs one device period
func (l *Loopback) Tick() {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.opts.Echo:
		copy(l.in, l.out)
	case l.capture != nil:
		l.capture.fill(l.in)
	default:
		clear(l.in)
	}

	l.run(l.in, l.out)
	if l.opts.Playback != nil {
		l.opts.Playback(l.out)
	}
}

// Close stops the clock and closes the source
func (l *Loopback) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()

	if l.opts.Source != nil {
		return l.opts.Source.Close()
	}
	return nil
}
