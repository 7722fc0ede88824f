// ABOUTME: Malgo (miniaudio) duplex device backend
// ABOUTME: Opens capture and playback on one device with float32 samples
package device

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"
)

// Malgo is a duplex device on the system default input and output
type Malgo struct {
	base

	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	blocker  *blocker

	inFloat  []float32
	outFloat []float32
}

// NewMalgo creates a malgo device; the hardware is opened by Start
func NewMalgo(config Config) (*Malgo, error) {
	m := &Malgo{}
	if err := m.init(config); err != nil {
		return nil, err
	}
	m.blocker = newBlocker(&m.base)
	return m, nil
}

// Start opens and starts the device
func (m *Malgo) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		return nil
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		m.log.Debug(message)
	})
	if err != nil {
		return fmt.Errorf("failed to initialize malgo context: %w", err)
	}
	m.malgoCtx = ctx

	f := m.format
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(f.Channels)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(f.Channels)
	deviceConfig.SampleRate = uint32(f.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(f.BufferSize)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: m.dataCallback,
	}

	device, err := malgo.InitDevice(m.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		m.freeContext()
		return fmt.Errorf("failed to initialize duplex device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		m.freeContext()
		return fmt.Errorf("failed to start device: %w", err)
	}
	m.device = device

	m.log.WithFields(logrus.Fields{
		"rate":     f.SampleRate,
		"buffer":   f.BufferSize,
		"channels": f.Channels,
		"bits":     int(f.BitDepth),
	}).Info("Audio device started (malgo)")
	return nil
}

// dataCallback runs on the miniaudio thread
func (m *Malgo) dataCallback(pOutput, pInput []byte, frameCount uint32) {
	m.inFloat = bytesToFloats(pInput, m.inFloat)
	n := int(frameCount) * m.format.Channels
	if cap(m.outFloat) < n {
		m.outFloat = make([]float32, n)
	}
	out := m.outFloat[:n]

	var in []float32
	if len(m.inFloat) == n {
		in = m.inFloat
	}
	m.blocker.process(in, out)
	floatsToBytes(out, pOutput)
}

// Close stops the device and releases the context
func (m *Malgo) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		if err := m.device.Stop(); err != nil {
			m.log.WithError(err).Warn("Device stop error")
		}
		m.device.Uninit()
		m.device = nil
	}
	m.freeContext()
	return nil
}

// freeContext releases the malgo context (must hold m.mu)
func (m *Malgo) freeContext() {
	if m.malgoCtx == nil {
		return
	}
	if err := m.malgoCtx.Uninit(); err != nil {
		m.log.WithError(err).Warn("Malgo context uninit error")
	}
	m.malgoCtx.Free()
	m.malgoCtx = nil
}
