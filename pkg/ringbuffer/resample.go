// ABOUTME: Resampling read path of the ring buffer
// ABOUTME: Drains peer frames through the resampler in lock-step with its input consumption
package ringbuffer

import (
	"errors"
	"fmt"

	"github.com/Resonate-Protocol/udptrip/internal/clock"
	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/resample"
	"github.com/sirupsen/logrus"
)

const (
	// fill-level steering strength in adaptive mode
	delayGain = 0.02
	// bound on the fill-level correction
	maxDelayCorrection = 0.005
)

// ResampleConfig describes the conversion done by ReadWithResampling
type ResampleConfig struct {
	// Peer is the layout of the interleaved frames stored in the buffer
	Peer audio.Format

	// Local is the layout written to the output buffer
	Local audio.Format

	// Resampler converts Peer.SampleRate to Local.SampleRate
	Resampler *resample.Resampler

	// Adaptive recomputes the ratio before every read from the period estimates
	Adaptive bool

	// PeerPeriod and LocalPeriod are required in adaptive mode
	PeerPeriod  *clock.PeriodEstimator
	LocalPeriod *clock.PeriodEstimator
}

type resampleState struct {
	ResampleConfig

	inBytes  []byte
	inFloat  []float32
	outFloat []float32

	consumedFrames uint64
	producedFrames uint64
}

// ResampleStats reports totals of the resampling read path
type ResampleStats struct {
	InputFrames  uint64
	OutputFrames uint64
	Ratio        float64
}

// EnableResampling switches the buffer's consumer to ReadWithResampling
func (rb *RingBuffer) EnableResampling(config ResampleConfig) error {
	if config.Resampler == nil {
		return errors.New("resampler required")
	}
	if config.Resampler.Channels() != config.Peer.Channels {
		return fmt.Errorf("resampler has %d channels, peer sends %d", config.Resampler.Channels(), config.Peer.Channels)
	}
	if config.Adaptive && (config.PeerPeriod == nil || config.LocalPeriod == nil) {
		return errors.New("adaptive resampling needs both period estimators")
	}
	if err := config.Peer.Validate(); err != nil {
		return fmt.Errorf("peer format: %w", err)
	}
	if err := config.Local.Validate(); err != nil {
		return fmt.Errorf("local format: %w", err)
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.rs = &resampleState{
		ResampleConfig: config,
		outFloat:       make([]float32, config.Local.BufferSize*config.Peer.Channels),
	}
	return nil
}

// ReadWithResampling fills out with one local buffer converted from the
// buffered peer frames. The read position advances by exactly the frames
// the resampler consumed. Without enough buffered input the underrun
// policy fills out instead.
func (rb *RingBuffer) ReadWithResampling(out []byte) (underrun bool, err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rs := rb.rs
	if rs == nil {
		return false, errors.New("resampling not enabled")
	}

	localFrameBytes := rs.Local.FrameBytes()
	if len(out)%localFrameBytes != 0 {
		return false, fmt.Errorf("%w: output %d bytes, frame %d bytes", resample.ErrBufferMismatch, len(out), localFrameBytes)
	}
	outFrames := len(out) / localFrameBytes

	if rs.Adaptive {
		if err := rs.Resampler.SetRatio(rb.adaptiveRatio()); err != nil {
			return false, err
		}
	}

	peerChannels := rs.Peer.Channels
	peerFrameBytes := rs.Peer.FrameBytes()
	need := rs.Resampler.InputFramesNeeded(outFrames)
	available := int(rb.writePos-rb.readPos) / peerFrameBytes
	if need > available {
		rb.underrunLocked(out)
		return true, nil
	}

	if cap(rs.inBytes) < need*peerFrameBytes {
		rs.inBytes = make([]byte, need*peerFrameBytes)
		rs.inFloat = make([]float32, need*peerChannels)
	}
	inBytes := rs.inBytes[:need*peerFrameBytes]
	inFloat := rs.inFloat[:need*peerChannels]
	if cap(rs.outFloat) < outFrames*peerChannels {
		rs.outFloat = make([]float32, outFrames*peerChannels)
	}
	outFloat := rs.outFloat[:outFrames*peerChannels]

	rb.peek(inBytes)
	audio.DecodeInterleaved(inBytes, rs.Peer.BitDepth, inFloat)

	consumed, produced, err := rs.Resampler.Process(inFloat, outFloat)
	if err != nil {
		return false, err
	}
	rb.readPos += uint64(consumed * peerFrameBytes)
	rs.consumedFrames += uint64(consumed)
	rs.producedFrames += uint64(produced)

	if produced < outFrames {
		// the precheck makes this unreachable unless the resampler misreports
		rb.log.WithFields(logrus.Fields{
			"produced": produced,
			"wanted":   outFrames,
		}).Warn("Resampler produced a short buffer")
		clear(outFloat[produced*peerChannels:])
	}

	audio.FloatToChannelMajor(outFloat, peerChannels, out, rs.Local.Channels, rs.Local.BitDepth)
	rb.readSucceeded(out)
	return false, nil
}

// adaptiveRatio derives output/input from the measured per-sample periods
// and a correction steering the fill level toward half capacity (must hold rb.mu)
func (rb *RingBuffer) adaptiveRatio() float64 {
	rs := rb.rs
	peerSample := rs.PeerPeriod.Period() / float64(rs.Peer.BufferSize)
	localSample := rs.LocalPeriod.Period() / float64(rs.Local.BufferSize)

	target := float64(rb.capacity) / 2
	fill := float64(rb.writePos - rb.readPos)
	delayRatio := 1 + delayGain*(target-fill)/float64(rb.capacity)
	if delayRatio < 1-maxDelayCorrection {
		delayRatio = 1 - maxDelayCorrection
	} else if delayRatio > 1+maxDelayCorrection {
		delayRatio = 1 + maxDelayCorrection
	}

	return peerSample * delayRatio / localSample
}

// ResampleStats returns totals for the resampling read path
func (rb *RingBuffer) ResampleStats() ResampleStats {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.rs == nil {
		return ResampleStats{}
	}
	return ResampleStats{
		InputFrames:  rb.rs.consumedFrames,
		OutputFrames: rb.rs.producedFrames,
		Ratio:        rb.rs.Resampler.Ratio(),
	}
}
