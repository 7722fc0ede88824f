// ABOUTME: Capture sources for software devices: a sine tone and rate/channel conversion
// ABOUTME: Converts any decode.Source into channel-major periods at the device format
package device

import (
	"errors"
	"io"
	"math"

	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/decode"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/resample"
	"github.com/sirupsen/logrus"
)

// ToneSource generates a sine wave at half scale on every channel
type ToneSource struct {
	frequency   float64
	sampleRate  int
	channels    int
	sampleIndex uint64
}

// NewToneSource creates a sine generator
func NewToneSource(frequency float64, sampleRate, channels int) *ToneSource {
	return &ToneSource{
		frequency:  frequency,
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (s *ToneSource) Read(buf []float32) (int, error) {
	frames := len(buf) / s.channels
	for i := 0; i < frames; i++ {
		t := float64(s.sampleIndex+uint64(i)) / float64(s.sampleRate)
		v := float32(0.5 * math.Sin(2*math.Pi*s.frequency*t))
		for ch := 0; ch < s.channels; ch++ {
			buf[i*s.channels+ch] = v
		}
	}
	s.sampleIndex += uint64(frames)
	return frames * s.channels, nil
}

func (s *ToneSource) SampleRate() int { return s.sampleRate }
func (s *ToneSource) Channels() int   { return s.channels }
func (s *ToneSource) Close() error    { return nil }

// sourceReader pulls from a Source and produces device periods, resampling
// when the source runs at another rate
type sourceReader struct {
	src    decode.Source
	format audio.Format
	rs     *resample.Resampler

	raw  []float32
	have int // valid samples at the front of raw
	out  []float32
	eof  bool
}

func newSourceReader(src decode.Source, format audio.Format) (*sourceReader, error) {
	r := &sourceReader{
		src:    src,
		format: format,
		out:    make([]float32, format.BufferSize*src.Channels()),
	}
	if src.SampleRate() != format.SampleRate {
		rs, err := resample.NewFromRates(src.SampleRate(), format.SampleRate, src.Channels(), 0)
		if err != nil {
			return nil, err
		}
		r.rs = rs
		logrus.WithFields(logrus.Fields{
			"prefix": "device",
			"from":   src.SampleRate(),
			"to":     format.SampleRate,
		}).Info("Resampling capture source")
	}
	return r, nil
}

// fill writes one channel-major period into dst; silence once the source ends
func (r *sourceReader) fill(dst []byte) {
	srcCh := r.src.Channels()
	frames := r.format.BufferSize

	if r.rs == nil {
		r.readAtLeast(frames * srcCh)
		n := min(r.have, frames*srcCh)
		copy(r.out, r.raw[:n])
		clear(r.out[n:])
		r.consume(n)
	} else {
		need := r.rs.InputFramesNeeded(frames)
		r.readAtLeast(need * srcCh)
		if r.have < need*srcCh {
			clear(r.out)
		} else {
			consumed, _, err := r.rs.Process(r.raw[:need*srcCh], r.out)
			if err != nil {
				clear(r.out)
			}
			r.consume(consumed * srcCh)
		}
	}

	audio.FloatToChannelMajor(r.out, srcCh, dst, r.format.Channels, r.format.BitDepth)
}

func (r *sourceReader) readAtLeast(samples int) {
	if cap(r.raw) < samples {
		grown := make([]float32, samples)
		copy(grown, r.raw[:r.have])
		r.raw = grown
	}
	r.raw = r.raw[:cap(r.raw)]

	for !r.eof && r.have < samples {
		n, err := r.src.Read(r.raw[r.have:samples])
		r.have += n
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			r.eof = true
		} else if err != nil {
			logrus.WithField("prefix", "device").WithError(err).Warn("Capture source failed")
			r.eof = true
		}
	}
}

func (r *sourceReader) consume(samples int) {
	n := copy(r.raw, r.raw[samples:r.have])
	r.have = n
}
