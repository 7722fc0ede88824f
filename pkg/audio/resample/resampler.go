// ABOUTME: Windowed-sinc resampler for converting between peer and local sample clocks
// ABOUTME: Polyphase filter with exact input consumption reporting and adjustable ratio
package resample

import (
	"errors"
	"fmt"
	"math"
)

const (
	// DefaultFilterLength is the filter half-length in input frames
	DefaultFilterLength = 16

	// number of precomputed filter phases between two input samples
	numPhases = 256

	minRatio = 1.0 / 16
	maxRatio = 16.0

	// cutoff relative to the lower of the two Nyquist frequencies
	cutoffMargin = 0.95
)

var (
	// ErrInvalidRatio is returned for ratios that are not finite or out of range
	ErrInvalidRatio = errors.New("invalid resampling ratio")

	// ErrBufferMismatch is returned when a buffer is not a whole number of frames
	ErrBufferMismatch = errors.New("buffer is not a whole number of frames")
)

// Config describes a resampler
type Config struct {
	// Ratio is output rate / input rate
	Ratio float64

	// Channels is the number of interleaved channels
	Channels int

	// FilterLength is the filter half-length in input frames (default 16)
	FilterLength int
}

// Resampler converts interleaved float frames from one rate to another.
//
// The output position walks the input in steps of 1/Ratio input frames.
// When the position falls exactly on an input frame the frame is copied
// through unchanged, so a unity ratio is lossless.
type Resampler struct {
	channels int
	hlen     int
	ratio    float64
	step     float64
	cutoff   float64

	// table[p] holds the 2*hlen taps for phase p/numPhases
	table [][]float32
	taps  []float32

	// input history as a doubled ring of 2*hlen frames
	hist []float32
	head int

	phase float64
	need  int
}

// New creates a resampler from a config
func New(config Config) (*Resampler, error) {
	if config.Channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", config.Channels)
	}
	if config.FilterLength == 0 {
		config.FilterLength = DefaultFilterLength
	}
	if config.FilterLength < 2 || config.FilterLength > 256 {
		return nil, fmt.Errorf("invalid filter length: %d", config.FilterLength)
	}
	if err := checkRatio(config.Ratio); err != nil {
		return nil, err
	}

	r := &Resampler{
		channels: config.Channels,
		hlen:     config.FilterLength,
		hist:     make([]float32, 4*config.FilterLength*config.Channels),
		taps:     make([]float32, 2*config.FilterLength),
	}
	r.setRatio(config.Ratio)
	r.Reset()
	return r, nil
}

// NewFromRates creates a resampler converting inputRate to outputRate
func NewFromRates(inputRate, outputRate, channels, filterLength int) (*Resampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d", ErrInvalidRatio, inputRate, outputRate)
	}
	return New(Config{
		Ratio:        float64(outputRate) / float64(inputRate),
		Channels:     channels,
		FilterLength: filterLength,
	})
}

func checkRatio(ratio float64) error {
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio < minRatio || ratio > maxRatio {
		return fmt.Errorf("%w: %v", ErrInvalidRatio, ratio)
	}
	return nil
}

// SetRatio changes the output/input ratio without touching the history
func (r *Resampler) SetRatio(ratio float64) error {
	if err := checkRatio(ratio); err != nil {
		return err
	}
	r.setRatio(ratio)
	return nil
}

func (r *Resampler) setRatio(ratio float64) {
	r.ratio = ratio
	r.step = 1 / ratio

	cutoff := math.Min(1, ratio) * cutoffMargin
	// small ratio adjustments reuse the existing table
	if r.table == nil || math.Abs(cutoff-r.cutoff) > 0.01*r.cutoff {
		r.cutoff = cutoff
		r.buildTable()
	}
}

// Ratio returns the current output/input ratio
func (r *Resampler) Ratio() float64 {
	return r.ratio
}

// Channels returns the number of interleaved channels
func (r *Resampler) Channels() int {
	return r.channels
}

// Delay returns the number of input frames of lookahead the filter needs
func (r *Resampler) Delay() int {
	return r.hlen
}

// Reset clears the filter history
func (r *Resampler) Reset() {
	for i := range r.hist {
		r.hist[i] = 0
	}
	r.head = 0
	r.phase = 0
	// the first output lands on the first input frame
	r.need = r.hlen + 1
}

// InputFramesNeeded returns how many input frames Process will consume to
// produce exactly outFrames output frames from the current state
func (r *Resampler) InputFramesNeeded(outFrames int) int {
	need := r.need
	phase := r.phase
	total := 0
	for i := 0; i < outFrames; i++ {
		total += need
		phase += r.step
		n := math.Floor(phase)
		phase -= n
		need = int(n)
	}
	return total
}

// Process consumes interleaved input frames and produces interleaved output
// frames. It stops when out is full or in is exhausted and reports how many
// frames of each it used.
func (r *Resampler) Process(in, out []float32) (consumed, produced int, err error) {
	ch := r.channels
	if len(in)%ch != 0 || len(out)%ch != 0 {
		return 0, 0, fmt.Errorf("%w: in=%d out=%d channels=%d", ErrBufferMismatch, len(in), len(out), ch)
	}

	inFrames := len(in) / ch
	outFrames := len(out) / ch

	for produced < outFrames {
		if r.need > 0 {
			if consumed == inFrames {
				break
			}
			r.push(in[consumed*ch : (consumed+1)*ch])
			consumed++
			r.need--
			continue
		}

		r.compute(out[produced*ch : (produced+1)*ch])
		produced++

		r.phase += r.step
		n := math.Floor(r.phase)
		r.phase -= n
		r.need = int(n)
	}

	return consumed, produced, nil
}

// push appends one frame to the history ring
func (r *Resampler) push(frame []float32) {
	ch := r.channels
	span := 2 * r.hlen
	copy(r.hist[r.head*ch:], frame)
	copy(r.hist[(r.head+span)*ch:], frame)
	r.head++
	if r.head == span {
		r.head = 0
	}
}

// compute writes one output frame at the current phase
func (r *Resampler) compute(out []float32) {
	ch := r.channels
	span := 2 * r.hlen
	window := r.hist[r.head*ch : (r.head+span)*ch]

	if r.phase == 0 {
		// centre tap: window[hlen-1] is the frame under the output position
		copy(out, window[(r.hlen-1)*ch:r.hlen*ch])
		return
	}

	pos := r.phase * numPhases
	p := int(pos)
	frac := float32(pos - float64(p))
	lo, hi := r.table[p], r.table[p+1]
	for j := range r.taps {
		r.taps[j] = lo[j] + (hi[j]-lo[j])*frac
	}

	for c := 0; c < ch; c++ {
		var acc float32
		for j, t := range r.taps {
			acc += window[j*ch+c] * t
		}
		out[c] = acc
	}
}

// buildTable precomputes Blackman-Harris windowed sinc taps for every phase
func (r *Resampler) buildTable() {
	span := 2 * r.hlen
	r.table = make([][]float32, numPhases+1)
	for p := 0; p <= numPhases; p++ {
		frac := float64(p) / numPhases
		row := make([]float32, span)
		var sum float64
		vals := make([]float64, span)
		for j := 0; j < span; j++ {
			d := float64(j-(r.hlen-1)) - frac
			v := r.cutoff * sinc(r.cutoff*d) * blackmanHarris(d/float64(r.hlen))
			vals[j] = v
			sum += v
		}
		for j := range vals {
			row[j] = float32(vals[j] / sum)
		}
		r.table[p] = row
	}
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackmanHarris is the 4-term window centred on 0 over u in [-1, 1]
func blackmanHarris(u float64) float64 {
	if u <= -1 || u >= 1 {
		return 0
	}
	return 0.35875 + 0.48829*math.Cos(math.Pi*u) + 0.14128*math.Cos(2*math.Pi*u) + 0.01168*math.Cos(3*math.Pi*u)
}
