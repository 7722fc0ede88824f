// ABOUTME: Audio resampling package using a windowed-sinc polyphase filter
// ABOUTME: Converts the peer's sample clock to the local one, fixed or drifting ratio
// Package resample provides sample rate conversion for the receive path.
//
// The resampler works on interleaved float32 frames and reports exactly how
// many input frames each Process call consumed, so callers can advance their
// own read position in lock-step with it. The ratio can be changed between
// calls to follow a drifting clock.
//
// Example:
//
//	r, err := resample.NewFromRates(44100, 48000, 2, 0)
//	consumed, produced, err := r.Process(input, output)
package resample
