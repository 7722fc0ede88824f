// ABOUTME: Audio fundamentals package providing core types and sample codecs
// ABOUTME: Defines Format, BitResolution, sample-rate codes and wire sample encoding
// Package audio provides the audio types shared by the transport, the ring
// buffers and the device backends.
//
// Payloads on the wire are channel-major: every sample of channel 0, then
// channel 1, and so on. Samples are little-endian signed integers of 8, 16,
// 24 or 32 bits. 24-bit samples use a 16-bit quantised value followed by an
// unsigned 8-bit residual.
//
// Example:
//
//	format := audio.Format{
//	    SampleRate: 48000,
//	    BufferSize: 128,
//	    Channels:   2,
//	    BitDepth:   audio.Bit16,
//	}
//
//	payload := make([]byte, format.SlotBytes())
//	audio.FloatToChannelMajor(frames, 2, payload, 2, format.BitDepth)
package audio
