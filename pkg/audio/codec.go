// ABOUTME: Sample codecs between float samples and wire integers
// ABOUTME: Handles 8/16/24/32-bit encoding and channel-major/interleaved layouts
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23
)

func clampRound(x float64, lo, hi float64) int64 {
	v := math.Round(x)
	if v > hi {
		v = hi
	} else if v < lo {
		v = lo
	}
	return int64(v)
}

// EncodeSample writes one float sample into out at the given resolution.
//
// 24-bit samples are quantised to 16 bits first (floor of the 24-bit value)
// and the remaining low byte follows as an unsigned residual.
func EncodeSample(x float32, bits BitResolution, out []byte) {
	switch bits {
	case Bit8:
		out[0] = byte(int8(clampRound(float64(x)*127, -128, 127)))
	case Bit16:
		binary.LittleEndian.PutUint16(out, uint16(int16(clampRound(float64(x)*32767, -32768, 32767))))
	case Bit24:
		q := clampRound(float64(x)*8388608, Min24Bit, Max24Bit)
		binary.LittleEndian.PutUint16(out, uint16(int16(q>>8)))
		out[2] = byte(q & 0xff)
	case Bit32:
		binary.LittleEndian.PutUint32(out, uint32(int32(clampRound(float64(x)*2147483647, -2147483648, 2147483647))))
	}
}

// DecodeSample reads one sample encoded by EncodeSample
func DecodeSample(in []byte, bits BitResolution) float32 {
	switch bits {
	case Bit8:
		return float32(int8(in[0])) / 127
	case Bit16:
		return float32(int16(binary.LittleEndian.Uint16(in))) / 32767
	case Bit24:
		s16 := int16(binary.LittleEndian.Uint16(in))
		return float32((float64(s16) + float64(in[2])/256) / 32768)
	case Bit32:
		return float32(float64(int32(binary.LittleEndian.Uint32(in))) / 2147483647)
	}
	return 0
}

// DecodeInterleaved decodes sample-major bytes into float samples.
// len(dst) samples are decoded.
func DecodeInterleaved(src []byte, bits BitResolution, dst []float32) {
	bps := bits.BytesPerSample()
	for i := range dst {
		dst[i] = DecodeSample(src[i*bps:], bits)
	}
}

// ChannelMajorToFloat decodes a channel-major payload into interleaved
// float frames. frames = len(dst)/channels.
func ChannelMajorToFloat(src []byte, channels int, bits BitResolution, dst []float32) {
	bps := bits.BytesPerSample()
	frames := len(dst) / channels
	for ch := 0; ch < channels; ch++ {
		base := ch * frames * bps
		for i := 0; i < frames; i++ {
			dst[i*channels+ch] = DecodeSample(src[base+i*bps:], bits)
		}
	}
}

// FloatToChannelMajor encodes interleaved float frames with srcChannels
// channels into a channel-major payload with dstChannels channels.
// A mono source feeds every destination channel; otherwise missing
// channels are silent and extra ones are dropped.
func FloatToChannelMajor(src []float32, srcChannels int, dst []byte, dstChannels int, bits BitResolution) {
	bps := bits.BytesPerSample()
	frames := len(src) / srcChannels
	for ch := 0; ch < dstChannels; ch++ {
		base := ch * frames * bps
		for i := 0; i < frames; i++ {
			var x float32
			switch {
			case srcChannels == 1:
				x = src[i]
			case ch < srcChannels:
				x = src[i*srcChannels+ch]
			}
			EncodeSample(x, bits, dst[base+i*bps:])
		}
	}
}

// Interleave reorders a channel-major payload into sample-major order
func Interleave(dst, src []byte, channels, bytesPerSample int) {
	frames := len(src) / (channels * bytesPerSample)
	for ch := 0; ch < channels; ch++ {
		for i := 0; i < frames; i++ {
			s := (ch*frames + i) * bytesPerSample
			d := (i*channels + ch) * bytesPerSample
			copy(dst[d:d+bytesPerSample], src[s:s+bytesPerSample])
		}
	}
}
