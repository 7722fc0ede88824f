// ABOUTME: Audio type definitions for the UDP transport
// ABOUTME: Defines stream formats, bit resolutions and wire sample-rate codes
package audio

import (
	"fmt"
)

// BitResolution is the number of bits per sample on the wire
type BitResolution int

const (
	Bit8  BitResolution = 8
	Bit16 BitResolution = 16
	Bit24 BitResolution = 24
	Bit32 BitResolution = 32
)

// BytesPerSample returns the encoded size of one sample
func (b BitResolution) BytesPerSample() int {
	return int(b) / 8
}

// Valid reports whether b is one of the supported resolutions
func (b BitResolution) Valid() bool {
	switch b {
	case Bit8, Bit16, Bit24, Bit32:
		return true
	}
	return false
}

// ParseBitResolution validates an integer bit depth
func ParseBitResolution(bits int) (BitResolution, error) {
	b := BitResolution(bits)
	if !b.Valid() {
		return 0, fmt.Errorf("unsupported bit resolution: %d (supported: 8, 16, 24, 32)", bits)
	}
	return b, nil
}

// SampleRateCode is the one-byte enumerated sample rate carried in headers
type SampleRateCode uint8

const (
	SR22 SampleRateCode = iota
	SR32
	SR44
	SR48
	SR88
	SR96
	SR192
	SRUndef
)

var codeRates = [...]int{
	SR22:  22050,
	SR32:  32000,
	SR44:  44100,
	SR48:  48000,
	SR88:  88200,
	SR96:  96000,
	SR192: 192000,
}

// RateToCode maps a sample rate in Hz to its wire code
func RateToCode(rate int) SampleRateCode {
	for code, r := range codeRates {
		if r == rate {
			return SampleRateCode(code)
		}
	}
	return SRUndef
}

// Rate returns the sample rate in Hz, or 0 for an undefined code
func (c SampleRateCode) Rate() int {
	if int(c) >= len(codeRates) {
		return 0
	}
	return codeRates[c]
}

// Valid reports whether c names a standard rate
func (c SampleRateCode) Valid() bool {
	return c < SRUndef
}

func (c SampleRateCode) String() string {
	if !c.Valid() {
		return "undefined"
	}
	return fmt.Sprintf("%dHz", c.Rate())
}

// Format describes one side of a session: the device clock and buffer layout
type Format struct {
	SampleRate int
	BufferSize int // samples per channel per callback
	Channels   int
	BitDepth   BitResolution
}

// FrameBytes is the size of one sample for every channel
func (f Format) FrameBytes() int {
	return f.Channels * f.BitDepth.BytesPerSample()
}

// SlotBytes is the size of one full callback buffer
func (f Format) SlotBytes() int {
	return f.BufferSize * f.FrameBytes()
}

// Validate checks that the format can be carried on the wire
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}
	if f.BufferSize <= 0 || f.BufferSize > 0xffff {
		return fmt.Errorf("invalid buffer size: %d", f.BufferSize)
	}
	if f.Channels <= 0 || f.Channels > 0xff {
		return fmt.Errorf("invalid channel count: %d", f.Channels)
	}
	if !f.BitDepth.Valid() {
		return fmt.Errorf("invalid bit resolution: %d", f.BitDepth)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%d-bit/%d", f.SampleRate, f.Channels, f.BitDepth, f.BufferSize)
}
