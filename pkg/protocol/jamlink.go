// ABOUTME: JamLink packet header for interoperating with embedded senders
// ABOUTME: 8-byte big-endian prefix: flag word, sequence and 32-bit timestamp
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/Resonate-Protocol/udptrip/internal/clock"
	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"go.uber.org/atomic"
)

// JamLinkHeaderSize is the encoded size of the JamLink header
const JamLinkHeaderSize = 8

// JamLink flag word layout
const (
	jamLinkExtended = 1 << 14
	jamLinkStereo   = 1 << 13
	jamLinkRateMask = 0x7 << 9
	jamLinkSPPMask  = 0x01ff
)

// jamLinkRates is indexed by the 3-bit rate field
var jamLinkRates = [...]int{48000, 44100, 32000, 24000, 22050, 16000, 11025, 8000}

type jamLinkHeader struct {
	local audio.Format
	seq   atomic.Uint32

	common    uint16
	seqNumber uint16
	timeStamp uint32
}

func newJamLinkHeader(local audio.Format) *jamLinkHeader {
	h := &jamLinkHeader{local: local}

	rateBits := 0
	for i, r := range jamLinkRates {
		if r == local.SampleRate {
			rateBits = i
			break
		}
	}

	h.common = jamLinkExtended | uint16(rateBits<<9) | uint16(local.BufferSize&jamLinkSPPMask)
	if local.Channels > 1 {
		h.common |= jamLinkStereo
	}
	return h
}

func (h *jamLinkHeader) Kind() Kind       { return KindJamLink }
func (h *jamLinkHeader) SizeInBytes() int { return JamLinkHeaderSize }

func (h *jamLinkHeader) FillFromLocal() {
	h.timeStamp = uint32(clock.Micros())
	h.seqNumber = h.SequenceNumber()
}

func (h *jamLinkHeader) Serialize(out []byte) error {
	if len(out) < JamLinkHeaderSize {
		return fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(out), JamLinkHeaderSize)
	}
	binary.BigEndian.PutUint16(out[0:], h.common)
	binary.BigEndian.PutUint16(out[2:], h.seqNumber)
	binary.BigEndian.PutUint32(out[4:], h.timeStamp)
	return nil
}

// Parse decodes the flag word into peer parameters. JamLink streams are
// always 16-bit.
func (h *jamLinkHeader) Parse(in []byte) PeerParams {
	if len(in) < JamLinkHeaderSize {
		return PeerParams{SampleRateCode: audio.SRUndef}
	}

	common := binary.BigEndian.Uint16(in[0:])
	channels := 1
	if common&jamLinkStereo != 0 {
		channels = 2
	}
	rate := jamLinkRates[(common&jamLinkRateMask)>>9]

	return PeerParams{
		TimeStamp:      uint64(binary.BigEndian.Uint32(in[4:])),
		SeqNumber:      binary.BigEndian.Uint16(in[2:]),
		BufferSize:     int(common & jamLinkSPPMask),
		SampleRate:     rate,
		SampleRateCode: audio.RateToCode(rate),
		BitResolution:  audio.Bit16,
		NumInChannels:  channels,
		NumOutChannels: channels,
	}
}

func (h *jamLinkHeader) IncreaseSequenceNumber() {
	h.seq.Store(uint32(NextSeq(uint16(h.seq.Load()))))
}

func (h *jamLinkHeader) SequenceNumber() uint16 {
	return uint16(h.seq.Load())
}

func (h *jamLinkHeader) CheckPeerSettings(p PeerParams) error {
	if p.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate unknown", ErrPeerIncompatible)
	}
	return checkCommon(p)
}

// checkJamLinkLocal rejects local formats a JamLink flag word cannot describe
func checkJamLinkLocal(f audio.Format) error {
	if f.BitDepth != audio.Bit16 {
		return fmt.Errorf("jamlink carries 16-bit audio only, not %d-bit", f.BitDepth)
	}
	if f.Channels > 2 {
		return fmt.Errorf("jamlink carries at most 2 channels, not %d", f.Channels)
	}
	if f.BufferSize > jamLinkSPPMask {
		return fmt.Errorf("jamlink buffer size %d exceeds %d", f.BufferSize, jamLinkSPPMask)
	}
	for _, r := range jamLinkRates {
		if r == f.SampleRate {
			return nil
		}
	}
	return fmt.Errorf("jamlink has no code for %d Hz", f.SampleRate)
}
