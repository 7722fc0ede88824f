// ABOUTME: Default packet header carrying full audio metadata
// ABOUTME: 16-byte little-endian prefix with timestamp, sequence and stream layout
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/Resonate-Protocol/udptrip/internal/clock"
	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"go.uber.org/atomic"
)

// DefaultHeaderSize is the encoded size of the default header
//
//	TimeStamp      u64  µs
//	SeqNumber      u16
//	BufferSize     u16  samples
//	SamplingRate   u8   rate code
//	BitResolution  u8
//	NumInChannels  u8
//	NumOutChannels u8
const DefaultHeaderSize = 16

type defaultHeader struct {
	local audio.Format
	seq   atomic.Uint32

	// pending header, written by FillFromLocal
	timeStamp uint64
	seqNumber uint16
}

func newDefaultHeader(local audio.Format) *defaultHeader {
	return &defaultHeader{local: local}
}

func (h *defaultHeader) Kind() Kind       { return KindDefault }
func (h *defaultHeader) SizeInBytes() int { return DefaultHeaderSize }

func (h *defaultHeader) FillFromLocal() {
	h.timeStamp = clock.Micros()
	h.seqNumber = h.SequenceNumber()
}

func (h *defaultHeader) Serialize(out []byte) error {
	if len(out) < DefaultHeaderSize {
		return fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(out), DefaultHeaderSize)
	}
	binary.LittleEndian.PutUint64(out[0:], h.timeStamp)
	binary.LittleEndian.PutUint16(out[8:], h.seqNumber)
	binary.LittleEndian.PutUint16(out[10:], uint16(h.local.BufferSize))
	out[12] = byte(audio.RateToCode(h.local.SampleRate))
	out[13] = byte(h.local.BitDepth)
	out[14] = byte(h.local.Channels)
	out[15] = byte(h.local.Channels)
	return nil
}

func (h *defaultHeader) Parse(in []byte) PeerParams {
	if len(in) < DefaultHeaderSize {
		return PeerParams{SampleRateCode: audio.SRUndef}
	}

	code := audio.SampleRateCode(in[12])
	if !code.Valid() {
		code = audio.SRUndef
	}

	p := PeerParams{
		TimeStamp:      binary.LittleEndian.Uint64(in[0:]),
		SeqNumber:      binary.LittleEndian.Uint16(in[8:]),
		BufferSize:     int(binary.LittleEndian.Uint16(in[10:])),
		SampleRateCode: code,
		SampleRate:     code.Rate(),
		BitResolution:  audio.BitResolution(in[13]),
		NumInChannels:  int(in[14]),
		NumOutChannels: int(in[15]),
	}
	if p.NumInChannels != p.NumOutChannels {
		p.ConnectionMode = ModeAsymmetric
	}
	return p
}

func (h *defaultHeader) IncreaseSequenceNumber() {
	h.seq.Store(uint32(NextSeq(uint16(h.seq.Load()))))
}

func (h *defaultHeader) SequenceNumber() uint16 {
	return uint16(h.seq.Load())
}

func (h *defaultHeader) CheckPeerSettings(p PeerParams) error {
	if !p.SampleRateCode.Valid() {
		return fmt.Errorf("%w: sample rate not a standard rate", ErrPeerIncompatible)
	}
	return checkCommon(p)
}
