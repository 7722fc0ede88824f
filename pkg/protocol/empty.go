// ABOUTME: Zero-length packet header for identically configured peers
// ABOUTME: Parses to the local parameters since nothing is on the wire
package protocol

import (
	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"go.uber.org/atomic"
)

type emptyHeader struct {
	local audio.Format
	seq   atomic.Uint32
}

func newEmptyHeader(local audio.Format) *emptyHeader {
	return &emptyHeader{local: local}
}

func (h *emptyHeader) Kind() Kind                { return KindEmpty }
func (h *emptyHeader) SizeInBytes() int          { return 0 }
func (h *emptyHeader) FillFromLocal()            {}
func (h *emptyHeader) Serialize(out []byte) error { return nil }

// Parse returns the local parameters: the peer is assumed to match
func (h *emptyHeader) Parse(in []byte) PeerParams {
	return ParamsFromFormat(h.local)
}

// IncreaseSequenceNumber still counts sent packets for diagnostics
func (h *emptyHeader) IncreaseSequenceNumber() {
	h.seq.Store(uint32(NextSeq(uint16(h.seq.Load()))))
}

func (h *emptyHeader) SequenceNumber() uint16 {
	return uint16(h.seq.Load())
}

func (h *emptyHeader) CheckPeerSettings(p PeerParams) error {
	return checkCommon(p)
}
