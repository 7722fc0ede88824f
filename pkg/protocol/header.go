// ABOUTME: Packet header interface shared by every wire variant
// ABOUTME: Defines header kinds, parsed peer parameters and protocol errors
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Resonate-Protocol/udptrip/pkg/audio"
)

var (
	// ErrPeerIncompatible is returned when a peer advertises unusable settings
	ErrPeerIncompatible = errors.New("peer settings incompatible")

	// ErrShortBuffer is returned when a serialize target cannot hold the header
	ErrShortBuffer = errors.New("buffer too small for header")

	// ErrUnknownKind is returned for header names that are not recognised
	ErrUnknownKind = errors.New("unknown header kind")
)

// Kind selects the header variant. Both peers must use the same kind.
type Kind int

const (
	KindDefault Kind = iota
	KindEmpty
	KindJamLink
)

func (k Kind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case KindEmpty:
		return "empty"
	case KindJamLink:
		return "jamlink"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a configuration name to a header kind
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(name) {
	case "", "default":
		return KindDefault, nil
	case "empty", "none":
		return KindEmpty, nil
	case "jamlink":
		return KindJamLink, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// ConnectionMode describes the channel layout a peer runs with
type ConnectionMode int

const (
	ModeNormal ConnectionMode = iota
	ModeAsymmetric
)

func (m ConnectionMode) String() string {
	if m == ModeAsymmetric {
		return "asymmetric"
	}
	return "normal"
}

// PeerParams are the audio parameters a peer advertised in a packet
type PeerParams struct {
	TimeStamp      uint64
	SeqNumber      uint16
	BufferSize     int
	SampleRate     int // Hz, 0 when the code is undefined
	SampleRateCode audio.SampleRateCode
	BitResolution  audio.BitResolution
	NumInChannels  int // channels carried in each payload
	NumOutChannels int
	ConnectionMode ConnectionMode
}

// Format returns the layout of the payloads this peer sends
func (p PeerParams) Format() audio.Format {
	return audio.Format{
		SampleRate: p.SampleRate,
		BufferSize: p.BufferSize,
		Channels:   p.NumInChannels,
		BitDepth:   p.BitResolution,
	}
}

// PayloadBytes is the size of the audio following each header
func (p PeerParams) PayloadBytes() int {
	return p.Format().SlotBytes()
}

// SameAudio reports whether two parameter sets describe the same stream layout
func (p PeerParams) SameAudio(o PeerParams) bool {
	return p.BufferSize == o.BufferSize &&
		p.SampleRate == o.SampleRate &&
		p.BitResolution == o.BitResolution &&
		p.NumInChannels == o.NumInChannels &&
		p.NumOutChannels == o.NumOutChannels
}

// ParamsFromFormat describes a local format as a peer would see it
func ParamsFromFormat(f audio.Format) PeerParams {
	return PeerParams{
		BufferSize:     f.BufferSize,
		SampleRate:     f.SampleRate,
		SampleRateCode: audio.RateToCode(f.SampleRate),
		BitResolution:  f.BitDepth,
		NumInChannels:  f.Channels,
		NumOutChannels: f.Channels,
		ConnectionMode: ModeNormal,
	}
}

// Header encodes and decodes the fixed prefix of every packet.
//
// The sender goroutine owns FillFromLocal, Serialize and
// IncreaseSequenceNumber. Parse and CheckPeerSettings do not touch the
// local state and may run on the receiver goroutine concurrently.
type Header interface {
	Kind() Kind

	// SizeInBytes is constant for the life of the header
	SizeInBytes() int

	// FillFromLocal stamps the timestamp, current sequence number and
	// local parameters into the pending header
	FillFromLocal()

	// Serialize copies the pending header to the start of out
	Serialize(out []byte) error

	// Parse reads peer parameters from the start of in. Short or
	// malformed input yields zero or undefined fields, never a panic.
	Parse(in []byte) PeerParams

	// IncreaseSequenceNumber advances the local sequence, wrapping at 2^16
	IncreaseSequenceNumber()

	SequenceNumber() uint16

	// CheckPeerSettings rejects peers whose parameters cannot be played
	CheckPeerSettings(p PeerParams) error
}

// New creates a header of the given kind for a local format
func New(kind Kind, local audio.Format) (Header, error) {
	switch kind {
	case KindDefault:
		return newDefaultHeader(local), nil
	case KindEmpty:
		return newEmptyHeader(local), nil
	case KindJamLink:
		return newJamLinkHeader(local), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
}

// HasSequence reports whether packets of this kind carry sequence numbers
func HasSequence(k Kind) bool {
	return k != KindEmpty
}

func checkCommon(p PeerParams) error {
	if p.NumInChannels <= 0 {
		return fmt.Errorf("%w: no audio channels", ErrPeerIncompatible)
	}
	if p.BufferSize <= 0 {
		return fmt.Errorf("%w: buffer size %d", ErrPeerIncompatible, p.BufferSize)
	}
	if !p.BitResolution.Valid() {
		return fmt.Errorf("%w: bit resolution %d", ErrPeerIncompatible, p.BitResolution)
	}
	return nil
}

// CheckLocal reports whether a header of this kind can describe the local format
func CheckLocal(kind Kind, local audio.Format) error {
	if err := local.Validate(); err != nil {
		return err
	}
	switch kind {
	case KindDefault:
		if !audio.RateToCode(local.SampleRate).Valid() {
			return fmt.Errorf("default header has no code for %d Hz", local.SampleRate)
		}
	case KindEmpty:
	case KindJamLink:
		return checkJamLinkLocal(local)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
	return nil
}
