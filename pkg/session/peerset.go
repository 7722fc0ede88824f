// ABOUTME: Versioned set of peer-dependent buffers swapped in on renegotiation
// ABOUTME: Sizes the receive ring from the peer payload and builds the peer to local resampler
package session

import (
	"fmt"
	"math"
	"net"

	"github.com/Resonate-Protocol/udptrip/internal/clock"
	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/resample"
	"github.com/Resonate-Protocol/udptrip/pkg/protocol"
	"github.com/Resonate-Protocol/udptrip/pkg/ringbuffer"
	"github.com/sirupsen/logrus"
)

// peerSet holds everything sized from the peer's parameters. A set is never
// modified after it is published; renegotiation builds a new one.
type peerSet struct {
	generation uint64
	params     protocol.PeerParams
	peer       audio.Format

	ring        *ringbuffer.RingBuffer
	resampling  bool
	packetBytes int

	// nil unless resampling adaptively
	peerPeriod *clock.PeriodEstimator
}

// PeerInfo describes the peer a session is receiving from
type PeerInfo struct {
	// Addr is where this session sends; nil until a server hears its peer
	Addr *net.UDPAddr

	Generation uint64
	Params     protocol.PeerParams
	Format     audio.Format
	Resampling bool
}

func (p *peerSet) info() PeerInfo {
	return PeerInfo{
		Generation: p.generation,
		Params:     p.params,
		Format:     p.peer,
		Resampling: p.resampling,
	}
}

// newPeerSet builds the receive side for a peer. Streams that differ from
// the local format in any way go through the resampling read path, which
// also converts bit depth and channel count.
func (s *Session) newPeerSet(generation uint64, params protocol.PeerParams) (*peerSet, error) {
	peer := params.Format()
	if err := peer.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrPeerIncompatible, err)
	}

	log := s.log.WithField("generation", generation)
	ring, err := ringbuffer.New(ringbuffer.Config{
		SlotSize: peer.SlotBytes(),
		NumSlots: ringSlots(peer, s.local, s.config.QueueLength, s.config.FilterLength),
		Underrun: s.config.Underrun,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	set := &peerSet{
		generation:  generation,
		params:      params,
		peer:        peer,
		ring:        ring,
		resampling:  peer != s.local,
		packetBytes: peer.SlotBytes(),
	}
	if !set.resampling {
		return set, nil
	}

	rs, err := resample.NewFromRates(peer.SampleRate, s.local.SampleRate, peer.Channels, s.config.FilterLength)
	if err != nil {
		return nil, err
	}

	rc := ringbuffer.ResampleConfig{
		Peer:      peer,
		Local:     s.local,
		Resampler: rs,
	}
	if s.config.Resampling == ResampleAdaptive {
		set.peerPeriod = clock.NewPeriodEstimator(
			clock.NominalPeriod(peer.BufferSize, peer.SampleRate),
			log.WithField("estimator", "peer"),
		)
		rc.Adaptive = true
		rc.PeerPeriod = set.peerPeriod
		rc.LocalPeriod = s.localPeriod
	}
	if err := ring.EnableResampling(rc); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"peer":  peer.String(),
		"local": s.local.String(),
		"ratio": rs.Ratio(),
		"mode":  s.config.Resampling.String(),
	}).Info("Resampling peer stream")
	return set, nil
}

// ringSlots returns how many peer buffers the receive ring holds. A
// resampling ring fits two local reads of peer input plus the filter
// lookahead, so a peer with short buffers never starves a long local read.
func ringSlots(peer, local audio.Format, queueLength, filterLength int) int {
	if peer == local {
		return queueLength
	}
	if filterLength == 0 {
		filterLength = resample.DefaultFilterLength
	}
	perRead := int(math.Ceil(float64(local.BufferSize)*float64(peer.SampleRate)/float64(local.SampleRate))) + filterLength + 1
	slots := (2*perRead + peer.BufferSize - 1) / peer.BufferSize
	return max(queueLength, slots)
}

// insert queues one payload in the set's ring
func (p *peerSet) insert(payload []byte) bool {
	if p.resampling {
		return p.ring.InsertForResampler(payload, p.peer.Channels, p.peer.BitDepth.BytesPerSample())
	}
	return p.ring.InsertNonBlocking(payload)
}

// read fills one local period from the set's ring
func (p *peerSet) read(out []byte) (underrun bool, err error) {
	if p.resampling {
		return p.ring.ReadWithResampling(out)
	}
	return p.ring.ReadNonBlocking(out), nil
}
