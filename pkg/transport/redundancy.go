// ABOUTME: Receive-side redundancy resolution
// ABOUTME: Picks which copies of a redundant datagram are new, in order, across sequence wrap
package transport

import "github.com/Resonate-Protocol/udptrip/pkg/protocol"

// reorderWindow is how far behind the last delivered packet a datagram may
// be and still count as late rather than as a restarted sender
const reorderWindow = 64

// resolution says what to do with one datagram's copies
type resolution struct {
	// deliver is how many copies to hand on, counted from the newest
	deliver int
	// gap is set when no copy continued the stream
	gap bool
	// stale is set when the newest copy is at most a reorder window behind what was delivered
	stale bool
	// duplicates is the number of copies skipped as already delivered
	duplicates int
}

// resolver remembers the last delivered sequence number
type resolver struct {
	started bool
	last    uint16
}

// resolve takes the sequence numbers of a datagram's copies, newest first
func (r *resolver) resolve(seqs []uint16) resolution {
	if len(seqs) == 0 {
		return resolution{}
	}
	newest := seqs[0]

	if !r.started {
		r.started = true
		r.last = newest
		return resolution{deliver: 1, duplicates: len(seqs) - 1}
	}

	// reordered or repeated datagram: everything in it was already covered.
	// Anything further back is a restarted sender and resyncs below.
	if behind := int(protocol.SeqDiff(r.last, newest)); behind >= 0 && behind <= reorderWindow+len(seqs) {
		return resolution{stale: true, duplicates: len(seqs)}
	}

	res := resolution{}
	for i, seq := range seqs {
		if protocol.IsNext(r.last, seq) {
			res.deliver = i + 1
			break
		}
	}
	if res.deliver == 0 {
		// the stream jumped past every copy; resync on the newest
		res.deliver = 1
		res.gap = true
	} else {
		res.duplicates = len(seqs) - res.deliver
	}

	r.last = newest
	return res
}
