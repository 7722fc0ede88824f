// ABOUTME: Adaptive ring buffer between the audio callback and the network goroutines
// ABOUTME: Blocking and non-blocking insert/read with underrun fill and overflow re-centring
package ringbuffer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ErrClosed is returned by blocking calls once the buffer is closed
var ErrClosed = errors.New("ring buffer closed")

// UnderrunMode selects what a read returns when no data is buffered
type UnderrunMode int

const (
	// Wavetable repeats the last slot that was read successfully
	Wavetable UnderrunMode = iota
	// Zeros emits silence
	Zeros
)

func (m UnderrunMode) String() string {
	if m == Zeros {
		return "zeros"
	}
	return "wavetable"
}

// ParseUnderrunMode maps a configuration name to an underrun mode
func ParseUnderrunMode(name string) (UnderrunMode, error) {
	switch strings.ToLower(name) {
	case "", "wavetable":
		return Wavetable, nil
	case "zeros", "zero", "silence":
		return Zeros, nil
	}
	return 0, fmt.Errorf("invalid underrun mode: %q (supported: wavetable, zeros)", name)
}

// Config holds ring buffer configuration
type Config struct {
	// SlotSize is the size in bytes of one audio buffer
	SlotSize int

	// NumSlots is the number of slots held (default: 4)
	NumSlots int

	// Underrun selects the underrun fill policy
	Underrun UnderrunMode

	// Logger receives xrun diagnostics
	Logger *logrus.Entry
}

// Stats is a snapshot of ring buffer counters
type Stats struct {
	Underruns       uint64
	Overflows       uint64
	TransportErrors uint64
	Occupancy       int
	Capacity        int
}

// RingBuffer is a byte ring shared by one producer and one consumer.
//
// Read and write positions are monotonic byte counters; the buffer offset is
// the counter modulo capacity. The write counter never runs more than
// capacity ahead of the read counter.
type RingBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf      []byte
	capacity uint64
	slotSize int
	mode     UnderrunMode

	readPos  uint64
	writePos uint64
	closed   bool

	// last slot handed to the consumer, replayed in wavetable mode
	lastGood []byte
	// scratch for channel-major to interleaved reordering
	interleaved []byte

	xrun            atomic.Bool
	underruns       atomic.Uint64
	overflows       atomic.Uint64
	transportErrors atomic.Uint64

	rs *resampleState

	log *logrus.Entry
}

// New creates a ring buffer
func New(config Config) (*RingBuffer, error) {
	if config.SlotSize <= 0 {
		return nil, fmt.Errorf("invalid slot size: %d", config.SlotSize)
	}
	if config.NumSlots == 0 {
		config.NumSlots = 4
	}
	if config.NumSlots < 2 {
		return nil, fmt.Errorf("invalid slot count: %d (need at least 2)", config.NumSlots)
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	capacity := config.SlotSize * config.NumSlots
	rb := &RingBuffer{
		buf:      make([]byte, capacity),
		capacity: uint64(capacity),
		slotSize: config.SlotSize,
		mode:     config.Underrun,
		log:      config.Logger,
	}
	rb.notEmpty = sync.NewCond(&rb.mu)
	rb.notFull = sync.NewCond(&rb.mu)
	return rb, nil
}

// InsertNonBlocking copies p in. Without room for all of p it declares an
// overflow, drops the oldest buffered half and writes what fits.
func (rb *RingBuffer) InsertNonBlocking(p []byte) (overflow bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.insertLocked(p)
}

// InsertForResampler reorders a channel-major payload into interleaved
// frames before inserting, for buffers drained by ReadWithResampling
func (rb *RingBuffer) InsertForResampler(p []byte, channels, bytesPerSample int) (overflow bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if cap(rb.interleaved) < len(p) {
		rb.interleaved = make([]byte, len(p))
	}
	scratch := rb.interleaved[:len(p)]
	audio.Interleave(scratch, p, channels, bytesPerSample)
	return rb.insertLocked(scratch)
}

func (rb *RingBuffer) insertLocked(p []byte) bool {
	overflow := false
	if uint64(len(p)) > rb.capacity-(rb.writePos-rb.readPos) {
		overflow = true
		// keep the newest half; the read position only ever moves forward
		half := rb.capacity / 2
		if rb.writePos >= half && rb.writePos-half > rb.readPos {
			rb.readPos = rb.writePos - half
		}
		rb.xrun.Store(true)
		n := rb.overflows.Inc()
		rb.log.WithFields(logrus.Fields{
			"overflows": n,
			"bytes":     len(p),
		}).Debug("Ring buffer overflow")
	}

	free := rb.capacity - (rb.writePos - rb.readPos)
	if uint64(len(p)) > free {
		p = p[:free]
	}
	rb.copyIn(p)
	rb.notEmpty.Signal()
	return overflow
}

// InsertBlocking waits until p fits, then copies it in
func (rb *RingBuffer) InsertBlocking(ctx context.Context, p []byte) error {
	if uint64(len(p)) > rb.capacity {
		return fmt.Errorf("insert of %d bytes exceeds capacity %d", len(p), rb.capacity)
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	stop := context.AfterFunc(ctx, rb.wake)
	defer stop()

	for uint64(len(p)) > rb.capacity-(rb.writePos-rb.readPos) {
		if rb.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rb.notFull.Wait()
	}

	rb.copyIn(p)
	rb.notEmpty.Signal()
	return nil
}

// ReadBlocking waits until len(out) bytes are buffered, then pops them
func (rb *RingBuffer) ReadBlocking(ctx context.Context, out []byte) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	stop := context.AfterFunc(ctx, rb.wake)
	defer stop()

	for uint64(len(out)) > rb.writePos-rb.readPos {
		if rb.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rb.notEmpty.Wait()
	}

	rb.copyOut(out)
	rb.readSucceeded(out)
	return nil
}

// ReadNonBlocking pops len(out) bytes, or fills out according to the
// underrun policy when not enough data is buffered
func (rb *RingBuffer) ReadNonBlocking(out []byte) (underrun bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if uint64(len(out)) > rb.writePos-rb.readPos {
		rb.underrunLocked(out)
		return true
	}

	rb.copyOut(out)
	rb.readSucceeded(out)
	return false
}

// readSucceeded caches the slot for wavetable fill and clears the xrun flag
func (rb *RingBuffer) readSucceeded(out []byte) {
	if cap(rb.lastGood) < len(out) {
		rb.lastGood = make([]byte, len(out))
	}
	rb.lastGood = rb.lastGood[:len(out)]
	copy(rb.lastGood, out)
	rb.xrun.Store(false)
	rb.notFull.Signal()
}

func (rb *RingBuffer) underrunLocked(out []byte) {
	rb.xrun.Store(true)
	n := rb.underruns.Inc()

	if rb.mode == Wavetable && len(rb.lastGood) == len(out) {
		copy(out, rb.lastGood)
	} else {
		clear(out)
	}

	rb.log.WithFields(logrus.Fields{
		"underruns": n,
		"mode":      rb.mode.String(),
	}).Debug("Ring buffer underrun")
}

// copyIn writes p at the write position with wrap-around (must hold rb.mu)
func (rb *RingBuffer) copyIn(p []byte) {
	pos := rb.writePos % rb.capacity
	n := copy(rb.buf[pos:], p)
	if n < len(p) {
		copy(rb.buf, p[n:])
	}
	rb.writePos += uint64(len(p))
}

// peek copies len(out) bytes from the read position without consuming them
func (rb *RingBuffer) peek(out []byte) {
	pos := rb.readPos % rb.capacity
	n := copy(out, rb.buf[pos:])
	if n < len(out) {
		copy(out[n:], rb.buf)
	}
}

// copyOut pops len(out) bytes (must hold rb.mu)
func (rb *RingBuffer) copyOut(out []byte) {
	rb.peek(out)
	rb.readPos += uint64(len(out))
}

func (rb *RingBuffer) wake() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.notEmpty.Broadcast()
	rb.notFull.Broadcast()
}

// Close wakes all blocked callers; they return ErrClosed
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.closed = true
	rb.notEmpty.Broadcast()
	rb.notFull.Broadcast()
}

// Xrun reports whether the latest call hit an underrun or overflow
func (rb *RingBuffer) Xrun() bool {
	return rb.xrun.Load()
}

// CountTransportError records a socket error against this buffer's stream
func (rb *RingBuffer) CountTransportError() {
	rb.transportErrors.Inc()
}

// Occupancy returns the number of buffered bytes
func (rb *RingBuffer) Occupancy() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.writePos - rb.readPos)
}

// Capacity returns the size of the buffer in bytes
func (rb *RingBuffer) Capacity() int {
	return int(rb.capacity)
}

// SlotSize returns the configured slot size in bytes
func (rb *RingBuffer) SlotSize() int {
	return rb.slotSize
}

// ReadPosition returns the read offset within the buffer
func (rb *RingBuffer) ReadPosition() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.readPos % rb.capacity)
}

// WritePosition returns the write offset within the buffer
func (rb *RingBuffer) WritePosition() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.writePos % rb.capacity)
}

// Stats returns a snapshot of the counters
func (rb *RingBuffer) Stats() Stats {
	return Stats{
		Underruns:       rb.underruns.Load(),
		Overflows:       rb.overflows.Load(),
		TransportErrors: rb.transportErrors.Load(),
		Occupancy:       rb.Occupancy(),
		Capacity:        int(rb.capacity),
	}
}
