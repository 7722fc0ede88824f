// ABOUTME: Shared types for the UDP sender and receiver
// ABOUTME: Errors, the delivery sink, stats and the cooperative stop helper
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tevino/abool"
)

const (
	// DefaultPollInterval bounds every blocking socket read so a stop is seen promptly
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultWaitWarnInterval is the silence after which OnWaitingTooLong fires
	DefaultWaitWarnInterval = time.Second

	// maxDatagramSize is the largest UDP payload we accept
	maxDatagramSize = 65535
)

// ErrBind is returned when a socket cannot be bound; the OS error is wrapped alongside
var ErrBind = errors.New("udp bind failed")

// PeerSink receives the packets chosen by redundancy resolution.
//
// Deliver is called from the receiver goroutine with one full packet
// (header followed by payload). The slice is reused after Deliver returns.
type PeerSink interface {
	Deliver(packet []byte)
	CountTransportError()
}

// ReceiverStats is a snapshot of receiver counters
type ReceiverStats struct {
	Datagrams  uint64
	Delivered  uint64
	Gaps       uint64
	Duplicates uint64
	Stale      uint64
	Malformed  uint64
	ReadErrors uint64
}

// SenderStats is a snapshot of sender counters
type SenderStats struct {
	Sent       uint64
	Dropped    uint64
	SendErrors uint64
}

// stopper carries the stop flag checked by each loop iteration and wakes
// anything blocked on the loop context
type stopper struct {
	flag *abool.AtomicBool
	once sync.Once
	done chan struct{}
}

func newStopper() *stopper {
	return &stopper{flag: abool.New(), done: make(chan struct{})}
}

func (s *stopper) stop() {
	s.once.Do(func() {
		s.flag.Set()
		close(s.done)
	})
}

func (s *stopper) stopping() bool {
	return s.flag.IsSet()
}

// bind derives a context that is also cancelled by stop
func (s *stopper) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
