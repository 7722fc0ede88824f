// ABOUTME: Process clock and callback period estimation with drift tracking
// ABOUTME: Tracks the true period of a periodic event (audio callback, packet arrival)
package clock

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var processStart = time.Now()

// Micros returns the free-running process time in microseconds
func Micros() uint64 {
	return uint64(time.Since(processStart).Microseconds())
}

// Quality represents how trustworthy an estimate currently is
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	}
	return "lost"
}

const (
	// weight given to each new residual when correcting the phase
	phaseGain = 0.1
	// weight given to each new residual when correcting the period
	periodGain = 0.005
	// events arriving further than this many periods off prediction re-anchor the filter
	maxResidualPeriods = 8
	// no event for this long marks the estimate lost
	lostAfter = time.Second
)

// PeriodEstimator tracks the real period of a nominally periodic event.
//
// It runs the same fixed-gain filter as a clock sync loop: a prediction of
// the next event time from the last phase and period, then both corrected
// by a share of the residual. The period is the drift term.
type PeriodEstimator struct {
	mu        sync.RWMutex
	nominal   float64 // µs per tick
	period    float64 // µs per tick
	phase     float64 // filtered time of the last event, µs
	jitter    float64 // smoothed absolute residual, µs
	samples   int
	lastEvent time.Time
	quality   Quality
	log       *logrus.Entry
}

// NewPeriodEstimator creates an estimator starting at the nominal period
func NewPeriodEstimator(nominal time.Duration, log *logrus.Entry) *PeriodEstimator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	us := float64(nominal) / float64(time.Microsecond)
	return &PeriodEstimator{
		nominal: us,
		period:  us,
		quality: QualityLost,
		log:     log,
	}
}

// NominalPeriod computes the callback period for a buffer size and rate
func NominalPeriod(bufferSize, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(bufferSize) / float64(sampleRate) * float64(time.Second))
}

// Observe records an event at ts microseconds, ticks periods after the
// previous observed event
func (e *PeriodEstimator) Observe(ts uint64, ticks int) {
	if ticks <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastEvent = time.Now()
	now := float64(ts)

	// First event: anchor the phase only
	if e.samples == 0 {
		e.phase = now
		e.samples++
		e.quality = QualityDegraded
		return
	}

	predicted := e.phase + e.period*float64(ticks)
	residual := now - predicted

	// Large residuals mean a stall or a clock jump, not drift
	if math.Abs(residual) > maxResidualPeriods*e.period*float64(ticks) {
		e.log.WithFields(logrus.Fields{
			"residual_us": int64(residual),
			"period_us":   e.period,
		}).Debug("Re-anchoring period estimate")
		e.phase = now
		e.quality = QualityDegraded
		return
	}

	e.phase = predicted + phaseGain*residual
	e.period += periodGain * residual / float64(ticks)

	// keep the estimate within a sane band around nominal
	lo, hi := e.nominal*0.5, e.nominal*2
	if e.period < lo {
		e.period = lo
	} else if e.period > hi {
		e.period = hi
	}

	e.jitter += phaseGain * (math.Abs(residual) - e.jitter)
	e.samples++

	if e.samples > 16 && e.jitter < e.period/2 {
		e.quality = QualityGood
	} else {
		e.quality = QualityDegraded
	}
}

// Period returns the estimated period in microseconds per tick
func (e *PeriodEstimator) Period() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.period
}

// Stats returns period, jitter and quality
func (e *PeriodEstimator) Stats() (period, jitter float64, quality Quality) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.period, e.jitter, e.quality
}

// CheckQuality updates quality based on time since the last event
func (e *PeriodEstimator) CheckQuality() Quality {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.samples > 0 && time.Since(e.lastEvent) > lostAfter {
		e.quality = QualityLost
	}
	return e.quality
}

// Reset forgets all observations and returns to the nominal period
func (e *PeriodEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.period = e.nominal
	e.phase = 0
	e.jitter = 0
	e.samples = 0
	e.quality = QualityLost
}
