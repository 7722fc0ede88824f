// ABOUTME: JSON stats report pushed to monitor subscribers
// ABOUTME: Flattens session counters into a stable wire shape
package monitor

import (
	"time"

	"github.com/Resonate-Protocol/udptrip/internal/version"
	"github.com/Resonate-Protocol/udptrip/pkg/session"
)

// ReportType tags every report message
const ReportType = "monitor/stats"

// Report is one broadcast of every session the process runs
type Report struct {
	Type     string     `json:"type"`
	Product  string     `json:"product"`
	Version  string     `json:"version"`
	Time     time.Time  `json:"time"`
	Sessions []Snapshot `json:"sessions"`
}

// Snapshot is the monitor view of one session
type Snapshot struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	State string `json:"state"`

	Local      string `json:"local"`
	Peer       string `json:"peer"`
	PeerFormat string `json:"peer_format"`
	Generation uint64 `json:"generation"`
	Resampling bool   `json:"resampling"`
	Sequence   uint16 `json:"sequence"`

	Underruns       uint64 `json:"underruns"`
	Overflows       uint64 `json:"overflows"`
	TransportErrors uint64 `json:"transport_errors"`
	Occupancy       int    `json:"occupancy"`
	Capacity        int    `json:"capacity"`
	SendOverflows   uint64 `json:"send_overflows"`

	InputFrames  uint64  `json:"input_frames"`
	OutputFrames uint64  `json:"output_frames"`
	Ratio        float64 `json:"ratio"`

	Sent       uint64 `json:"sent"`
	SendDrops  uint64 `json:"send_drops"`
	SendErrors uint64 `json:"send_errors"`

	Datagrams  uint64 `json:"datagrams"`
	Delivered  uint64 `json:"delivered"`
	Gaps       uint64 `json:"gaps"`
	Duplicates uint64 `json:"duplicates"`
	Stale      uint64 `json:"stale"`
	Malformed  uint64 `json:"malformed"`

	LocalPeriod  float64 `json:"local_period_us"`
	LocalJitter  float64 `json:"local_jitter_us"`
	PeerPeriod   float64 `json:"peer_period_us"`
	ClockQuality string  `json:"clock_quality"`
}

// NewSnapshot flattens session stats
func NewSnapshot(st session.Stats) Snapshot {
	snap := Snapshot{
		ID:    st.ID,
		Role:  st.Role.String(),
		State: st.State.String(),

		Local:      st.Local.String(),
		Generation: st.Peer.Generation,
		Resampling: st.Peer.Resampling,
		Sequence:   st.Sequence,

		Underruns:       st.Receive.Underruns,
		Overflows:       st.Receive.Overflows,
		TransportErrors: st.Receive.TransportErrors,
		Occupancy:       st.Receive.Occupancy,
		Capacity:        st.Receive.Capacity,
		SendOverflows:   st.Send.Overflows,

		InputFrames:  st.Resample.InputFrames,
		OutputFrames: st.Resample.OutputFrames,
		Ratio:        st.Resample.Ratio,

		Sent:       st.Sender.Sent,
		SendDrops:  st.Sender.Dropped,
		SendErrors: st.Sender.SendErrors,

		Datagrams:  st.Receiver.Datagrams,
		Delivered:  st.Receiver.Delivered,
		Gaps:       st.Receiver.Gaps,
		Duplicates: st.Receiver.Duplicates,
		Stale:      st.Receiver.Stale,
		Malformed:  st.Receiver.Malformed,

		LocalPeriod:  st.LocalPeriod,
		LocalJitter:  st.LocalJitter,
		PeerPeriod:   st.PeerPeriod,
		ClockQuality: st.ClockQuality.String(),
	}
	if st.Peer.Addr != nil {
		snap.Peer = st.Peer.Addr.String()
	}
	if st.Peer.Format.SampleRate != 0 {
		snap.PeerFormat = st.Peer.Format.String()
	}
	return snap
}

func newReport(stats []session.Stats) Report {
	r := Report{
		Type:     ReportType,
		Product:  version.Product,
		Version:  version.Version,
		Time:     time.Now(),
		Sessions: make([]Snapshot, 0, len(stats)),
	}
	for _, st := range stats {
		r.Sessions = append(r.Sessions, NewSnapshot(st))
	}
	return r
}
