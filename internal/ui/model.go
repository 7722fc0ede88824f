// ABOUTME: Bubbletea model for the session status TUI
// ABOUTME: Shows peer parameters, xruns, redundancy and period estimates
package ui

import (
	"fmt"
	"strings"

	"github.com/Resonate-Protocol/udptrip/internal/clock"
	"github.com/Resonate-Protocol/udptrip/pkg/session"
	tea "github.com/charmbracelet/bubbletea"
)

const boxWidth = 54

// StatsMsg updates the TUI from a session snapshot
type StatsMsg struct {
	Stats      session.Stats
	Redundancy int
}

// RuntimeMsg carries process stats gathered less often
type RuntimeMsg struct {
	Goroutines int
	MemAlloc   uint64
	MemSys     uint64
}

// Model represents the TUI state
type Model struct {
	// Session
	id    string
	role  string
	state string
	local string

	// Peer
	peerAddr   string
	peerFormat string
	generation uint64
	resampling bool
	ratio      float64

	// Gain
	volume int
	muted  bool

	// Buffers
	underruns       uint64
	overflows       uint64
	transportErrors uint64
	occupancy       int
	capacity        int

	// Transport
	redundancy int
	sent       uint64
	sendDrops  uint64
	delivered  uint64
	gaps       uint64
	duplicates uint64
	stale      uint64
	malformed  uint64

	// Clock
	localPeriod  float64
	localJitter  float64
	peerPeriod   float64
	clockQuality clock.Quality

	// Debug
	showDebug  bool
	goroutines int
	memAlloc   uint64
	memSys     uint64

	ctrl *Control

	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatsMsg:
		m.applyStats(msg)
	case RuntimeMsg:
		m.goroutines = msg.Goroutines
		m.memAlloc = msg.MemAlloc
		m.memSys = msg.MemSys
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderPeer())
	b.WriteString(m.renderControls())
	b.WriteString(m.renderStats())
	if m.showDebug {
		b.WriteString(m.renderDebug())
	}
	b.WriteString(m.renderHelp())
	return b.String()
}

func line(format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	if n := len([]rune(s)); n < boxWidth {
		s += strings.Repeat(" ", boxWidth-n)
	}
	return "│ " + truncate(s, boxWidth) + " │\n"
}

func rule(left, right string) string {
	return left + strings.Repeat("─", boxWidth+2) + right + "\n"
}

// renderHeader renders role, state and clock status
func (m Model) renderHeader() string {
	icon := "✗"
	switch m.clockQuality {
	case clock.QualityGood:
		icon = "✓"
	case clock.QualityDegraded:
		icon = "⚠"
	}

	id := m.id
	if len(id) > 8 {
		id = id[:8]
	}

	s := "┌─ udptrip " + strings.Repeat("─", boxWidth-8) + "┐\n"
	s += line("%s %s [%s]", m.role, m.state, id)
	s += line("Local:  %s", m.local)
	s += line("Clock:  %s %.1fµs ±%.1fµs", icon, m.localPeriod, m.localJitter)
	s += rule("├", "┤")
	return s
}

// renderPeer renders the current peer parameters
func (m Model) renderPeer() string {
	if m.peerAddr == "" {
		return line("Peer:   waiting")
	}

	s := line("Peer:   %s (gen %d)", m.peerAddr, m.generation)
	s += line("Format: %s", m.peerFormat)
	if m.resampling {
		s += line("Resample: ratio %.5f, peer period %.1fµs", m.ratio, m.peerPeriod)
	}
	return s
}

// renderControls renders gain and receive buffer fill
func (m Model) renderControls() string {
	muteIcon := ""
	if m.muted {
		muteIcon = " (muted)"
	}

	s := line("")
	s += line("Volume: [%s] %d%%%s", renderBar(m.volume, 100, 10), m.volume, muteIcon)
	s += line("Buffer: [%s] %d/%d bytes", renderBar(m.occupancy, m.capacity, 10), m.occupancy, m.capacity)
	return s
}

// renderStats renders xruns and transport counters
func (m Model) renderStats() string {
	s := rule("├", "┤")
	s += line("Xruns:  under %d  over %d  bad %d", m.underruns, m.overflows, m.transportErrors)
	s += line("TX x%d:  sent %d  dropped %d", m.redundancy, m.sent, m.sendDrops)
	s += line("RX:     ok %d  gaps %d  dup %d  stale %d", m.delivered, m.gaps, m.duplicates, m.stale)
	if m.malformed > 0 {
		s += line("        malformed %d", m.malformed)
	}
	s += line("")
	return s
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return line("↑/↓:Volume  m:Mute  d:Debug  q:Quit") + rule("└", "┘")
}

// renderDebug renders process information
func (m Model) renderDebug() string {
	s := line("DEBUG:")
	s += line("  Goroutines: %d", m.goroutines)
	s += line("  Memory: %.1f MB alloc, %.1f MB sys", float64(m.memAlloc)/1e6, float64(m.memSys)/1e6)
	s += line("  Session: %s", m.id)
	return s
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.ctrl != nil {
			select {
			case m.ctrl.Quit <- QuitMsg{}:
			default:
			}
		}
		return m, tea.Quit
	case "up":
		m.volume = min(m.volume+5, 100)
		m.sendVolume()
	case "down":
		m.volume = max(m.volume-5, 0)
		m.sendVolume()
	case "m":
		m.muted = !m.muted
		m.sendVolume()
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

func (m Model) sendVolume() {
	if m.ctrl == nil {
		return
	}
	select {
	case m.ctrl.Changes <- VolumeChangeMsg{Volume: m.volume, Muted: m.muted}:
	default:
	}
}

// applyStats updates model from a session snapshot
func (m *Model) applyStats(msg StatsMsg) {
	st := msg.Stats
	m.id = st.ID
	m.role = st.Role.String()
	m.state = st.State.String()
	if st.Local.SampleRate != 0 {
		m.local = st.Local.String()
	}

	m.peerAddr = ""
	if st.Peer.Addr != nil {
		m.peerAddr = st.Peer.Addr.String()
	}
	m.peerFormat = st.Peer.Format.String()
	m.generation = st.Peer.Generation
	m.resampling = st.Peer.Resampling
	m.ratio = st.Resample.Ratio

	m.underruns = st.Receive.Underruns
	m.overflows = st.Receive.Overflows
	m.transportErrors = st.Receive.TransportErrors
	m.occupancy = st.Receive.Occupancy
	m.capacity = st.Receive.Capacity

	if msg.Redundancy > 0 {
		m.redundancy = msg.Redundancy
	}
	m.sent = st.Sender.Sent
	m.sendDrops = st.Sender.Dropped
	m.delivered = st.Receiver.Delivered
	m.gaps = st.Receiver.Gaps
	m.duplicates = st.Receiver.Duplicates
	m.stale = st.Receiver.Stale
	m.malformed = st.Receiver.Malformed

	m.localPeriod = st.LocalPeriod
	m.localJitter = st.LocalJitter
	m.peerPeriod = st.PeerPeriod
	m.clockQuality = st.ClockQuality
}

func renderBar(value, max, width int) string {
	filled := 0
	if max > 0 {
		filled = min(value*width/max, width)
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	r := []rune(s)
	if len(r) <= length {
		return s
	}
	return string(r[:length-3]) + "..."
}
