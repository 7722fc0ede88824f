// ABOUTME: mDNS service discovery for udptrip peers
// ABOUTME: Servers advertise their UDP port and stream format; clients browse for them
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Resonate-Protocol/udptrip/internal/version"
	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"
)

// ServiceType is the mDNS service udptrip servers register under
const ServiceType = "_udptrip._udp"

const queryTimeout = 3 * time.Second

// ErrNotFound is returned by Lookup when no server answered in time
var ErrNotFound = errors.New("no udptrip server found")

// Config holds discovery configuration
type Config struct {
	// Instance is the advertised name; defaults to the hostname
	Instance string
	// Port is the advertised UDP port
	Port      int
	SessionID string
	Format    audio.Format

	Logger *logrus.Entry
}

// PeerInfo describes a discovered server
type PeerInfo struct {
	Name      string
	Host      string
	Port      int
	SessionID string
	Version   string

	// Format is zero when the record did not carry one
	Format audio.Format
}

// Addr returns host:port
func (p *PeerInfo) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Manager handles mDNS operations
type Manager struct {
	config Config
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	peers  chan *PeerInfo

	mu     sync.Mutex
	seen   map[string]bool
	server *mdns.Server
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Instance == "" {
		config.Instance, _ = os.Hostname()
		if config.Instance == "" {
			config.Instance = version.Product
		}
	}
	log := config.Logger
	if log == nil {
		log = logrus.WithField("prefix", "discovery")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(chan *PeerInfo, 10),
		seen:   make(map[string]bool),
	}
}

// Advertise registers this server until Stop is called
func (m *Manager) Advertise() error {
	if m.config.Port <= 0 || m.config.Port > 0xffff {
		return fmt.Errorf("invalid advertised port: %d", m.config.Port)
	}
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.Instance,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		txtRecords(m.config),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"instance": m.config.Instance,
		"port":     m.config.Port,
		"service":  ServiceType,
	}).Info("Advertising mDNS service")

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// Browse starts searching for servers; results arrive on Peers
func (m *Manager) Browse() error {
	go m.browseLoop()
	return nil
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for entry := range entries {
				m.handleEntry(entry)
			}
		}()

		err := mdns.Query(&mdns.QueryParam{
			Service:     ServiceType,
			Domain:      "local",
			Timeout:     queryTimeout,
			Entries:     entries,
			DisableIPv6: true,
		})
		close(entries)
		<-done
		if err != nil {
			m.log.WithError(err).Debug("mDNS query failed")
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(queryTimeout):
			}
		}
	}
}

// handleEntry forwards each server once
func (m *Manager) handleEntry(entry *mdns.ServiceEntry) {
	peer, ok := peerFromEntry(entry)
	if !ok {
		return
	}

	key := peer.Addr() + "/" + peer.SessionID
	m.mu.Lock()
	if m.seen[key] {
		m.mu.Unlock()
		return
	}
	m.seen[key] = true
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"name": peer.Name,
		"addr": peer.Addr(),
	}).Info("Discovered server")

	select {
	case m.peers <- peer:
	case <-m.ctx.Done():
	}
}

// Peers returns the channel of discovered servers
func (m *Manager) Peers() <-chan *PeerInfo {
	return m.peers
}

// Stop ends advertising and browsing
func (m *Manager) Stop() {
	m.cancel()
}

// Lookup browses until the first server answers or ctx ends
func Lookup(ctx context.Context, logger *logrus.Entry) (*PeerInfo, error) {
	m := NewManager(Config{Logger: logger})
	defer m.Stop()
	if err := m.Browse(); err != nil {
		return nil, err
	}

	select {
	case peer := <-m.Peers():
		return peer, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNotFound, ctx.Err())
	}
}

func txtRecords(config Config) []string {
	txt := []string{
		"version=" + version.Version,
	}
	if config.SessionID != "" {
		txt = append(txt, "id="+config.SessionID)
	}
	if f := config.Format; f.SampleRate != 0 {
		txt = append(txt,
			"rate="+strconv.Itoa(f.SampleRate),
			"buffer="+strconv.Itoa(f.BufferSize),
			"channels="+strconv.Itoa(f.Channels),
			"bits="+strconv.Itoa(int(f.BitDepth)),
		)
	}
	return txt
}

func peerFromEntry(entry *mdns.ServiceEntry) (*PeerInfo, bool) {
	if entry == nil || entry.AddrV4 == nil || entry.Port == 0 {
		return nil, false
	}
	if !strings.Contains(entry.Name, ServiceType) {
		return nil, false
	}

	peer := &PeerInfo{
		Name: strings.TrimSuffix(entry.Name, "."+ServiceType+".local."),
		Host: entry.AddrV4.String(),
		Port: entry.Port,
	}

	fields := parseTXT(entry.InfoFields)
	peer.SessionID = fields["id"]
	peer.Version = fields["version"]

	f := audio.Format{
		SampleRate: atoi(fields["rate"]),
		BufferSize: atoi(fields["buffer"]),
		Channels:   atoi(fields["channels"]),
		BitDepth:   audio.BitResolution(atoi(fields["bits"])),
	}
	if f.Validate() == nil {
		peer.Format = f
	}
	return peer, true
}

func parseTXT(records []string) map[string]string {
	fields := make(map[string]string, len(records))
	for _, r := range records {
		k, v, ok := strings.Cut(r, "=")
		if !ok {
			continue
		}
		fields[k] = v
	}
	return fields
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
