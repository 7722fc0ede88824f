// ABOUTME: Main application orchestration
// ABOUTME: Wires device, session, discovery, monitor and TUI; runs the ping-server hub
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/Resonate-Protocol/udptrip/internal/monitor"
	"github.com/Resonate-Protocol/udptrip/internal/rendezvous"
	"github.com/Resonate-Protocol/udptrip/internal/ui"
	"github.com/Resonate-Protocol/udptrip/internal/version"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/device"
	"github.com/Resonate-Protocol/udptrip/pkg/discovery"
	"github.com/Resonate-Protocol/udptrip/pkg/session"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const discoveryTimeout = 10 * time.Second

// Config holds application configuration
type Config struct {
	Session session.Config

	// Device names the backend passed to device.Open
	Device       string
	DeviceConfig device.Config

	// HubAddr is the rendezvous listen address for the ping-server role
	HubAddr string
	// HubDevice is opened for every hub session; defaults to echo
	HubDevice     string
	HubFirstPort  int
	HubMaxClients int

	MDNS        bool
	MonitorAddr string
	UseTUI      bool

	Logger *logrus.Logger
}

// App runs one session, or a hub of sessions in the ping-server role
type App struct {
	config Config
	log    *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session.Session

	// set once the main session is configured
	gain *session.Gain
}

// New creates the application
func New(config Config) *App {
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.HubDevice == "" {
		config.HubDevice = "echo"
	}
	return &App{
		config:   config,
		log:      config.Logger.WithField("prefix", "app"),
		sessions: make(map[string]*session.Session),
	}
}

// Run blocks until ctx is cancelled, the TUI quits, or the session stops
func (a *App) Run(ctx context.Context) error {
	a.log.WithFields(logrus.Fields{
		"version": version.Version,
		"role":    a.config.Session.Role.String(),
	}).Infof("Starting %s", version.Product)

	if a.config.Session.Role == session.RolePingServer {
		return a.runHub(ctx)
	}
	return a.runPeer(ctx)
}

func (a *App) runPeer(ctx context.Context) error {
	config := a.config.Session
	if config.Role == session.RoleClient && config.PeerHost == "" {
		if !a.config.MDNS {
			return fmt.Errorf("%w: client needs -peer or -mdns", session.ErrInvalidConfig)
		}
		peer, err := a.discover(ctx)
		if err != nil {
			return err
		}
		config.PeerHost = peer.Host
		config.PeerPort = peer.Port
	}
	config.Logger = a.config.Logger.WithField("prefix", "session")

	dev, err := device.Open(a.config.Device, a.withLogger(a.config.DeviceConfig))
	if err != nil {
		return fmt.Errorf("failed to open audio device: %w", err)
	}

	s, err := session.New(config, dev)
	if err != nil {
		dev.Close()
		return err
	}
	defer s.Close()

	if err := s.Configure(); err != nil {
		return err
	}
	a.gain = session.NewGain(100)
	if err := s.AppendProcessPlugin(a.gain, session.FromNetwork); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	a.track(s)

	g, gctx := errgroup.WithContext(runCtx)
	if a.config.MDNS && config.Role == session.RoleServer {
		disc := discovery.NewManager(discovery.Config{
			Port:      s.LocalAddr().Port,
			SessionID: s.ID(),
			Format:    s.Stats().Local,
			Logger:    a.config.Logger.WithField("prefix", "discovery"),
		})
		if err := disc.Advertise(); err != nil {
			a.log.WithError(err).Warn("mDNS advertisement failed")
		}
		defer disc.Stop()
	}
	if err := a.startMonitor(gctx, g); err != nil {
		return err
	}

	var quit <-chan ui.QuitMsg
	if a.config.UseTUI {
		ctrl := ui.NewControl()
		prog, err := ui.Run(ctrl)
		if err != nil {
			return fmt.Errorf("failed to start TUI: %w", err)
		}
		quit = ctrl.Quit
		g.Go(func() error {
			_, err := prog.Run()
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			prog.Quit()
			return nil
		})
		go a.handleControl(gctx, ctrl)
		go a.statsUpdateLoop(gctx, s, prog)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("Shutdown signal received")
	case <-quit:
		a.log.Info("Received quit signal from TUI")
	case <-s.Done():
		runErr = s.Wait()
		a.log.Info("Session stopped")
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.log.WithError(err).Warn("Component exited with error")
	}
	if err := s.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *App) discover(ctx context.Context) (*discovery.PeerInfo, error) {
	a.log.Info("Starting server discovery...")
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	peer, err := discovery.Lookup(ctx, a.config.Logger.WithField("prefix", "discovery"))
	if err != nil {
		return nil, fmt.Errorf("no server found after %s: %w", discoveryTimeout, err)
	}
	a.log.WithField("addr", peer.Addr()).Info("Discovered server")
	return peer, nil
}

// runHub accepts ping clients and runs one session per client
func (a *App) runHub(ctx context.Context) error {
	hub, err := rendezvous.NewHub(rendezvous.HubConfig{
		Addr:       a.config.HubAddr,
		FirstPort:  a.config.HubFirstPort,
		MaxClients: a.config.HubMaxClients,
		Spawn:      a.spawn,
		Logger:     a.config.Logger.WithField("prefix", "rendezvous"),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := a.startMonitor(gctx, g); err != nil {
		return err
	}
	g.Go(func() error { return hub.Serve(gctx) })
	return g.Wait()
}

// spawn builds the session serving one ping client on its assigned port
func (a *App) spawn(client *net.UDPAddr, port int) (rendezvous.Worker, error) {
	config := a.config.Session
	config.Role = session.RoleClient
	config.PeerHost = client.IP.String()
	config.PeerPort = client.Port
	config.BindPort = port
	config.SenderBindPort = 0
	config.PingServer = ""
	config.Logger = a.config.Logger.WithFields(logrus.Fields{
		"prefix": "session",
		"client": client.String(),
	})

	dev, err := device.Open(a.config.HubDevice, a.withLogger(a.config.DeviceConfig))
	if err != nil {
		return nil, err
	}
	s, err := session.New(config, dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	a.track(s)
	return s, nil
}

// track registers s for monitoring until it stops
func (a *App) track(s *session.Session) {
	a.mu.Lock()
	a.sessions[s.ID()] = s
	a.mu.Unlock()

	go func() {
		<-s.Done()
		a.mu.Lock()
		delete(a.sessions, s.ID())
		a.mu.Unlock()
	}()
}

// Stats returns a snapshot of every running session
func (a *App) Stats() []session.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := make([]session.Stats, 0, len(a.sessions))
	for _, s := range a.sessions {
		stats = append(stats, s.Stats())
	}
	return stats
}

func (a *App) startMonitor(ctx context.Context, g *errgroup.Group) error {
	if a.config.MonitorAddr == "" {
		return nil
	}
	srv, err := monitor.NewServer(monitor.ServerConfig{
		Addr:   a.config.MonitorAddr,
		Source: a.Stats,
		Logger: a.config.Logger.WithField("prefix", "monitor"),
	})
	if err != nil {
		return err
	}
	g.Go(func() error { return srv.Serve(ctx) })
	return nil
}

// handleControl applies gain changes from the TUI
func (a *App) handleControl(ctx context.Context, ctrl *ui.Control) {
	for {
		select {
		case vol := <-ctrl.Changes:
			a.log.WithFields(logrus.Fields{"volume": vol.Volume, "muted": vol.Muted}).Debug("Volume change")
			a.gain.SetVolume(vol.Volume)
			a.gain.SetMuted(vol.Muted)
		case <-ctx.Done():
			return
		}
	}
}

// statsUpdateLoop periodically updates the TUI
func (a *App) statsUpdateLoop(ctx context.Context, s *session.Session, prog *tea.Program) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	// runtime stats stop the world; read them less often
	runtimeTicker := time.NewTicker(2 * time.Second)
	defer runtimeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-runtimeTicker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			prog.Send(ui.RuntimeMsg{
				Goroutines: runtime.NumGoroutine(),
				MemAlloc:   m.Alloc,
				MemSys:     m.Sys,
			})
		case <-ticker.C:
			prog.Send(ui.StatsMsg{Stats: s.Stats(), Redundancy: s.Redundancy()})
		}
	}
}

func (a *App) withLogger(c device.Config) device.Config {
	if c.Logger == nil {
		c.Logger = a.config.Logger.WithField("prefix", "device")
	}
	return c
}
