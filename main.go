// ABOUTME: Entry point for the udptrip audio link
// ABOUTME: Parses CLI flags and runs a client, server, ping client or ping-server hub
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Resonate-Protocol/udptrip/internal/app"
	"github.com/Resonate-Protocol/udptrip/internal/logging"
	"github.com/Resonate-Protocol/udptrip/internal/rendezvous"
	"github.com/Resonate-Protocol/udptrip/internal/version"
	"github.com/Resonate-Protocol/udptrip/pkg/audio"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/device"
	"github.com/Resonate-Protocol/udptrip/pkg/protocol"
	"github.com/Resonate-Protocol/udptrip/pkg/ringbuffer"
	"github.com/Resonate-Protocol/udptrip/pkg/session"
)

var (
	role        = flag.String("role", "server", "Role: client, server, ping-client, ping-server")
	peer        = flag.String("peer", "", "Peer host (client role); empty with -mdns browses for a server")
	port        = flag.Int("port", session.DefaultPort, "Local UDP port (TCP rendezvous port for ping-server)")
	peerPort    = flag.Int("peer-port", session.DefaultPort, "Peer UDP port")
	senderPort  = flag.Int("sender-port", 0, "Sender bind port (0 shares the receive socket)")
	pingServer  = flag.String("ping-server", "", "Ping server host[:port] (ping-client role)")
	channels    = flag.Int("channels", 0, "Channels on the wire (default: device channels)")
	redundancy  = flag.Int("redundancy", 1, "Copies of each packet per datagram")
	underrun    = flag.String("underrun", "wavetable", "Underrun fill: wavetable or zeros")
	bits        = flag.Int("bits", 0, "Bit resolution on the wire: 8, 16, 24, 32 (default: device)")
	header      = flag.String("header", "default", "Header: default, empty, jamlink")
	queue       = flag.Int("queue", 4, "Receive queue length in packets")
	resampling  = flag.String("resample", "uniform", "Peer rate conversion: uniform or adaptive")
	deviceName  = flag.String("device", "malgo", "Audio device: malgo, oto, portaudio, tone, echo, null, file:<path>")
	sampleRate  = flag.Int("rate", 48000, "Device sample rate")
	bufferSize  = flag.Int("buffer", 128, "Device buffer size in samples")
	enableMDNS  = flag.Bool("mdns", false, "Advertise (server) or browse (client) via mDNS")
	monitorAddr = flag.String("monitor", "", "Serve websocket stats on this address, e.g. :8930")
	logFile     = flag.String("log-file", "udptrip.log", "Log file path")
	noTUI       = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	config, err := buildConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "udptrip: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	// the hub has no single session to show
	useTUI := !*noTUI && config.Session.Role != session.RolePingServer
	config.UseTUI = useTUI

	logger, closer, err := logging.Setup(logging.Options{
		File:    *logFile,
		Console: !useTUI,
		Debug:   *debug,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "udptrip: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	config.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.New(config).Run(ctx); err != nil {
		logger.WithError(err).Error("udptrip stopped")
		closer.Close()
		fmt.Fprintf(os.Stderr, "udptrip: %v\n", err)
		os.Exit(1)
	}
}

func buildConfig() (app.Config, error) {
	r, err := session.ParseRole(*role)
	if err != nil {
		return app.Config{}, err
	}
	mode, err := ringbuffer.ParseUnderrunMode(*underrun)
	if err != nil {
		return app.Config{}, err
	}
	kind, err := protocol.ParseKind(*header)
	if err != nil {
		return app.Config{}, err
	}
	rs, err := session.ParseResamplingMode(*resampling)
	if err != nil {
		return app.Config{}, err
	}
	var bitRes audio.BitResolution
	if *bits != 0 {
		if bitRes, err = audio.ParseBitResolution(*bits); err != nil {
			return app.Config{}, err
		}
	}

	config := app.Config{
		Session: session.Config{
			Role:           r,
			PeerHost:       *peer,
			PeerPort:       *peerPort,
			BindPort:       *port,
			SenderBindPort: *senderPort,
			PingServer:     withDefaultPort(*pingServer, rendezvous.DefaultPort),
			NumChannels:    *channels,
			BitResolution:  bitRes,
			Redundancy:     *redundancy,
			Underrun:       mode,
			HeaderKind:     kind,
			QueueLength:    *queue,
			Resampling:     rs,
		},
		Device: *deviceName,
		DeviceConfig: device.Config{
			SampleRate: *sampleRate,
			BufferSize: *bufferSize,
		},
		MDNS:        *enableMDNS,
		MonitorAddr: *monitorAddr,
	}

	if r == session.RolePingServer {
		config.HubAddr = ":" + strconv.Itoa(*port)
		// hub sessions bind the assigned ports
		config.Session.BindPort = 0
	}
	return config, nil
}

// withDefaultPort appends port when addr has none
func withDefaultPort(addr string, port int) string {
	if addr == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}
