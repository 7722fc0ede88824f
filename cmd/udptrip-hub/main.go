// ABOUTME: Entry point for the udptrip ping-server hub
// ABOUTME: Assigns a UDP port to each ping client and echoes its audio back
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Resonate-Protocol/udptrip/internal/app"
	"github.com/Resonate-Protocol/udptrip/internal/logging"
	"github.com/Resonate-Protocol/udptrip/internal/rendezvous"
	"github.com/Resonate-Protocol/udptrip/internal/version"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/device"
	"github.com/Resonate-Protocol/udptrip/pkg/session"
)

var (
	port        = flag.Int("port", rendezvous.DefaultPort, "TCP rendezvous port")
	firstPort   = flag.Int("first-port", rendezvous.DefaultFirstPort, "First UDP port handed to clients")
	maxClients  = flag.Int("max-clients", 16, "Concurrent clients")
	deviceName  = flag.String("device", "echo", "Device for each client session: echo, tone, null, file:<path>")
	rate        = flag.Int("rate", 48000, "Session sample rate")
	buffer      = flag.Int("buffer", 128, "Session buffer size in samples")
	redundancy  = flag.Int("redundancy", 1, "Copies of each packet per datagram")
	monitorAddr = flag.String("monitor", "", "Serve websocket stats on this address")
	logFile     = flag.String("log-file", "udptrip-hub.log", "Log file path")
	debug       = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	logger, closer, err := logging.Setup(logging.Options{File: *logFile, Console: true, Debug: *debug})
	if err != nil {
		fmt.Fprintf(os.Stderr, "udptrip-hub: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	log := logging.For(logger, "hub")
	log.Infof("Starting %s hub on port %d", version.String(), *port)
	log.Infof("Logging to: %s", *logFile)
	log.Info("Press Ctrl-C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(app.Config{
		Session: session.Config{
			Role:       session.RolePingServer,
			Redundancy: *redundancy,
		},
		DeviceConfig:  device.Config{SampleRate: *rate, BufferSize: *buffer},
		HubAddr:       ":" + strconv.Itoa(*port),
		HubDevice:     *deviceName,
		HubFirstPort:  *firstPort,
		HubMaxClients: *maxClients,
		MonitorAddr:   *monitorAddr,
		Logger:        logger,
	})
	if err := a.Run(ctx); err != nil {
		log.Fatalf("Hub error: %v", err)
	}
	log.Info("Hub stopped")
}
