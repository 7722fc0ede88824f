// ABOUTME: Drift harness running two sessions over loopback UDP
// ABOUTME: Skews one software clock and reports ratio, buffer fill and xruns
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/udptrip/internal/clock"
	"github.com/Resonate-Protocol/udptrip/internal/logging"
	"github.com/Resonate-Protocol/udptrip/pkg/audio/device"
	"github.com/Resonate-Protocol/udptrip/pkg/session"
	"github.com/sirupsen/logrus"
)

var (
	rateA      = flag.Int("rate-a", 48000, "Sample rate of the server side")
	rateB      = flag.Int("rate-b", 44100, "Sample rate of the client side")
	buffer     = flag.Int("buffer", 128, "Buffer size in samples on both sides")
	ppm        = flag.Float64("ppm", 0, "Clock skew of the client side in parts per million")
	duration   = flag.Duration("duration", 10*time.Second, "How long to run")
	interval   = flag.Duration("interval", time.Second, "Report interval")
	resampling = flag.String("resample", "adaptive", "Resampling mode: uniform or adaptive")
	queue      = flag.Int("queue", 8, "Receive queue length")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	logger, closer, err := logging.Setup(logging.Options{Console: true, Debug: *debug})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()
	log := logging.For(logger, "drift")

	mode, err := session.ParseResamplingMode(*resampling)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	a, err := newSide(logger, mode, "a", *rateA, 0, device.LoopbackOptions{
		Source: device.NewToneSource(440, *rateA, 2),
	}, session.Config{Role: session.RoleServer})
	if err != nil {
		log.Fatalf("server side: %v", err)
	}
	defer a.Close()

	b, err := newSide(logger, mode, "b", *rateB, *ppm, device.LoopbackOptions{Echo: true}, session.Config{
		Role:     session.RoleClient,
		PeerHost: "127.0.0.1",
		PeerPort: a.LocalAddr().Port,
	})
	if err != nil {
		log.Fatalf("client side: %v", err)
	}
	defer b.Close()

	for _, s := range []*session.Session{a, b} {
		go func() {
			<-s.Done()
			if err := s.Wait(); err != nil {
				log.WithError(err).Error("Session failed")
			}
			cancel()
		}()
	}

	log.WithFields(logrus.Fields{
		"rate_a": *rateA,
		"rate_b": *rateB,
		"ppm":    *ppm,
		"mode":   mode.String(),
	}).Info("Running drift harness")

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			report(log, "a", a.Stats())
			report(log, "b", b.Stats())
			return
		case <-ticker.C:
			report(log, "a", a.Stats())
			report(log, "b", b.Stats())
		}
	}
}

func newSide(logger *logrus.Logger, mode session.ResamplingMode, name string, rate int, skew float64, opts device.LoopbackOptions, config session.Config) (*session.Session, error) {
	devConfig := device.Config{
		SampleRate: rate,
		BufferSize: *buffer,
		Channels:   2,
		Logger:     logging.For(logger, "device").WithField("side", name),
	}
	nominal := clock.NominalPeriod(*buffer, rate)
	opts.Period = time.Duration(float64(nominal) / (1 + skew/1e6))

	dev, err := device.NewLoopback(devConfig, opts)
	if err != nil {
		return nil, err
	}

	config.BindPort = session.EphemeralPort
	config.QueueLength = *queue
	config.Resampling = mode
	config.Logger = logging.For(logger, "session").WithField("side", name)

	s, err := session.New(config, dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	if err := s.Configure(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.Start(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func report(log *logrus.Entry, name string, st session.Stats) {
	fill := 0.0
	if st.Receive.Capacity > 0 {
		fill = float64(st.Receive.Occupancy) / float64(st.Receive.Capacity)
	}
	log.WithFields(logrus.Fields{
		"side":       name,
		"ratio":      fmt.Sprintf("%.6f", st.Resample.Ratio),
		"fill":       fmt.Sprintf("%.2f", fill),
		"underruns":  st.Receive.Underruns,
		"overflows":  st.Receive.Overflows,
		"gaps":       st.Receiver.Gaps,
		"period_us":  fmt.Sprintf("%.1f", st.LocalPeriod),
		"peer_us":    fmt.Sprintf("%.1f", st.PeerPeriod),
		"clock":      st.ClockQuality.String(),
		"generation": st.Peer.Generation,
	}).Info("Drift report")
}
