// ABOUTME: Follows the websocket stats feed of a running udptrip process
// ABOUTME: Prints one log line per session per report
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Resonate-Protocol/udptrip/internal/logging"
	"github.com/Resonate-Protocol/udptrip/internal/monitor"
	"github.com/sirupsen/logrus"
)

var (
	addr  = flag.String("addr", "localhost:8930", "Monitor address of the udptrip process")
	count = flag.Int("count", 0, "Exit after this many reports (0 runs until interrupted)")
)

func main() {
	flag.Parse()

	logger, closer, err := logging.Setup(logging.Options{Console: true})
	if err != nil {
		os.Exit(1)
	}
	defer closer.Close()
	log := logging.For(logger, "mon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := monitor.Dial(ctx, *addr)
	if err != nil {
		log.Fatalf("Connection failed: %v", err)
	}
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	for n := 0; *count == 0 || n < *count; n++ {
		report, err := client.Next()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("Monitor feed ended")
			}
			return
		}
		if len(report.Sessions) == 0 {
			log.WithField("version", report.Version).Info("No sessions")
		}
		for _, s := range report.Sessions {
			log.WithFields(logrus.Fields{
				"id":        shortID(s.ID),
				"role":      s.Role,
				"state":     s.State,
				"peer":      s.Peer,
				"underruns": s.Underruns,
				"overflows": s.Overflows,
				"fill":      s.Occupancy,
				"sent":      s.Sent,
				"delivered": s.Delivered,
				"gaps":      s.Gaps,
				"ratio":     s.Ratio,
			}).Info(s.Local)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
