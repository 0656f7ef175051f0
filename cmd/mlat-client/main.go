// Command mlat-client feeds a Beast-format Mode S / ADS-B receiver into a
// multilateration server, computing no positions itself: it forwards
// timestamped messages uplink, and results the server sends back down are
// only counted in a metric and written to the debug log.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mutability/mlat-client/internal/config"
	"github.com/mutability/mlat-client/internal/coordinator"
	"github.com/mutability/mlat-client/internal/monitoring"
	"github.com/mutability/mlat-client/internal/serverlink"
)

func main() {
	cmd := config.BuildCommand(run)
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	monitoring.SetDebug(cfg.Debug)

	shutdownTracer := monitoring.InitTracer(ctx, cfg.TracingEndpoint, "mlat-client")
	defer shutdownTracer()

	metricsServer := monitoring.NewServer(cfg.MetricsListen)
	metricsServer.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}()

	hsConfig := serverlink.HandshakeConfig{
		Lat:               cfg.Lat,
		Lon:               cfg.Lon,
		Alt:               cfg.AltFeet,
		User:              cfg.User,
		RandomDropPercent: cfg.RandomDropPercent,
	}

	coord := coordinator.New(
		cfg.InputHost, cfg.InputPort,
		cfg.OutputHost, cfg.OutputPort,
		!cfg.NoCompression, hsConfig,
		cfg.RandomDropPercent,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("mlat-client: feeding %s:%d to %s:%d as %q", cfg.InputHost, cfg.InputPort, cfg.OutputHost, cfg.OutputPort, cfg.User)

	if err := coord.Run(ctx); err != nil {
		return fmt.Errorf("coordinator exited: %w", err)
	}
	return nil
}
