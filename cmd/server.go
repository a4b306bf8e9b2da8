package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/gommon/log"

	"github.com/jeffypooo/hoststat/internal/config"
	"github.com/jeffypooo/hoststat/internal/metrics"
	"github.com/jeffypooo/hoststat/internal/netstat"
	"github.com/jeffypooo/hoststat/internal/runner"
	"github.com/jeffypooo/hoststat/internal/server"
	"github.com/jeffypooo/hoststat/internal/telemetry"
)

func main() {
	logger := log.New("hoststat")
	logger.SetHeader("${time_rfc3339} ${level} ${prefix}")

	cfg, err := config.Load(os.Getenv(config.EnvPath))
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "basic system metrics for prometheus\n\nUsage of %s:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&cfg.Bind, "bind", cfg.Bind, "address to bind to")
	flag.StringVar(&cfg.Bind, "b", cfg.Bind, "shorthand for -bind")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	flag.IntVar(&cfg.Port, "p", cfg.Port, "shorthand for -port")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid config: %v", err)
	}
	lvl, _ := config.ParseLevel(cfg.LogLevel)
	logger.SetLevel(lvl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel := telemetry.New()
	table := startNetwork(ctx, cfg, logger, tel)

	opts := metrics.OptionsFromConfig(cfg)
	if cfg.HostLabel {
		opts.Host, err = metrics.LookupHost(ctx)
		if err != nil {
			logger.Fatalf("Failed to resolve hostname: %v", err)
		}
	}
	agg := metrics.NewAggregator(runner.NewShell(cfg.CommandTimeout), table, opts)

	srv := server.New(cfg, agg, tel, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Fatalf("HTTP serve: %v", err)
	}
	logger.Info("interrupt received, exiting")
}

// startNetwork launches the configured network sampler and returns the
// table it writes, or nil when network metrics are off for this process.
func startNetwork(ctx context.Context, cfg *config.Config, logger *log.Logger, tel *telemetry.Metrics) *netstat.Table {
	switch cfg.Network.Source {
	case config.NetworkSourceIfstat:
		if !netstat.Available(cfg.Network.Command) {
			logger.Warnf("%q not found, network metrics disabled", cfg.Network.Command)
			return nil
		}
		table := netstat.NewTable()
		sampler := netstat.NewSampler(table, cfg.Network, logger, tel)
		go func() {
			if err := sampler.Run(ctx); err != nil {
				logger.Errorf("network sampler stopped: %v", err)
			}
		}()
		return table

	case config.NetworkSourceCounters:
		table := netstat.NewTable()
		sampler := netstat.NewCounterSampler(table, cfg.Network.Interval, logger, tel)
		go func() {
			if err := sampler.Run(ctx); err != nil {
				logger.Errorf("network counters stopped: %v", err)
			}
		}()
		return table
	}

	logger.Info("network metrics disabled")
	return nil
}
