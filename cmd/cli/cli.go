package main

import (
	"context"
	"os"

	"github.com/labstack/gommon/log"

	"github.com/jeffypooo/hoststat/internal/config"
	"github.com/jeffypooo/hoststat/internal/metrics"
	"github.com/jeffypooo/hoststat/internal/runner"
)

// Renders a single scrape document to stdout, without network metrics.
func main() {
	cfg, err := config.Load(os.Getenv(config.EnvPath))
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx := context.Background()
	opts := metrics.OptionsFromConfig(cfg)
	if cfg.HostLabel {
		if opts.Host, err = metrics.LookupHost(ctx); err != nil {
			log.Fatalf("Error getting hostname: %v", err)
		}
	}

	agg := metrics.NewAggregator(runner.NewShell(cfg.CommandTimeout), nil, opts)
	body, err := agg.Render(ctx)
	if err != nil {
		log.Fatalf("Error rendering metrics: %v", err)
	}
	os.Stdout.Write(body)
}
