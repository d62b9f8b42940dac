package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	acme "github.com/caasmo/cloudfront-acme"
	"github.com/caasmo/cloudfront-acme/bootstrap"
)

func main() {
	configPathFlag := flag.String("config", "", "Path to the TOML configuration file (required)")
	forceFlag := flag.Bool("force", false, "Issue new certificates even when renewal is not due")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <config-file> [-force]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs one certificate renewal pass outside Lambda.\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *configPathFlag == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := acme.LoadFromToml(*configPathFlag)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPathFlag, "error", err)
		os.Exit(1)
	}
	logger := acme.NewLogger(cfg.Log, os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	// --- Wiring ---
	awsCfg, err := bootstrap.LoadAWSConfig(ctx, bootstrap.SettingsFrom(cfg))
	if err != nil {
		logger.Error("failed to load AWS configuration", "error", err)
		os.Exit(1)
	}
	renewal, err := bootstrap.NewRenewal(awsCfg, cfg, logger)
	if err != nil {
		logger.Error("failed to build renewal components", "error", err)
		os.Exit(1)
	}

	// --- Renewal ---
	logger.Info("Running certificate renewal", "force", *forceFlag)
	results, err := renewal.Handler.Handle(ctx, acme.RunOptions{Force: *forceFlag})
	if err != nil {
		logger.Error("renewal run failed", "error", err)
		os.Exit(1)
	}

	for _, r := range results {
		attrs := []any{"domain_set", r.DomainSet.String(), "outcome", string(r.Outcome), "duration", r.Duration}
		if r.Cert != nil {
			attrs = append(attrs, "expires_at", r.Cert.ExpiresAt, "server_certificate", r.Cert.StoreIdentifier)
		}
		if r.Err != nil {
			logger.Error("domain set failed", append(attrs, "error", r.Err)...)
			continue
		}
		logger.Info("domain set done", attrs...)
	}

	if n := acme.Failed(results); n > 0 {
		logger.Error("renewal finished with failures", "failed", n, "total", len(results))
		os.Exit(1)
	}
}
