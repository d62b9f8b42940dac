package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	acme "github.com/caasmo/cloudfront-acme"
	"github.com/caasmo/cloudfront-acme/bootstrap"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	configPathFlag := flag.String("config", "", "Path to the TOML configuration file (required)")
	domainsFlag := flag.String("domains", "", "Comma separated domain set to export (required)")
	outDirFlag := flag.String("out", ".", "Directory to write fullchain.pem, cert.pem and privkey.pem to")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <config-file> -domains <a.cn,*.a.cn> [-out <dir>]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Exports the active certificate of a domain set from the certificate store.\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *configPathFlag == "" || *domainsFlag == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := acme.LoadFromToml(*configPathFlag)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPathFlag, "error", err)
		os.Exit(1)
	}

	sets, err := acme.ParseDomainSets(*domainsFlag)
	if err != nil || len(sets) != 1 {
		logger.Error("domains must name exactly one domain set", "domains", *domainsFlag, "error", err)
		os.Exit(1)
	}
	set := sets[0]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// --- Store Setup ---
	awsCfg, err := bootstrap.LoadAWSConfig(ctx, bootstrap.SettingsFrom(cfg))
	if err != nil {
		logger.Error("failed to load AWS configuration", "error", err)
		os.Exit(1)
	}
	store := bootstrap.NewCertificateStore(awsCfg, cfg.BucketName, cfg.CertificatePath, logger)

	// --- Load Active Certificate ---
	logger.Info("Loading active certificate", "domain_set", set.String(), "domain_set_id", set.ID())
	active, err := store.Get(ctx, set)
	if err != nil {
		logger.Error("failed to find active certificate", "domain_set", set.String(), "error", err)
		os.Exit(1)
	}
	cert, err := store.LoadRecord(ctx, active.ObjectKey)
	if err != nil {
		logger.Error("failed to load certificate record", "object_key", active.ObjectKey, "error", err)
		os.Exit(1)
	}

	// --- Write Files ---
	files := []struct {
		name string
		data string
		perm os.FileMode
	}{
		{"fullchain.pem", cert.FullChainPEM(), 0644},
		{"cert.pem", cert.CertificatePEM, 0644},
		{"privkey.pem", cert.PrivateKeyPEM, 0600},
	}
	if err := os.MkdirAll(*outDirFlag, 0755); err != nil {
		logger.Error("failed to create output directory", "path", *outDirFlag, "error", err)
		os.Exit(1)
	}
	for _, f := range files {
		path := filepath.Join(*outDirFlag, f.name)
		if err := os.WriteFile(path, []byte(f.data), f.perm); err != nil {
			logger.Error("failed to write file", "path", path, "error", err)
			os.Exit(1)
		}
	}

	logger.Info("Certificate exported",
		"server_certificate", active.StoreIdentifier,
		"expires_at", cert.ExpiresAt,
		"out", *outDirFlag)
}
