package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"

	acme "github.com/caasmo/cloudfront-acme"
)

// generateBlueprintConfig returns the defaults with placeholder values for
// the settings that have none.
func generateBlueprintConfig() acme.Config {
	cfg := acme.DefaultConfig()
	cfg.DomainName = "example.cn,*.example.cn;static.example.cn"
	cfg.Email = "your-acme-account@example.com"
	cfg.CADirectoryURL = "https://acme-staging-v02.api.letsencrypt.org/directory"
	cfg.BucketName = "YOUR_CERTIFICATE_BUCKET"
	cfg.TopicArn = "arn:aws-cn:sns:cn-north-1:123456789012:cdn-acme"
	// Only needed outside Lambda. Prefer the default credential chain.
	cfg.AccessKeyID = "YOUR_AWS_ACCESS_KEY_ID"
	cfg.SecretAccessKey = "YOUR_AWS_SECRET_ACCESS_KEY"
	cfg.Log.Format = "text"
	return cfg
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	outputFileFlag := flag.String("output", "acme.blueprint.toml", "Output file path for the blueprint TOML configuration")
	flag.StringVar(outputFileFlag, "o", "acme.blueprint.toml", "Output file path (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generates a blueprint TOML configuration for local renewal runs.\n")
		fmt.Fprintf(os.Stderr, "Remember to replace placeholder values and keep credentials out of version control.\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	logger.Info("Generating ACME blueprint configuration...")
	blueprintCfg := generateBlueprintConfig()

	if err := blueprintCfg.Validate(); err != nil {
		logger.Warn("Generated blueprint configuration has validation issues", "error", err)
	}

	tomlBytes, err := toml.Marshal(blueprintCfg)
	if err != nil {
		logger.Error("Failed to marshal blueprint config to TOML", "error", err)
		os.Exit(1)
	}

	logger.Info("Writing blueprint configuration", "path", *outputFileFlag)
	// Holds credential placeholders.
	if err := os.WriteFile(*outputFileFlag, tomlBytes, 0600); err != nil {
		logger.Error("Failed to write blueprint config file",
			"path", *outputFileFlag,
			"error", err)
		os.Exit(1)
	}

	logger.Info("ACME blueprint configuration generated successfully", "path", *outputFileFlag)
	logger.Warn("IMPORTANT: Review the generated file and replace the placeholders. Use the staging directory until the setup works.")
}
