// Command certapi serves the certificate management API, behind API Gateway
// or as a plain HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	acme "github.com/caasmo/cloudfront-acme"
	"github.com/caasmo/cloudfront-acme/api"
	"github.com/caasmo/cloudfront-acme/bootstrap"
)

type config struct {
	BucketName      string         `env:"BUCKET_NAME" validate:"required"`
	CertificatePath string         `env:"CERTIFICATE_PATH" envDefault:"/cloudfront/cdn-acme/" validate:"startswith=/cloudfront/,endswith=/"`
	Region          string         `env:"AWS_REGION" envDefault:"cn-north-1" validate:"required"`
	Log             acme.LogConfig `envPrefix:"LOG_"`
}

func main() {
	listenFlag := flag.String("listen", ":8080", "Listen address when not running in Lambda")
	flag.Parse()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		slog.Error("Failed to parse environment", "error", err)
		os.Exit(1)
	}
	if err := validator.New().Struct(cfg); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := acme.NewLogger(cfg.Log, os.Stdout)

	awsCfg, err := bootstrap.LoadAWSConfig(context.Background(), bootstrap.AWSSettings{Region: cfg.Region})
	if err != nil {
		logger.Error("Failed to load AWS configuration", "error", err)
		os.Exit(1)
	}
	store := bootstrap.NewCertificateStore(awsCfg, cfg.BucketName, cfg.CertificatePath, logger)
	router := api.NewRouter(store, logger)

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(api.NewLambdaHandler(router, logger).Handle)
		return
	}

	srv := &http.Server{
		Addr:              *listenFlag,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown failed", "error", err)
		}
	}()

	logger.Info("Serving certificate API", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
