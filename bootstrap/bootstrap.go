// Package bootstrap builds the AWS clients and renewal components from a
// validated configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	acme "github.com/caasmo/cloudfront-acme"
	"github.com/caasmo/cloudfront-acme/acmeclient"
	"github.com/caasmo/cloudfront-acme/certstore"
	"github.com/caasmo/cloudfront-acme/distribution"
	"github.com/caasmo/cloudfront-acme/dnschallenge"
	"github.com/caasmo/cloudfront-acme/notify"
)

const retryMaxAttempts = 5

// AWSSettings is the part of the configuration needed to reach AWS.
type AWSSettings struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

func SettingsFrom(cfg *acme.Config) AWSSettings {
	return AWSSettings{Region: cfg.Region, AccessKeyID: cfg.AccessKeyID, SecretAccessKey: cfg.SecretAccessKey}
}

// LoadAWSConfig loads the default credential chain, or static credentials
// when both keys are set.
func LoadAWSConfig(ctx context.Context, s AWSSettings) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.Region),
		awsconfig.WithRetryMode(aws.RetryModeStandard),
		awsconfig.WithRetryMaxAttempts(retryMaxAttempts),
	}
	if s.AccessKeyID != "" && s.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// NewCertificateStore builds the IAM and S3 backed store.
func NewCertificateStore(awsCfg aws.Config, bucket, path string, logger *slog.Logger) *certstore.Store {
	return certstore.New(iam.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg), certstore.Options{Bucket: bucket, Path: path}, logger)
}

// Renewal holds the wired renewal components.
type Renewal struct {
	Handler *acme.CertRenewalHandler
	Store   *certstore.Store
}

func NewRenewal(awsCfg aws.Config, cfg *acme.Config, logger *slog.Logger) (*Renewal, error) {
	store := NewCertificateStore(awsCfg, cfg.BucketName, cfg.CertificatePath, logger)
	solver := dnschallenge.New(route53.NewFromConfig(awsCfg), logger)

	issuer, err := acmeclient.New(acmeclient.Config{
		Email:                cfg.Email,
		CADirectoryURL:       cfg.CADirectoryURL,
		KeyType:              cfg.KeyType(),
		PropagationTimeout:   cfg.DNSPropagationTimeout.Std(),
		AuthorizationTimeout: cfg.AuthorizationTimeout.Std(),
		CleanupTimeout:       cfg.CleanupReserve.Std(),
	}, store, solver, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ACME client: %w", err)
	}

	binder := distribution.New(cloudfront.NewFromConfig(awsCfg), store, distribution.Options{
		PageSize: cfg.DistributionPageSize,
		MaxItems: cfg.DistributionMaxItems,
	}, logger)
	notifier := notify.New(sns.NewFromConfig(awsCfg), cfg.TopicArn, logger)

	return &Renewal{
		Handler: acme.NewCertRenewalHandler(cfg, store, issuer, binder, notifier, logger),
		Store:   store,
	}, nil
}
