// Package distribution rebinds CloudFront distributions to IAM server
// certificates.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/smithy-go"

	acme "github.com/caasmo/cloudfront-acme"
)

const maxPreconditionRetries = 3

var (
	ErrConflict     = errors.New("distribution changed concurrently")
	ErrUpdateFailed = errors.New("distribution update failed")
)

// CloudFrontAPI is the subset of the CloudFront client the binder uses.
type CloudFrontAPI interface {
	ListDistributions(ctx context.Context, params *cloudfront.ListDistributionsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error)
	GetDistributionConfig(ctx context.Context, params *cloudfront.GetDistributionConfigInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error)
	UpdateDistribution(ctx context.Context, params *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error)
}

// Resolver maps a server certificate name to its IAM certificate id.
type Resolver interface {
	ServerCertificateID(ctx context.Context, name string) (string, error)
}

type Options struct {
	PageSize int32
	// MaxItems caps how many distributions are examined per bind.
	MaxItems int
}

type Binder struct {
	client   CloudFrontAPI
	resolver Resolver
	opts     Options
	logger   *slog.Logger
}

func New(client CloudFrontAPI, resolver Resolver, opts Options, logger *slog.Logger) *Binder {
	if client == nil || resolver == nil || logger == nil {
		panic("distribution.New: received nil client, resolver, or logger")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 1000
	}
	return &Binder{client: client, resolver: resolver, opts: opts, logger: logger.With("component", "distribution_binder")}
}

// Bind points every distribution whose aliases are all covered by set at
// the named certificate. Distributions already using it are left alone.
// It returns the ids it updated, including on partial failure.
func (b *Binder) Bind(ctx context.Context, set acme.DomainSet, storeIdentifier string) ([]string, error) {
	certID, err := b.resolver.ServerCertificateID(ctx, storeIdentifier)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve server certificate %s: %w", storeIdentifier, err)
	}

	matches, err := b.matching(ctx, set)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		b.logger.Warn("No distribution serves the domain set", "domain_set", set.String())
		return nil, nil
	}

	var (
		updated []string
		errs    []error
	)
	for _, id := range matches {
		changed, err := b.bindOne(ctx, id, certID)
		if err != nil {
			b.logger.Error("Failed to update distribution", "distribution_id", id, "error", err)
			errs = append(errs, fmt.Errorf("distribution %s: %w", id, err))
			continue
		}
		if changed {
			b.logger.Info("Distribution now uses certificate", "distribution_id", id, "certificate", storeIdentifier)
			updated = append(updated, id)
		}
	}
	return updated, errors.Join(errs...)
}

func (b *Binder) matching(ctx context.Context, set acme.DomainSet) ([]string, error) {
	var (
		ids    []string
		seen   int
		marker *string
	)
	for seen < b.opts.MaxItems {
		out, err := b.client.ListDistributions(ctx, &cloudfront.ListDistributionsInput{
			Marker:   marker,
			MaxItems: aws.Int32(b.opts.PageSize),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: ListDistributions: %w", ErrUpdateFailed, err)
		}
		list := out.DistributionList
		if list == nil {
			break
		}
		for _, d := range list.Items {
			if seen >= b.opts.MaxItems {
				break
			}
			seen++
			if covered(set, d.Aliases) {
				ids = append(ids, aws.ToString(d.Id))
			}
		}
		if !aws.ToBool(list.IsTruncated) || list.NextMarker == nil {
			break
		}
		marker = list.NextMarker
	}
	if seen >= b.opts.MaxItems {
		b.logger.Warn("Stopped listing distributions at limit", "max_items", b.opts.MaxItems)
	}
	return ids, nil
}

// covered requires at least one alias, every one covered by set.
func covered(set acme.DomainSet, aliases *types.Aliases) bool {
	if aliases == nil || len(aliases.Items) == 0 {
		return false
	}
	for _, alias := range aliases.Items {
		if !set.Covers(alias) {
			return false
		}
	}
	return true
}

func (b *Binder) bindOne(ctx context.Context, id, certID string) (bool, error) {
	for attempt := 1; ; attempt++ {
		cfgOut, err := b.client.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(id)})
		if err != nil {
			return false, fmt.Errorf("%w: GetDistributionConfig: %w", ErrUpdateFailed, err)
		}
		dc := cfgOut.DistributionConfig
		if dc == nil {
			return false, fmt.Errorf("%w: distribution %s has no config", ErrUpdateFailed, id)
		}
		if vc := dc.ViewerCertificate; vc != nil && aws.ToString(vc.IAMCertificateId) == certID {
			return false, nil
		}

		dc.ViewerCertificate = viewerCertificate(dc.ViewerCertificate, certID)
		_, err = b.client.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
			Id:                 aws.String(id),
			IfMatch:            cfgOut.ETag,
			DistributionConfig: dc,
		})
		if err == nil {
			return true, nil
		}
		if !isPreconditionFailed(err) {
			return false, fmt.Errorf("%w: UpdateDistribution: %w", ErrUpdateFailed, err)
		}
		if attempt >= maxPreconditionRetries {
			return false, fmt.Errorf("%w: %s changed %d times while updating: %w", ErrConflict, id, attempt, err)
		}
		b.logger.Warn("Distribution changed during update, retrying", "distribution_id", id, "attempt", attempt)
	}
}

// viewerCertificate keeps the protocol settings of a distribution that
// already used a custom certificate. Distributions moving off the default
// certificate get SNI and TLS 1.2.
func viewerCertificate(current *types.ViewerCertificate, certID string) *types.ViewerCertificate {
	vc := &types.ViewerCertificate{}
	if current != nil && !aws.ToBool(current.CloudFrontDefaultCertificate) {
		*vc = *current
	}
	vc.IAMCertificateId = aws.String(certID)
	vc.ACMCertificateArn = nil
	vc.Certificate = nil
	vc.CertificateSource = ""
	vc.CloudFrontDefaultCertificate = aws.Bool(false)
	if vc.SSLSupportMethod == "" {
		vc.SSLSupportMethod = types.SSLSupportMethodSniOnly
	}
	if vc.MinimumProtocolVersion == "" {
		vc.MinimumProtocolVersion = types.MinimumProtocolVersionTLSv122021
	}
	return vc
}

func isPreconditionFailed(err error) bool {
	var pf *types.PreconditionFailed
	if errors.As(err, &pf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}
