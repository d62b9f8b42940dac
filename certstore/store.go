// Package certstore keeps issued certificates as IAM server certificates,
// with the full record including the private key written to S3 as TOML.
package certstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/samber/lo"

	acme "github.com/caasmo/cloudfront-acme"
)

const (
	TagDomainSet = "cdn-acme:domain-set"
	TagState     = "cdn-acme:state"
	TagObject    = "cdn-acme:object"
)

// IAMAPI is the subset of the IAM client the store uses.
type IAMAPI interface {
	UploadServerCertificate(ctx context.Context, params *iam.UploadServerCertificateInput, optFns ...func(*iam.Options)) (*iam.UploadServerCertificateOutput, error)
	GetServerCertificate(ctx context.Context, params *iam.GetServerCertificateInput, optFns ...func(*iam.Options)) (*iam.GetServerCertificateOutput, error)
	ListServerCertificates(ctx context.Context, params *iam.ListServerCertificatesInput, optFns ...func(*iam.Options)) (*iam.ListServerCertificatesOutput, error)
	ListServerCertificateTags(ctx context.Context, params *iam.ListServerCertificateTagsInput, optFns ...func(*iam.Options)) (*iam.ListServerCertificateTagsOutput, error)
	TagServerCertificate(ctx context.Context, params *iam.TagServerCertificateInput, optFns ...func(*iam.Options)) (*iam.TagServerCertificateOutput, error)
	DeleteServerCertificate(ctx context.Context, params *iam.DeleteServerCertificateInput, optFns ...func(*iam.Options)) (*iam.DeleteServerCertificateOutput, error)
}

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Options struct {
	Bucket string
	// Path is the IAM path of managed certificates. CloudFront only
	// accepts certificates under /cloudfront/.
	Path string
}

// Metadata describes a managed server certificate without its material.
type Metadata struct {
	Name        string         `json:"name"`
	ID          string         `json:"id"`
	ARN         string         `json:"arn"`
	Path        string         `json:"path"`
	UploadDate  time.Time      `json:"upload_date"`
	Expiration  time.Time      `json:"expiration"`
	DomainSetID string         `json:"domain_set_id,omitempty"`
	State       acme.CertState `json:"state,omitempty"`
	ObjectKey   string         `json:"object_key,omitempty"`
}

type Store struct {
	iam    IAMAPI
	s3     S3API
	bucket string
	path   string
	logger *slog.Logger
}

func New(iamClient IAMAPI, s3Client S3API, opts Options, logger *slog.Logger) *Store {
	if iamClient == nil || s3Client == nil || logger == nil {
		panic("certstore.New: received nil iam client, s3 client, or logger")
	}
	path := opts.Path
	if path == "" {
		path = acme.DefaultCertificatePath
	}
	return &Store{
		iam:    iamClient,
		s3:     s3Client,
		bucket: opts.Bucket,
		path:   path,
		logger: logger.With("component", "cert_store"),
	}
}

// List returns every server certificate under the managed path, newest
// first.
func (s *Store) List(ctx context.Context) ([]Metadata, error) {
	var (
		all    []Metadata
		marker *string
	)
	for {
		out, err := s.iam.ListServerCertificates(ctx, &iam.ListServerCertificatesInput{
			PathPrefix: aws.String(s.path),
			Marker:     marker,
		})
		if err != nil {
			return nil, classifyIAMError(err, "ListServerCertificates")
		}
		for _, m := range out.ServerCertificateMetadataList {
			meta := metadataFrom(m)
			tags, err := s.tags(ctx, meta.Name)
			if err != nil {
				return nil, err
			}
			meta.DomainSetID = tags[TagDomainSet]
			meta.State = acme.CertState(tags[TagState])
			meta.ObjectKey = tags[TagObject]
			all = append(all, meta)
		}
		if !out.IsTruncated || out.Marker == nil {
			break
		}
		marker = out.Marker
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].UploadDate.After(all[j].UploadDate) })
	return all, nil
}

func (s *Store) tags(ctx context.Context, name string) (map[string]string, error) {
	tags := map[string]string{}
	var marker *string
	for {
		out, err := s.iam.ListServerCertificateTags(ctx, &iam.ListServerCertificateTagsInput{
			ServerCertificateName: aws.String(name),
			Marker:                marker,
		})
		if err != nil {
			return nil, classifyIAMError(err, "ListServerCertificateTags")
		}
		for _, t := range out.Tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
		if !out.IsTruncated || out.Marker == nil {
			return tags, nil
		}
		marker = out.Marker
	}
}

// Get returns the active certificate of set. The returned Cert carries
// store metadata only; use LoadRecord for the key material.
func (s *Store) Get(ctx context.Context, set acme.DomainSet) (*acme.Cert, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	active := lo.Filter(all, func(m Metadata, _ int) bool {
		return m.DomainSetID == set.ID() && m.State == acme.StateActive
	})
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: no active certificate for %s", ErrNotFound, set)
	}
	if len(active) > 1 {
		s.logger.Warn("Multiple active certificates for domain set, using newest", "domain_set_id", set.ID(), "count", len(active))
	}
	m := active[0]
	return &acme.Cert{
		Domains:             set.Names(),
		DomainSetID:         m.DomainSetID,
		IssuedAt:            m.UploadDate,
		ExpiresAt:           m.Expiration,
		StoreIdentifier:     m.Name,
		ServerCertificateID: m.ID,
		ARN:                 m.ARN,
		ObjectKey:           m.ObjectKey,
		State:               m.State,
	}, nil
}

// Upload registers cert as a pending server certificate and writes its
// record to S3. It fills in the store fields of cert.
func (s *Store) Upload(ctx context.Context, cert *acme.Cert) (string, error) {
	if cert == nil || len(cert.Domains) == 0 || cert.DomainSetID == "" {
		return "", fmt.Errorf("%w: certificate has no domain set", acme.ErrConfiguration)
	}
	issuedAt := cert.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	name := serverCertificateName(cert.Domains[0], cert.DomainSetID, issuedAt)
	key := objectKey(cert.DomainSetID, issuedAt)

	input := &iam.UploadServerCertificateInput{
		ServerCertificateName: aws.String(name),
		Path:                  aws.String(s.path),
		CertificateBody:       aws.String(cert.CertificatePEM),
		PrivateKey:            aws.String(cert.PrivateKeyPEM),
		Tags: []iamtypes.Tag{
			{Key: aws.String(TagDomainSet), Value: aws.String(cert.DomainSetID)},
			{Key: aws.String(TagState), Value: aws.String(string(acme.StatePending))},
			{Key: aws.String(TagObject), Value: aws.String(key)},
		},
	}
	if strings.TrimSpace(cert.ChainPEM) != "" {
		input.CertificateChain = aws.String(cert.ChainPEM)
	}

	s.logger.Info("Uploading server certificate", "name", name, "path", s.path)
	out, err := s.iam.UploadServerCertificate(ctx, input)
	if err != nil {
		s.logger.Error("Failed to upload server certificate", "name", name, "error", err)
		return "", classifyIAMError(err, "UploadServerCertificate")
	}

	cert.StoreIdentifier = name
	cert.ObjectKey = key
	cert.State = acme.StatePending
	if m := out.ServerCertificateMetadata; m != nil {
		cert.ServerCertificateID = aws.ToString(m.ServerCertificateId)
		cert.ARN = aws.ToString(m.Arn)
	}

	body, err := encodeRecord(cert)
	if err != nil {
		return "", err
	}
	if err := s.putObject(ctx, key, body, "application/toml"); err != nil {
		s.logger.Error("Failed to write certificate record", "bucket", s.bucket, "key", key, "error", err)
		return "", err
	}
	s.logger.Info("Stored certificate record", "bucket", s.bucket, "key", key)
	return name, nil
}

// Activate supersedes every other certificate of set before marking name
// active, so a set never has two active certificates.
func (s *Store) Activate(ctx context.Context, set acme.DomainSet, name string) error {
	all, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, m := range all {
		if m.DomainSetID != set.ID() || m.Name == name || m.State == acme.StateSuperseded {
			continue
		}
		if err := s.setState(ctx, m.Name, acme.StateSuperseded); err != nil {
			return err
		}
		s.logger.Info("Superseded server certificate", "name", m.Name)
	}
	return s.setState(ctx, name, acme.StateActive)
}

func (s *Store) setState(ctx context.Context, name string, state acme.CertState) error {
	_, err := s.iam.TagServerCertificate(ctx, &iam.TagServerCertificateInput{
		ServerCertificateName: aws.String(name),
		Tags:                  []iamtypes.Tag{{Key: aws.String(TagState), Value: aws.String(string(state))}},
	})
	if err != nil {
		s.logger.Error("Failed to update certificate state", "name", name, "state", state, "error", err)
		return classifyIAMError(err, "TagServerCertificate")
	}
	return nil
}

// Delete removes a managed server certificate. Certificates outside the
// managed path are reported as not found.
func (s *Store) Delete(ctx context.Context, name string) error {
	meta, err := s.lookup(ctx, name)
	if err != nil {
		return err
	}
	if _, err := s.iam.DeleteServerCertificate(ctx, &iam.DeleteServerCertificateInput{ServerCertificateName: aws.String(meta.Name)}); err != nil {
		s.logger.Error("Failed to delete server certificate", "name", name, "error", err)
		return classifyIAMError(err, "DeleteServerCertificate")
	}
	s.logger.Info("Deleted server certificate", "name", name)
	return nil
}

func (s *Store) lookup(ctx context.Context, name string) (*Metadata, error) {
	out, err := s.iam.GetServerCertificate(ctx, &iam.GetServerCertificateInput{ServerCertificateName: aws.String(name)})
	if err != nil {
		return nil, classifyIAMError(err, "GetServerCertificate")
	}
	if out.ServerCertificate == nil || out.ServerCertificate.ServerCertificateMetadata == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	meta := metadataFrom(*out.ServerCertificate.ServerCertificateMetadata)
	if !strings.HasPrefix(meta.Path, s.path) {
		return nil, fmt.Errorf("%w: %s is not under %s", ErrNotFound, name, s.path)
	}
	return &meta, nil
}

// ServerCertificateID resolves a certificate name to the id CloudFront
// expects in its viewer certificate.
func (s *Store) ServerCertificateID(ctx context.Context, name string) (string, error) {
	meta, err := s.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	return meta.ID, nil
}

// LoadRecord reads a certificate record, including its private key.
func (s *Store) LoadRecord(ctx context.Context, key string) (*acme.Cert, error) {
	data, err := s.getObject(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// LoadAccountKey returns the PEM encoded ACME account key.
func (s *Store) LoadAccountKey(ctx context.Context) ([]byte, error) {
	return s.getObject(ctx, accountKeyObject)
}

func (s *Store) SaveAccountKey(ctx context.Context, keyPEM []byte) error {
	return s.putObject(ctx, accountKeyObject, keyPEM, "application/x-pem-file")
}

func (s *Store) putObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	return classifyS3Error(err, "PutObject")
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(err, "GetObject")
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

func metadataFrom(m iamtypes.ServerCertificateMetadata) Metadata {
	return Metadata{
		Name:       aws.ToString(m.ServerCertificateName),
		ID:         aws.ToString(m.ServerCertificateId),
		ARN:        aws.ToString(m.Arn),
		Path:       aws.ToString(m.Path),
		UploadDate: aws.ToTime(m.UploadDate),
		Expiration: aws.ToTime(m.Expiration),
	}
}
