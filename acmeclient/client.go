// Package acmeclient obtains certificates from an ACME authority using
// DNS-01 challenges. An order either yields a certificate covering every
// requested name or fails without one.
package acmeclient

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/samber/lo"

	acme "github.com/caasmo/cloudfront-acme"
	"github.com/caasmo/cloudfront-acme/dnschallenge"
	"github.com/caasmo/cloudfront-acme/poll"
)

const dns01ChallengeType = "dns-01"

// Solver publishes and withdraws DNS-01 challenge values.
type Solver interface {
	CreateChallenge(ctx context.Context, domain, keyAuth string) (*dnschallenge.Token, error)
	AwaitPropagation(ctx context.Context, token *dnschallenge.Token, timeout time.Duration) (bool, error)
	RemoveChallenge(ctx context.Context, token *dnschallenge.Token) error
}

// AccountStore persists the ACME account key as PEM. LoadAccountKey
// returns an error wrapping acme.ErrCertificateNotFound when no key exists.
type AccountStore interface {
	LoadAccountKey(ctx context.Context) ([]byte, error)
	SaveAccountKey(ctx context.Context, keyPEM []byte) error
}

type Config struct {
	Email                string
	CADirectoryURL       string
	KeyType              certcrypto.KeyType
	PropagationTimeout   time.Duration
	AuthorizationTimeout time.Duration
	CleanupTimeout       time.Duration
	// MaxAttempts bounds tries of a single ACME call on transient errors.
	MaxAttempts int
}

type Client struct {
	cfg        Config
	accounts   AccountStore
	solver     Solver
	logger     *slog.Logger
	clock      poll.Clock
	factory    AuthorityFactory
	newBackOff func() backoff.BackOff

	mu        sync.Mutex
	authority Authority
}

type Option func(*Client)

func WithClock(c poll.Clock) Option { return func(cl *Client) { cl.clock = c } }

func WithAuthorityFactory(f AuthorityFactory) Option { return func(cl *Client) { cl.factory = f } }

// WithBackOff sets the retry schedule used between transient failures.
func WithBackOff(f func() backoff.BackOff) Option { return func(cl *Client) { cl.newBackOff = f } }

func New(cfg Config, accounts AccountStore, solver Solver, logger *slog.Logger, opts ...Option) (*Client, error) {
	if accounts == nil || solver == nil || logger == nil {
		panic("acmeclient.New: received nil account store, solver, or logger")
	}
	if cfg.CADirectoryURL == "" {
		return nil, fmt.Errorf("%w: ca directory url cannot be empty", acme.ErrConfiguration)
	}
	if cfg.KeyType == "" {
		cfg.KeyType = certcrypto.RSA2048
	}
	if cfg.PropagationTimeout <= 0 {
		cfg.PropagationTimeout = 5 * time.Minute
	}
	if cfg.AuthorizationTimeout <= 0 {
		cfg.AuthorizationTimeout = 3 * time.Minute
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 45 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	c := &Client{
		cfg:      cfg,
		accounts: accounts,
		solver:   solver,
		logger:   logger.With("component", "acme_client"),
		clock:    poll.System,
		factory:  NewLegoAuthority,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = time.Minute
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type pendingAuthz struct {
	url          string
	domain       string
	challengeURL string
	keyAuth      string
	token        *dnschallenge.Token
}

// Issue runs one order for every name of set. Challenge records are
// removed on every path, using a context that outlives ctx by at most
// the cleanup timeout.
func (c *Client) Issue(ctx context.Context, set acme.DomainSet) (*acme.Cert, error) {
	logger := c.logger.With("domain_set", set.String())

	authority, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	// --- Order ---
	order, err := retryValue(ctx, c, "create order", func() (legoacme.ExtendedOrder, error) {
		return authority.NewOrder(set.Names())
	})
	if err != nil {
		logger.Error("Failed to create ACME order", "error", err)
		return nil, err
	}
	logger.Info("Created ACME order", "order_url", order.Location, "authorizations", len(order.Authorizations))

	pending, err := c.collectChallenges(ctx, authority, order.Authorizations)
	if err != nil {
		logger.Error("Failed to collect challenges", "error", err)
		return nil, err
	}
	defer c.cleanup(ctx, pending)

	// --- Publish challenge values ---
	for i := range pending {
		token, err := c.solver.CreateChallenge(ctx, pending[i].domain, pending[i].keyAuth)
		if err != nil {
			logger.Error("Failed to publish challenge", "domain", pending[i].domain, "error", err)
			return nil, fmt.Errorf("failed to publish challenge for %s: %w", pending[i].domain, err)
		}
		pending[i].token = token
	}
	for _, p := range pending {
		ok, err := c.solver.AwaitPropagation(ctx, p.token, c.cfg.PropagationTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to confirm propagation for %s: %w", p.domain, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: challenge record for %s did not propagate within %s", ErrOrderTimeout, p.domain, c.cfg.PropagationTimeout)
		}
	}

	// --- Validate ---
	for _, p := range pending {
		if _, err := retryValue(ctx, c, "accept challenge", func() (legoacme.ExtendedChallenge, error) {
			return authority.AcceptChallenge(p.challengeURL)
		}); err != nil {
			logger.Error("Failed to accept challenge", "domain", p.domain, "error", err)
			return nil, err
		}
	}
	for _, p := range pending {
		if err := c.awaitAuthorization(ctx, authority, p); err != nil {
			logger.Error("Authorization did not succeed", "domain", p.domain, "error", err)
			return nil, err
		}
		logger.Info("Authorization valid", "domain", p.domain)
	}

	// --- Finalize and download ---
	cert, err := c.finalize(ctx, authority, order, set)
	if err != nil {
		logger.Error("Failed to finalize order", "error", err)
		return nil, err
	}
	logger.Info("Successfully obtained certificate", "expires_at", cert.ExpiresAt.UTC().Format(time.RFC3339))
	return cert, nil
}

// connect loads or creates the account key and registers it once per
// client.
func (c *Client) connect(ctx context.Context) (Authority, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authority != nil {
		return c.authority, nil
	}

	key, err := c.accountKey(ctx)
	if err != nil {
		return nil, err
	}
	authority, err := c.factory(c.cfg.CADirectoryURL, key)
	if err != nil {
		c.logger.Error("Failed to create ACME client", "ca_directory_url", c.cfg.CADirectoryURL, "error", err)
		return nil, classify(err, "load directory")
	}
	accountURL, err := retryValue(ctx, c, "register account", func() (string, error) {
		return authority.Register(c.cfg.Email)
	})
	if err != nil {
		c.logger.Error("ACME account registration failed", "email", c.cfg.Email, "error", err)
		return nil, err
	}
	c.logger.Info("ACME account registered/retrieved successfully", "email", c.cfg.Email, "account_url", accountURL)
	c.authority = authority
	return authority, nil
}

func (c *Client) accountKey(ctx context.Context) (crypto.PrivateKey, error) {
	keyPEM, err := c.accounts.LoadAccountKey(ctx)
	if err == nil {
		key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ACME account private key: %w", err)
		}
		return key, nil
	}
	if !errors.Is(err, acme.ErrCertificateNotFound) {
		return nil, fmt.Errorf("failed to load ACME account key: %w", err)
	}

	c.logger.Info("No ACME account key stored, generating one")
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ACME account key: %w", err)
	}
	if err := c.accounts.SaveAccountKey(ctx, certcrypto.PEMEncode(key)); err != nil {
		return nil, fmt.Errorf("failed to save ACME account key: %w", err)
	}
	return key, nil
}

func (c *Client) collectChallenges(ctx context.Context, authority Authority, urls []string) ([]pendingAuthz, error) {
	var pending []pendingAuthz
	for _, url := range urls {
		authz, err := retryValue(ctx, c, "get authorization", func() (legoacme.Authorization, error) {
			return authority.GetAuthorization(url)
		})
		if err != nil {
			return nil, err
		}
		switch authz.Status {
		case legoacme.StatusValid:
			continue
		case legoacme.StatusPending:
		default:
			return nil, authorizationError(authz)
		}

		chlg, ok := lo.Find(authz.Challenges, func(ch legoacme.Challenge) bool { return ch.Type == dns01ChallengeType })
		if !ok {
			return nil, fmt.Errorf("%w: %s offers no %s challenge", ErrAuthorizationFailed, authz.Identifier.Value, dns01ChallengeType)
		}
		keyAuth, err := authority.KeyAuthorization(chlg.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to compute key authorization: %w", err)
		}
		domain := authz.Identifier.Value
		if authz.Wildcard {
			domain = "*." + domain
		}
		pending = append(pending, pendingAuthz{url: url, domain: domain, challengeURL: chlg.URL, keyAuth: keyAuth})
	}
	return pending, nil
}

func (c *Client) awaitAuthorization(ctx context.Context, authority Authority, p pendingAuthz) error {
	state, err := c.poller(c.cfg.AuthorizationTimeout).Until(ctx, func(ctx context.Context) (bool, error) {
		authz, err := authority.GetAuthorization(p.url)
		if err != nil {
			if isTransient(err) {
				c.logger.Warn("Transient error while polling authorization", "domain", p.domain, "error", err)
				return false, nil
			}
			return false, classify(err, "get authorization")
		}
		switch authz.Status {
		case legoacme.StatusValid:
			return true, nil
		case legoacme.StatusPending, legoacme.StatusProcessing:
			return false, nil
		default:
			return false, authorizationError(authz)
		}
	})
	if err != nil {
		return err
	}
	if state == poll.TimedOut {
		return fmt.Errorf("%w: authorization for %s still pending after %s", ErrOrderTimeout, p.domain, c.cfg.AuthorizationTimeout)
	}
	return nil
}

func (c *Client) finalize(ctx context.Context, authority Authority, order legoacme.ExtendedOrder, set acme.DomainSet) (*acme.Cert, error) {
	privateKey, err := certcrypto.GeneratePrivateKey(c.cfg.KeyType)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate key: %w", err)
	}
	csr, err := createCSR(privateKey, set)
	if err != nil {
		return nil, err
	}

	final, err := retryValue(ctx, c, "finalize order", func() (legoacme.ExtendedOrder, error) {
		return authority.Finalize(order.Finalize, csr)
	})
	if err != nil {
		return nil, err
	}
	if final.Location == "" {
		final.Location = order.Location
	}
	if final.Status != legoacme.StatusValid {
		if final, err = c.awaitOrder(ctx, authority, final); err != nil {
			return nil, err
		}
	}

	bundle, err := retryValue(ctx, c, "download certificate", func() ([]byte, error) {
		return authority.DownloadCertificate(final.Certificate)
	})
	if err != nil {
		return nil, err
	}
	leafPEM, chainPEM, err := splitBundle(bundle)
	if err != nil {
		return nil, err
	}
	leaf, err := certcrypto.ParsePEMCertificate(leafPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued certificate: %w", err)
	}
	if !lo.Every(leaf.DNSNames, set.Names()) {
		return nil, fmt.Errorf("%w: issued certificate covers %v, want %v", ErrAuthorizationFailed, leaf.DNSNames, set.Names())
	}

	return &acme.Cert{
		Domains:        set.Names(),
		DomainSetID:    set.ID(),
		CertificatePEM: string(leafPEM),
		ChainPEM:       string(chainPEM),
		PrivateKeyPEM:  string(certcrypto.PEMEncode(privateKey)),
		IssuedAt:       leaf.NotBefore.UTC(),
		ExpiresAt:      leaf.NotAfter.UTC(),
		State:          acme.StatePending,
	}, nil
}

func (c *Client) awaitOrder(ctx context.Context, authority Authority, order legoacme.ExtendedOrder) (legoacme.ExtendedOrder, error) {
	current := order
	state, err := c.poller(c.cfg.AuthorizationTimeout).Until(ctx, func(ctx context.Context) (bool, error) {
		o, err := authority.GetOrder(order.Location)
		if err != nil {
			if isTransient(err) {
				return false, nil
			}
			return false, classify(err, "get order")
		}
		current = o
		switch o.Status {
		case legoacme.StatusValid:
			return true, nil
		case legoacme.StatusInvalid:
			if o.Error != nil {
				return false, fmt.Errorf("%w: order invalid: %w", ErrAuthorizationFailed, o.Error)
			}
			return false, fmt.Errorf("%w: order invalid", ErrAuthorizationFailed)
		default:
			return false, nil
		}
	})
	if err != nil {
		return current, err
	}
	if state == poll.TimedOut {
		return current, fmt.Errorf("%w: order still %s after %s", ErrOrderTimeout, current.Status, c.cfg.AuthorizationTimeout)
	}
	return current, nil
}

func (c *Client) cleanup(ctx context.Context, pending []pendingAuthz) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CleanupTimeout)
	defer cancel()
	for _, p := range pending {
		if p.token == nil {
			continue
		}
		if err := c.solver.RemoveChallenge(cleanupCtx, p.token); err != nil {
			c.logger.Error("Failed to remove challenge record", "domain", p.domain, "record", p.token.RecordName, "error", err)
		}
	}
}

func (c *Client) poller(timeout time.Duration) poll.Poller {
	return poll.Poller{
		Clock:       c.clock,
		Timeout:     timeout,
		Interval:    2 * time.Second,
		MaxInterval: 10 * time.Second,
		Multiplier:  1.5,
	}
}

func retryValue[T any](ctx context.Context, c *Client, operation string, fn func() (T, error)) (T, error) {
	var result T
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(func() error {
		v, err := fn()
		if err != nil {
			if !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = v
		return nil
	}, b, func(err error, wait time.Duration) {
		c.logger.Warn("Transient ACME error, retrying", "operation", operation, "wait", wait, "error", err)
	})
	if err != nil {
		var zero T
		return zero, classify(err, operation)
	}
	return result, nil
}

// createCSR requests every name of set. The common name is left empty
// when the primary name exceeds the 64 byte limit.
func createCSR(key crypto.PrivateKey, set acme.DomainSet) ([]byte, error) {
	tmpl := &x509.CertificateRequest{DNSNames: set.Names()}
	if cn := set.Primary(); len(cn) <= 64 {
		tmpl.Subject = pkix.Name{CommonName: cn}
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate request: %w", err)
	}
	return csr, nil
}

// splitBundle separates the leaf from the intermediates of a PEM bundle.
func splitBundle(bundle []byte) (leaf, chain []byte, err error) {
	rest := bundle
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		encoded := pem.EncodeToMemory(block)
		if leaf == nil {
			leaf = encoded
			continue
		}
		chain = append(chain, encoded...)
	}
	if leaf == nil {
		return nil, nil, fmt.Errorf("%w: downloaded bundle holds no certificate", ErrAuthorityUnavailable)
	}
	return leaf, chain, nil
}
