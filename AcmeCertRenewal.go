package acme

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const notifyTimeout = 10 * time.Second

// RunOptions tunes a single run.
type RunOptions struct {
	// Force renews every set even when its certificate is not due.
	Force bool
}

// CertRenewalHandler renews the certificates of every configured domain
// set and rebinds the distributions that serve them.
type CertRenewalHandler struct {
	config   *Config
	store    Store
	issuer   Issuer
	binder   Binder
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

type HandlerOption func(*CertRenewalHandler)

// WithNow replaces the wall clock used for renewal decisions.
func WithNow(now func() time.Time) HandlerOption {
	return func(h *CertRenewalHandler) { h.now = now }
}

// NewCertRenewalHandler creates a new handler instance.
// It panics when any collaborator is nil.
func NewCertRenewalHandler(cfg *Config, store Store, issuer Issuer, binder Binder, notifier Notifier, logger *slog.Logger, opts ...HandlerOption) *CertRenewalHandler {
	if cfg == nil || store == nil || issuer == nil || binder == nil || notifier == nil || logger == nil {
		panic("NewCertRenewalHandler: received nil config, store, issuer, binder, notifier, or logger")
	}
	h := &CertRenewalHandler{
		config:   cfg,
		store:    store,
		issuer:   issuer,
		binder:   binder,
		notifier: notifier,
		logger:   logger.With("job_handler", "cert_renewal"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle runs every domain set from the configuration.
func (h *CertRenewalHandler) Handle(ctx context.Context, opts RunOptions) ([]Result, error) {
	sets, err := h.config.DomainSets()
	if err != nil {
		h.logger.Error("Failed to parse configured domain sets", "domain_name", h.config.DomainName, "error", err)
		return nil, err
	}
	return h.Run(ctx, sets, opts), nil
}

// Run processes each set in order. A failing set never stops the others
// and every set is reported to the notifier exactly once.
func (h *CertRenewalHandler) Run(ctx context.Context, sets []DomainSet, opts RunOptions) []Result {
	runID := newRunID()
	logger := h.logger.With("run_id", runID)

	// Leave room so challenge records can be removed before the
	// invocation is killed.
	workCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithDeadline(ctx, deadline.Add(-h.config.CleanupReserve.Std()))
		defer cancel()
	}

	logger.Info("Starting certificate renewal run", "domain_sets", len(sets), "force", opts.Force)
	results := make([]Result, 0, len(sets))
	for _, set := range sets {
		start := h.now()
		res := h.process(workCtx, logger.With("domain_set", set.String(), "domain_set_id", set.ID()), set, opts)
		res.RunID = runID
		res.DomainSet = set
		res.Duration = h.now().Sub(start)
		h.notify(ctx, logger, res)
		results = append(results, res)
	}
	logger.Info("Finished certificate renewal run", "domain_sets", len(sets), "failed", Failed(results))
	return results
}

func (h *CertRenewalHandler) process(ctx context.Context, logger *slog.Logger, set DomainSet, opts RunOptions) Result {
	// --- Renewal decision ---
	current, err := h.store.Get(ctx, set)
	if err != nil && !errors.Is(err, ErrCertificateNotFound) {
		logger.Error("Failed to look up current certificate", "error", err)
		return failed(fmt.Errorf("failed to look up current certificate: %w", err), nil)
	}
	if errors.Is(err, ErrCertificateNotFound) {
		current = nil
	}

	if current != nil && !opts.Force && !current.RenewalDue(h.now(), h.config.RenewIntervalDays) {
		logger.Info("Certificate not due for renewal", "store_identifier", current.StoreIdentifier, "expires_at", current.ExpiresAt)
		reason := fmt.Sprintf("certificate valid until %s", current.ExpiresAt.UTC().Format(time.RFC3339))
		// Reconcile distributions that drifted or were created since the
		// last issuance. Best effort: the set stays skipped and the next
		// run tries again.
		changed, err := h.binder.Bind(ctx, set, current.StoreIdentifier)
		if err != nil {
			logger.Warn("Failed to reconcile distributions with current certificate", "store_identifier", current.StoreIdentifier, "error", err)
			reason = fmt.Sprintf("%s; distributions not reconciled: %v", reason, err)
		}
		return Result{
			Outcome:       OutcomeSkipped,
			Reason:        reason,
			Cert:          current,
			Distributions: changed,
		}
	}

	// --- Issuance ---
	logger.Info("Requesting certificate", "names", set.Names())
	cert, err := h.issuer.Issue(ctx, set)
	if err != nil {
		logger.Error("Failed to obtain certificate", "error", err)
		return failed(fmt.Errorf("failed to obtain certificate: %w", err), current)
	}

	// --- Store and activate ---
	id, err := h.store.Upload(ctx, cert)
	if err != nil {
		logger.Error("Failed to upload certificate", "error", err)
		return failed(fmt.Errorf("failed to upload certificate: %w", err), current)
	}
	cert.StoreIdentifier = id
	if err := h.store.Activate(ctx, set, id); err != nil {
		logger.Error("Failed to activate certificate", "store_identifier", id, "error", err)
		return failed(fmt.Errorf("failed to activate certificate %s: %w", id, err), current)
	}
	cert.State = StateActive
	logger.Info("Certificate stored and activated", "store_identifier", id, "expires_at", cert.ExpiresAt)

	outcome := OutcomeIssued
	if current != nil {
		outcome = OutcomeRenewed
	}

	// --- Bind distributions ---
	// The certificate stays active even when binding fails.
	changed, err := h.binder.Bind(ctx, set, id)
	if err != nil {
		logger.Error("Failed to bind distributions to new certificate", "store_identifier", id, "error", err)
		res := failed(fmt.Errorf("%w: %w", ErrDistributionUpdateFailed, err), cert)
		res.Distributions = changed
		return res
	}

	return Result{
		Outcome:       outcome,
		Reason:        fmt.Sprintf("certificate %s valid until %s", id, cert.ExpiresAt.UTC().Format(time.RFC3339)),
		Cert:          cert,
		Distributions: changed,
	}
}

func failed(err error, cert *Cert) Result {
	return Result{Outcome: OutcomeFailed, Reason: err.Error(), Err: err, Cert: cert}
}

// notify uses a context detached from the run so failures caused by an
// expired deadline are still reported.
func (h *CertRenewalHandler) notify(ctx context.Context, logger *slog.Logger, res Result) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := h.notifier.Notify(notifyCtx, res); err != nil {
		logger.Error("Failed to send notification", "outcome", res.Outcome, "error", err)
		return
	}
	logger.Info("Notification sent", "outcome", res.Outcome)
}
