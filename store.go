package acme

import "context"

// Store keeps issued certificates and tracks which one is active per
// domain set.
type Store interface {
	// Get returns the active certificate of the set, or an error wrapping
	// ErrCertificateNotFound.
	Get(ctx context.Context, set DomainSet) (*Cert, error)
	// Upload stores cert as pending and returns its store identifier.
	Upload(ctx context.Context, cert *Cert) (string, error)
	// Activate marks the identified certificate active and every other
	// certificate of the set superseded.
	Activate(ctx context.Context, set DomainSet, storeIdentifier string) error
}

// Issuer obtains a certificate covering every name of a set, or fails
// without one.
type Issuer interface {
	Issue(ctx context.Context, set DomainSet) (*Cert, error)
}

// Binder points the distributions serving a set at a stored certificate
// and returns the ids of the distributions it changed.
type Binder interface {
	Bind(ctx context.Context, set DomainSet, storeIdentifier string) ([]string, error)
}

// Notifier reports a result to operators.
type Notifier interface {
	Notify(ctx context.Context, result Result) error
}
