package acme

import "errors"

var (
	// ErrConfiguration marks an invalid or incomplete configuration.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrCertificateNotFound is returned by stores when no record exists.
	ErrCertificateNotFound = errors.New("certificate not found")
	// ErrDistributionUpdateFailed marks a run where the certificate was
	// activated but at least one distribution could not be rebound.
	ErrDistributionUpdateFailed = errors.New("distribution update failed")
)
