package acme

import (
	"time"

	"github.com/google/uuid"
)

// CertState is the lifecycle state of a stored certificate.
type CertState string

const (
	StatePending    CertState = "pending"
	StateActive     CertState = "active"
	StateSuperseded CertState = "superseded"
)

// Cert is one issued certificate together with where it is stored.
// The TOML form is the artifact written to the object store.
type Cert struct {
	Domains             []string  `toml:"domains"`
	DomainSetID         string    `toml:"domain_set_id"`
	CertificatePEM      string    `toml:"certificate"`
	ChainPEM            string    `toml:"chain"`
	PrivateKeyPEM       string    `toml:"private_key"` // Sensitive!
	IssuedAt            time.Time `toml:"issued_at"`
	ExpiresAt           time.Time `toml:"expires_at"`
	StoreIdentifier     string    `toml:"store_identifier"`
	ServerCertificateID string    `toml:"server_certificate_id"`
	ARN                 string    `toml:"arn"`
	ObjectKey           string    `toml:"object_key"`
	State               CertState `toml:"state"`
}

// RenewalDue reports whether the certificate has entered its renewal
// window, which opens intervalDays before expiry. The opening instant
// itself is still outside the window, so a 90 day certificate issued
// 10 days ago with an 80 day interval is not due (see TestRenewalDue).
func (c *Cert) RenewalDue(now time.Time, intervalDays int) bool {
	if c == nil {
		return true
	}
	opens := c.ExpiresAt.Add(-time.Duration(intervalDays) * 24 * time.Hour)
	return now.After(opens)
}

// FullChainPEM is the leaf followed by the intermediates.
func (c *Cert) FullChainPEM() string {
	return c.CertificatePEM + c.ChainPEM
}

// Outcome is the result of processing one domain set.
type Outcome string

const (
	OutcomeIssued  Outcome = "issued"
	OutcomeRenewed Outcome = "renewed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result reports what a run did for one domain set.
type Result struct {
	RunID         string
	DomainSet     DomainSet
	Outcome       Outcome
	Reason        string
	Err           error
	Cert          *Cert
	Distributions []string
	Duration      time.Duration
}

// Failed counts the results with OutcomeFailed.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

func newRunID() string { return uuid.NewString() }
