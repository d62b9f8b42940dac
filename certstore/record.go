package certstore

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	acme "github.com/caasmo/cloudfront-acme"
)

const (
	timestampLayout  = "20060102T150405Z"
	accountKeyObject = "acme/account.pem"
	maxNameLength    = 128
)

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9+=,.@_-]`)

// serverCertificateName builds "<primary>-<set id prefix>-<timestamp>",
// shortening the primary name to the IAM length limit.
func serverCertificateName(primary, setID string, issuedAt time.Time) string {
	host := strings.Replace(primary, "*.", "wildcard.", 1)
	host = invalidNameChars.ReplaceAllString(host, "-")
	suffix := fmt.Sprintf("-%s-%s", setID[:8], issuedAt.UTC().Format(timestampLayout))
	if len(host)+len(suffix) > maxNameLength {
		host = host[:maxNameLength-len(suffix)]
	}
	return host + suffix
}

func objectKey(setID string, issuedAt time.Time) string {
	return fmt.Sprintf("certificates/%s/%s.toml", setID, issuedAt.UTC().Format(timestampLayout))
}

func encodeRecord(cert *acme.Cert) ([]byte, error) {
	data, err := toml.Marshal(cert)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal certificate record to TOML: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*acme.Cert, error) {
	var cert acme.Cert
	if err := toml.Unmarshal(data, &cert); err != nil {
		return nil, fmt.Errorf("failed to parse certificate record: %w", err)
	}
	if cert.CertificatePEM == "" || cert.PrivateKeyPEM == "" {
		return nil, fmt.Errorf("certificate record %s is missing certificate or key material", cert.ObjectKey)
	}
	return &cert, nil
}
