package acme

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// DomainSet is the ordered, de-duplicated list of names covered by one
// certificate. The first name is the primary domain.
type DomainSet struct {
	names []string
}

// NewDomainSet normalizes names to lower case, drops duplicates and
// validates each one. Order is preserved.
func NewDomainSet(names ...string) (DomainSet, error) {
	cleaned := lo.FilterMap(names, func(n string, _ int) (string, bool) {
		n = strings.ToLower(strings.TrimSpace(n))
		n = strings.TrimSuffix(n, ".")
		return n, n != ""
	})
	cleaned = lo.Uniq(cleaned)
	if len(cleaned) == 0 {
		return DomainSet{}, fmt.Errorf("%w: domain set is empty", ErrConfiguration)
	}
	for _, n := range cleaned {
		if err := validateDomain(n); err != nil {
			return DomainSet{}, err
		}
	}
	return DomainSet{names: cleaned}, nil
}

// ParseDomainSets reads the DOMAIN_NAME format: names inside a set are
// separated by commas, sets by semicolons. "a.cn,*.a.cn;b.cn" yields two
// sets.
func ParseDomainSets(raw string) ([]DomainSet, error) {
	var sets []DomainSet
	seen := map[string]bool{}
	for _, group := range strings.Split(raw, ";") {
		if strings.TrimSpace(group) == "" {
			continue
		}
		set, err := NewDomainSet(strings.Split(group, ",")...)
		if err != nil {
			return nil, err
		}
		if seen[set.ID()] {
			continue
		}
		seen[set.ID()] = true
		sets = append(sets, set)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: no domains configured", ErrConfiguration)
	}
	return sets, nil
}

func validateDomain(name string) error {
	if len(name) > 253 {
		return fmt.Errorf("%w: domain %q is too long", ErrConfiguration, name)
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return fmt.Errorf("%w: domain %q is not fully qualified", ErrConfiguration, name)
	}
	for i, label := range labels {
		if label == "*" && i == 0 {
			continue
		}
		if label == "" || len(label) > 63 {
			return fmt.Errorf("%w: domain %q has an invalid label", ErrConfiguration, name)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("%w: domain %q has an invalid label %q", ErrConfiguration, name, label)
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return fmt.Errorf("%w: domain %q contains invalid character %q", ErrConfiguration, name, r)
			}
		}
	}
	return nil
}

// Names returns a copy of the names in configured order.
func (d DomainSet) Names() []string { return slices.Clone(d.names) }

func (d DomainSet) Len() int { return len(d.names) }

func (d DomainSet) IsZero() bool { return len(d.names) == 0 }

// Primary is the first configured name.
func (d DomainSet) Primary() string {
	if len(d.names) == 0 {
		return ""
	}
	return d.names[0]
}

// ID identifies the set independently of name order. It is safe to use
// in IAM tags and object keys.
func (d DomainSet) ID() string {
	sorted := slices.Clone(d.names)
	slices.Sort(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])[:16]
}

func (d DomainSet) String() string { return strings.Join(d.names, ",") }

// Covers reports whether host is one of the names or matches exactly one
// label under a wildcard name.
func (d DomainSet) Covers(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	for _, n := range d.names {
		if n == host {
			return true
		}
		if base, ok := strings.CutPrefix(n, "*."); ok {
			label, rest, found := strings.Cut(host, ".")
			if found && label != "" && rest == base {
				return true
			}
		}
	}
	return false
}
