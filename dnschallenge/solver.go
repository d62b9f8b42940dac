// Package dnschallenge publishes ACME DNS-01 challenge records in Route 53.
package dnschallenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/go-acme/lego/v4/challenge/dns01"

	"github.com/caasmo/cloudfront-acme/poll"
)

const (
	recordTTL     = 60
	tokenLifetime = time.Hour
)

// Route53API is the subset of the Route 53 client the solver uses.
type Route53API interface {
	ListHostedZones(ctx context.Context, params *route53.ListHostedZonesInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesOutput, error)
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	GetChange(ctx context.Context, params *route53.GetChangeInput, optFns ...func(*route53.Options)) (*route53.GetChangeOutput, error)
	ListResourceRecordSets(ctx context.Context, params *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
}

// Token identifies one published challenge value.
type Token struct {
	Domain     string
	RecordName string
	Value      string
	ZoneID     string
	ChangeID   string
	Expiry     time.Time
}

type recordKey struct {
	zoneID string
	name   string
}

// rrset is the live TXT record. Values keep the quoting Route 53 returns.
type rrset struct {
	ttl    int64
	values []string
}

// Solver edits challenge records with read-modify-write batches. A batch
// deletes the exact record it read and creates the new one, so Route 53
// rejects it when another writer changed the record in between. Values
// it did not publish are kept.
type Solver struct {
	client Route53API
	logger *slog.Logger
	clock  poll.Clock

	mu sync.Mutex
}

type Option func(*Solver)

func WithClock(c poll.Clock) Option {
	return func(s *Solver) { s.clock = c }
}

func New(client Route53API, logger *slog.Logger, opts ...Option) *Solver {
	if client == nil || logger == nil {
		panic("dnschallenge.New: received nil client or logger")
	}
	s := &Solver{
		client: client,
		logger: logger.With("component", "dns_challenge"),
		clock:  poll.System,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateChallenge publishes the DNS-01 value derived from keyAuth for
// domain. Wildcard names publish under their base name, next to any value
// already in the record.
func (s *Solver) CreateChallenge(ctx context.Context, domain, keyAuth string) (*Token, error) {
	info := dns01.GetChallengeInfo(strings.TrimPrefix(domain, "*."), keyAuth)
	name := dns01.UnFqdn(info.EffectiveFQDN)

	zoneID, err := s.findZone(ctx, name)
	if err != nil {
		return nil, err
	}

	key := recordKey{zoneID: zoneID, name: name}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.record(ctx, key)
	if err != nil {
		s.logger.Error("Failed to read challenge record", "record", name, "error", err)
		return nil, err
	}
	values := []string{quote(info.Value)}
	if current != nil {
		s.logger.Info("Challenge record already exists, keeping its values", "record", name, "values", len(current.values))
		values = current.values
		if !slices.Contains(values, quote(info.Value)) {
			values = append(slices.Clone(values), quote(info.Value))
		}
	}

	changeID, err := s.replace(ctx, key, current, values)
	if err != nil {
		s.logger.Error("Failed to publish challenge record", "record", name, "error", err)
		return nil, err
	}

	s.logger.Info("Published challenge record", "domain", domain, "record", name, "zone_id", zoneID, "values", len(values))
	return &Token{
		Domain:     domain,
		RecordName: name,
		Value:      info.Value,
		ZoneID:     zoneID,
		ChangeID:   changeID,
		Expiry:     s.clock.Now().Add(tokenLifetime),
	}, nil
}

// AwaitPropagation waits until Route 53 reports the token's change as
// INSYNC. It returns false when timeout elapses first.
func (s *Solver) AwaitPropagation(ctx context.Context, token *Token, timeout time.Duration) (bool, error) {
	p := poll.Poller{
		Clock:       s.clock,
		Timeout:     timeout,
		Interval:    2 * time.Second,
		MaxInterval: 10 * time.Second,
		Multiplier:  1.5,
	}
	state, err := p.Until(ctx, func(ctx context.Context) (bool, error) {
		out, err := s.client.GetChange(ctx, &route53.GetChangeInput{Id: aws.String(token.ChangeID)})
		if err != nil {
			classified := classifyRoute53Error(err, "GetChange")
			if isTransient(classified) {
				s.logger.Warn("Transient error while polling change status", "change_id", token.ChangeID, "error", err)
				return false, nil
			}
			return false, classified
		}
		return out.ChangeInfo != nil && out.ChangeInfo.Status == types.ChangeStatusInsync, nil
	})
	if err != nil {
		return false, err
	}
	if state == poll.TimedOut {
		s.logger.Warn("Challenge record did not propagate in time", "record", token.RecordName, "timeout", timeout)
		return false, nil
	}
	return true, nil
}

// RemoveChallenge withdraws the token's value and leaves every other value
// in place. The record is deleted once its last value is gone. Removing a
// token twice is not an error.
func (s *Solver) RemoveChallenge(ctx context.Context, token *Token) error {
	key := recordKey{zoneID: token.ZoneID, name: token.RecordName}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.record(ctx, key)
	if err != nil {
		s.logger.Error("Failed to read challenge record", "record", token.RecordName, "error", err)
		return err
	}
	if current == nil || !slices.Contains(current.values, quote(token.Value)) {
		return nil
	}
	remaining := slices.DeleteFunc(slices.Clone(current.values), func(v string) bool { return v == quote(token.Value) })

	if _, err := s.replace(ctx, key, current, remaining); err != nil {
		if len(remaining) == 0 && isRecordMissing(err) {
			return nil
		}
		s.logger.Error("Failed to withdraw challenge value", "record", token.RecordName, "error", err)
		return err
	}
	if len(remaining) == 0 {
		s.logger.Info("Removed challenge record", "record", token.RecordName, "zone_id", token.ZoneID)
	} else {
		s.logger.Info("Withdrew challenge value", "record", token.RecordName, "zone_id", token.ZoneID, "remaining", len(remaining))
	}
	return nil
}

// record returns the TXT record at key, or nil when there is none.
func (s *Solver) record(ctx context.Context, key recordKey) (*rrset, error) {
	out, err := s.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(key.zoneID),
		StartRecordName: aws.String(key.name),
		StartRecordType: types.RRTypeTxt,
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return nil, classifyRoute53Error(err, "ListResourceRecordSets")
	}
	for _, rs := range out.ResourceRecordSets {
		if rs.Type != types.RRTypeTxt || !strings.EqualFold(dns01.UnFqdn(aws.ToString(rs.Name)), key.name) {
			continue
		}
		set := &rrset{ttl: aws.ToInt64(rs.TTL)}
		for _, rr := range rs.ResourceRecords {
			set.values = append(set.values, aws.ToString(rr.Value))
		}
		return set, nil
	}
	return nil, nil
}

// replace swaps current for a record holding values in one batch. A nil
// current creates the record, empty values delete it.
func (s *Solver) replace(ctx context.Context, key recordKey, current *rrset, values []string) (string, error) {
	var changes []types.Change
	ttl := int64(recordTTL)
	if current != nil {
		if current.ttl > 0 {
			ttl = current.ttl
		}
		changes = append(changes, types.Change{
			Action:            types.ChangeActionDelete,
			ResourceRecordSet: txtRecord(key.name, current.ttl, current.values),
		})
	}
	if len(values) > 0 {
		changes = append(changes, types.Change{
			Action:            types.ChangeActionCreate,
			ResourceRecordSet: txtRecord(key.name, ttl, values),
		})
	}
	if len(changes) == 0 {
		return "", nil
	}

	out, err := s.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(key.zoneID),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("ACME DNS-01 challenge"),
			Changes: changes,
		},
	})
	if err != nil {
		return "", classifyRoute53Error(err, "ChangeResourceRecordSets")
	}
	if out.ChangeInfo == nil {
		return "", fmt.Errorf("%w: change response carried no change info", ErrProviderUnavailable)
	}
	return aws.ToString(out.ChangeInfo.Id), nil
}

func txtRecord(name string, ttl int64, values []string) *types.ResourceRecordSet {
	records := make([]types.ResourceRecord, 0, len(values))
	for _, v := range values {
		records = append(records, types.ResourceRecord{Value: aws.String(v)})
	}
	return &types.ResourceRecordSet{
		Name:            aws.String(name),
		Type:            types.RRTypeTxt,
		TTL:             aws.Int64(ttl),
		ResourceRecords: records,
	}
}

func quote(v string) string { return `"` + v + `"` }

// findZone returns the public hosted zone with the longest name that is a
// suffix of name.
func (s *Solver) findZone(ctx context.Context, name string) (string, error) {
	var (
		bestID   string
		bestName string
		marker   *string
	)
	for {
		out, err := s.client.ListHostedZones(ctx, &route53.ListHostedZonesInput{Marker: marker})
		if err != nil {
			return "", classifyRoute53Error(err, "ListHostedZones")
		}
		for _, zone := range out.HostedZones {
			if zone.Config != nil && zone.Config.PrivateZone {
				continue
			}
			zoneName := strings.ToLower(dns01.UnFqdn(aws.ToString(zone.Name)))
			if name != zoneName && !strings.HasSuffix(name, "."+zoneName) {
				continue
			}
			if len(zoneName) > len(bestName) {
				bestName = zoneName
				bestID = strings.TrimPrefix(aws.ToString(zone.Id), "/hostedzone/")
			}
		}
		if !out.IsTruncated || out.NextMarker == nil {
			break
		}
		marker = out.NextMarker
	}
	if bestID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoHostedZone, name)
	}
	return bestID, nil
}

func isTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
