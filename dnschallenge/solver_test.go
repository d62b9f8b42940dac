package dnschallenge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caasmo/cloudfront-acme/poll"
)

type fakeRoute53 struct {
	mu           sync.Mutex
	zones        [][]types.HostedZone
	records      map[string][]string
	ttls         map[string]int64
	changes      []types.Change
	changeCalls  int
	pollsToSync  int
	polls        int
	changeErr    error
	getErr       error
	beforeChange func()
}

func newFakeRoute53(zones ...[]types.HostedZone) *fakeRoute53 {
	return &fakeRoute53{zones: zones, records: map[string][]string{}, ttls: map[string]int64{}}
}

func zone(id, name string, private bool) types.HostedZone {
	return types.HostedZone{
		Id:     aws.String("/hostedzone/" + id),
		Name:   aws.String(name + "."),
		Config: &types.HostedZoneConfig{PrivateZone: private},
	}
}

func (f *fakeRoute53) seed(key string, ttl int64, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[key] = values
	f.ttls[key] = ttl
}

func (f *fakeRoute53) ListHostedZones(_ context.Context, in *route53.ListHostedZonesInput, _ ...func(*route53.Options)) (*route53.ListHostedZonesOutput, error) {
	page := 0
	if in.Marker != nil {
		fmt.Sscanf(*in.Marker, "%d", &page)
	}
	out := &route53.ListHostedZonesOutput{HostedZones: f.zones[page]}
	if page+1 < len(f.zones) {
		out.IsTruncated = true
		out.NextMarker = aws.String(fmt.Sprint(page + 1))
	}
	return out, nil
}

func (f *fakeRoute53) ListResourceRecordSets(_ context.Context, in *route53.ListResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.StartRecordName)
	key := aws.ToString(in.HostedZoneId) + "/" + name
	out := &route53.ListResourceRecordSetsOutput{}
	values, ok := f.records[key]
	if !ok {
		// Route 53 continues with the next name in the zone.
		out.ResourceRecordSets = []types.ResourceRecordSet{{Name: aws.String("zz." + name + "."), Type: types.RRTypeTxt, TTL: aws.Int64(300)}}
		return out, nil
	}
	rs := types.ResourceRecordSet{Name: aws.String(name + "."), Type: in.StartRecordType, TTL: aws.Int64(f.ttls[key])}
	for _, v := range values {
		rs.ResourceRecords = append(rs.ResourceRecords, types.ResourceRecord{Value: aws.String(v)})
	}
	out.ResourceRecordSets = []types.ResourceRecordSet{rs}
	return out, nil
}

// ChangeResourceRecordSets applies a batch atomically with Route 53's rules:
// DELETE must match the live record exactly and CREATE fails on an
// existing record.
func (f *fakeRoute53) ChangeResourceRecordSets(_ context.Context, in *route53.ChangeResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	if f.beforeChange != nil {
		f.beforeChange()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changeCalls++
	if f.changeErr != nil {
		return nil, f.changeErr
	}

	records := maps.Clone(f.records)
	ttls := maps.Clone(f.ttls)
	for _, change := range in.ChangeBatch.Changes {
		key := aws.ToString(in.HostedZoneId) + "/" + aws.ToString(change.ResourceRecordSet.Name)
		var values []string
		for _, rr := range change.ResourceRecordSet.ResourceRecords {
			values = append(values, aws.ToString(rr.Value))
		}
		current, exists := records[key]
		switch change.Action {
		case types.ChangeActionCreate:
			if exists {
				return nil, &types.InvalidChangeBatch{Message: aws.String("Tried to create resource record set but it already exists")}
			}
			records[key] = values
			ttls[key] = aws.ToInt64(change.ResourceRecordSet.TTL)
		case types.ChangeActionDelete:
			if !exists {
				return nil, &types.InvalidChangeBatch{Message: aws.String("Tried to delete resource record set but it was not found")}
			}
			if !sameValues(current, values) || ttls[key] != aws.ToInt64(change.ResourceRecordSet.TTL) {
				return nil, &types.InvalidChangeBatch{Message: aws.String("Tried to delete resource record set but the values provided do not match the current values")}
			}
			delete(records, key)
			delete(ttls, key)
		case types.ChangeActionUpsert:
			records[key] = values
			ttls[key] = aws.ToInt64(change.ResourceRecordSet.TTL)
		}
	}
	f.records, f.ttls = records, ttls
	f.changes = append(f.changes, in.ChangeBatch.Changes...)
	return &route53.ChangeResourceRecordSetsOutput{
		ChangeInfo: &types.ChangeInfo{Id: aws.String(fmt.Sprintf("/change/C%d", f.changeCalls)), Status: types.ChangeStatusPending},
	}, nil
}

func sameValues(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func (f *fakeRoute53) GetChange(_ context.Context, in *route53.GetChangeInput, _ ...func(*route53.Options)) (*route53.GetChangeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	status := types.ChangeStatusPending
	if f.pollsToSync > 0 && f.polls >= f.pollsToSync {
		status = types.ChangeStatusInsync
	}
	return &route53.GetChangeOutput{ChangeInfo: &types.ChangeInfo{Id: in.Id, Status: status}}, nil
}

func newTestSolver(t *testing.T, client Route53API) (*Solver, *poll.FakeClock) {
	t.Helper()
	t.Setenv("LEGO_DISABLE_CNAME_SUPPORT", "true")
	clock := poll.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return New(client, logger, WithClock(clock)), clock
}

func TestCreateChallengeUsesLongestPublicZone(t *testing.T) {
	fake := newFakeRoute53(
		[]types.HostedZone{zone("ZROOT", "example.cn", false), zone("ZPRIVATE", "cdn.example.cn", true)},
		[]types.HostedZone{zone("ZCDN", "cdn.example.cn", false), zone("ZOTHER", "ample.cn", false)},
	)
	solver, _ := newTestSolver(t, fake)

	token, err := solver.CreateChallenge(context.Background(), "img.cdn.example.cn", "token.thumbprint")
	require.NoError(t, err)

	assert.Equal(t, "ZCDN", token.ZoneID)
	assert.Equal(t, "_acme-challenge.img.cdn.example.cn", token.RecordName)
	assert.NotEmpty(t, token.Value)
	assert.Equal(t, []string{`"` + token.Value + `"`}, fake.records["ZCDN/_acme-challenge.img.cdn.example.cn"])
	assert.Equal(t, types.RRTypeTxt, fake.changes[0].ResourceRecordSet.Type)
}

func TestCreateChallengeWithoutZone(t *testing.T) {
	solver, _ := newTestSolver(t, newFakeRoute53([]types.HostedZone{zone("Z1", "example.com", false)}))

	_, err := solver.CreateChallenge(context.Background(), "example.cn", "key")
	assert.ErrorIs(t, err, ErrNoHostedZone)
}

func TestApexAndWildcardShareRecord(t *testing.T) {
	fake := newFakeRoute53([]types.HostedZone{zone("Z1", "example.cn", false)})
	solver, _ := newTestSolver(t, fake)
	ctx := context.Background()
	key := "Z1/_acme-challenge.example.cn"

	apex, err := solver.CreateChallenge(ctx, "example.cn", "apex-key")
	require.NoError(t, err)
	wildcard, err := solver.CreateChallenge(ctx, "*.example.cn", "wildcard-key")
	require.NoError(t, err)

	assert.Equal(t, apex.RecordName, wildcard.RecordName)
	assert.NotEqual(t, apex.Value, wildcard.Value)
	assert.Len(t, fake.records[key], 2)

	require.NoError(t, solver.RemoveChallenge(ctx, apex))
	assert.Equal(t, []string{`"` + wildcard.Value + `"`}, fake.records[key])

	require.NoError(t, solver.RemoveChallenge(ctx, wildcard))
	_, exists := fake.records[key]
	assert.False(t, exists)
	assert.Equal(t, types.ChangeActionDelete, fake.changes[len(fake.changes)-1].Action)

	// Removing again is a no-op.
	calls := fake.changeCalls
	require.NoError(t, solver.RemoveChallenge(ctx, wildcard))
	assert.Equal(t, calls, fake.changeCalls)
}

func TestRemoveChallengeUnknownTokenToleratesMissingRecord(t *testing.T) {
	fake := newFakeRoute53([]types.HostedZone{zone("Z1", "example.cn", false)})
	solver, _ := newTestSolver(t, fake)

	err := solver.RemoveChallenge(context.Background(), &Token{ZoneID: "Z1", RecordName: "_acme-challenge.example.cn", Value: "stale"})
	assert.NoError(t, err)
}

func TestAwaitPropagation(t *testing.T) {
	fake := newFakeRoute53([]types.HostedZone{zone("Z1", "example.cn", false)})
	fake.pollsToSync = 3
	solver, _ := newTestSolver(t, fake)

	token, err := solver.CreateChallenge(context.Background(), "example.cn", "key")
	require.NoError(t, err)

	ok, err := solver.AwaitPropagation(context.Background(), token, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, fake.polls)
}

func TestAwaitPropagationTimesOut(t *testing.T) {
	fake := newFakeRoute53([]types.HostedZone{zone("Z1", "example.cn", false)})
	solver, clock := newTestSolver(t, fake)
	token := &Token{ChangeID: "/change/C1", RecordName: "_acme-challenge.example.cn"}
	start := clock.Now()

	ok, err := solver.AwaitPropagation(context.Background(), token, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, start.Add(30*time.Second), clock.Now())
}

func TestAwaitPropagationRetriesThrottling(t *testing.T) {
	fake := newFakeRoute53([]types.HostedZone{zone("Z1", "example.cn", false)})
	fake.getErr = &smithy.GenericAPIError{Code: "Throttling", Message: "Rate exceeded"}
	solver, _ := newTestSolver(t, fake)

	ok, err := solver.AwaitPropagation(context.Background(), &Token{ChangeID: "C1"}, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, fake.polls, 1)
}

func TestCreateChallengeClassifiesErrors(t *testing.T) {
	fake := newFakeRoute53([]types.HostedZone{zone("Z1", "example.cn", false)})
	fake.changeErr = &smithy.GenericAPIError{Code: "PriorRequestNotComplete", Message: "busy"}
	solver, _ := newTestSolver(t, fake)

	_, err := solver.CreateChallenge(context.Background(), "example.cn", "key")
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	fake.changeErr = &types.InvalidChangeBatch{Message: aws.String("RRSet of type TXT with DNS name is not permitted")}
	_, err = solver.CreateChallenge(context.Background(), "example.cn", "key")
	assert.ErrorIs(t, err, ErrRecordConflict)
	assert.True(t, strings.Contains(err.Error(), "ChangeResourceRecordSets"))
}

func TestChallengeKeepsValuesItDidNotPublish(t *testing.T) {
	fake := newFakeRoute53([]types.HostedZone{zone("Z1", "example.cn", false)})
	key := "Z1/_acme-challenge.example.cn"
	fake.seed(key, 300, `"operator-owned-value"`)
	solver, _ := newTestSolver(t, fake)
	ctx := context.Background()

	token, err := solver.CreateChallenge(ctx, "example.cn", "key")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{`"operator-owned-value"`, `"` + token.Value + `"`}, fake.records[key])
	assert.Equal(t, int64(300), fake.ttls[key])

	require.NoError(t, solver.RemoveChallenge(ctx, token))
	assert.Equal(t, []string{`"operator-owned-value"`}, fake.records[key])
	for _, c := range fake.changes {
		assert.NotEqual(t, types.ChangeActionUpsert, c.Action)
	}
}

func TestCreateChallengeFailsWhenRecordChangesConcurrently(t *testing.T) {
	fake := newFakeRoute53([]types.HostedZone{zone("Z1", "example.cn", false)})
	key := "Z1/_acme-challenge.example.cn"
	fake.seed(key, 60, `"first"`)
	fake.beforeChange = func() {
		fake.seed(key, 60, `"first"`, `"written-meanwhile"`)
	}
	solver, _ := newTestSolver(t, fake)

	_, err := solver.CreateChallenge(context.Background(), "example.cn", "key")
	require.ErrorIs(t, err, ErrRecordConflict)
	assert.Equal(t, []string{`"first"`, `"written-meanwhile"`}, fake.records[key])
}

func TestRemoveChallengeFailsWhenRecordChangesConcurrently(t *testing.T) {
	fake := newFakeRoute53([]types.HostedZone{zone("Z1", "example.cn", false)})
	solver, _ := newTestSolver(t, fake)
	ctx := context.Background()
	key := "Z1/_acme-challenge.example.cn"

	token, err := solver.CreateChallenge(ctx, "example.cn", "key")
	require.NoError(t, err)
	fake.beforeChange = func() {
		fake.seed(key, 60, `"`+token.Value+`"`, `"written-meanwhile"`)
	}

	err = solver.RemoveChallenge(ctx, token)
	require.ErrorIs(t, err, ErrRecordConflict)
	assert.Contains(t, fake.records[key], `"written-meanwhile"`)
}
