package target

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/darkstar/internal/model"
)

func values(ts []model.Target) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Value
	}
	return out
}

func TestResolveCIDR(t *testing.T) {
	res, err := Resolver{}.Resolve("10.0.0.0/30")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0", "10.0.0.1", "10.0.0.2", "10.0.0.3"}, values(res.Targets))
	assert.Equal(t, "10.0.0.0/30", res.Targets[0].Source)
	assert.Equal(t, model.TargetIP, res.Targets[0].Kind)
}

func TestResolveCIDRExcludesNetworkAndBroadcast(t *testing.T) {
	res, err := Resolver{ExcludeNetworkBroadcast: true}.Resolve("10.0.0.0/30, 10.0.1.7/31")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.1.6", "10.0.1.7"}, values(res.Targets))
}

func TestResolveMasksHostBits(t *testing.T) {
	res, err := Resolver{}.Resolve("192.168.1.77/31")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.76", "192.168.1.77"}, values(res.Targets))
}

func TestResolveDedupesAndNormalizes(t *testing.T) {
	res, err := Resolver{}.Resolve("Example.COM., https://example.com/login, 10.0.0.1, 10.0.0.1:22", "10.0.0.0/31, example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com", "10.0.0.1", "10.0.0.0"}, values(res.Targets))
	assert.Empty(t, res.Rejected)
}

func TestResolveIDN(t *testing.T) {
	res, err := Resolver{}.Resolve("bücher.example")
	require.NoError(t, err)
	assert.Equal(t, "xn--bcher-kva.example", res.Targets[0].Value)
	assert.Equal(t, model.TargetDomain, res.Targets[0].Kind)
}

func TestResolveRejectsMalformedButKeepsOthers(t *testing.T) {
	res, err := Resolver{}.Resolve("10.0.0.1,not a host,10.0.0.0/33,-bad-.com,localhost,10.0.0.256,,example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "example.org"}, values(res.Targets))

	var frags []string
	for _, rj := range res.Rejected {
		frags = append(frags, rj.Fragment)
		assert.ErrorIs(t, rj.Err, ErrInvalidTargetSpec)
	}
	assert.Equal(t, []string{"not a host", "10.0.0.0/33", "-bad-.com", "localhost", "10.0.0.256"}, frags)
	assert.Len(t, res.RejectedTargets(), 5)
}

func TestResolveNothingValid(t *testing.T) {
	res, err := Resolver{}.Resolve("bad host, ,")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoTargets))
	assert.True(t, errors.Is(err, ErrInvalidTargetSpec))
	require.NotNil(t, res)
	assert.Len(t, res.Rejected, 1)
}

func TestResolveTooLarge(t *testing.T) {
	_, err := Resolver{MaxTargets: 16}.Resolve("10.0.0.0/24")
	assert.ErrorIs(t, err, ErrTargetSetTooLarge)

	_, err = Resolver{MaxTargets: 3}.Resolve("10.0.0.1,10.0.0.2,10.0.0.3,10.0.0.4")
	assert.ErrorIs(t, err, ErrTargetSetTooLarge)

	_, err = Resolver{}.Resolve("2001:db8::/32")
	assert.ErrorIs(t, err, ErrTargetSetTooLarge)
}

func TestResolveOverlapDoesNotCountTwice(t *testing.T) {
	res, err := Resolver{MaxTargets: 4}.Resolve("10.0.0.0/30,10.0.0.0/30,10.0.0.2")
	require.NoError(t, err)
	assert.Len(t, res.Targets, 4)
}
