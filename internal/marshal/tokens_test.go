package marshal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withClock pins the registry to a movable fake clock.
func withClock(r *Registry) func(d time.Duration) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	offset := time.Duration(0)
	r.now = func() time.Time { return base.Add(offset) }
	return func(d time.Duration) { offset += d }
}

func TestMintAndResolve(t *testing.T) {
	r := New()
	advance := withClock(r)

	tok := r.Mint("stg-abc123def456", time.Hour, "api", "alice", "agent-7")
	assert.Len(t, tok.Value, 32) // 24 bytes base64url, no padding
	assert.Equal(t, "stg-abc123def456", tok.StagingID)

	advance(10 * time.Minute)
	res := r.Resolve(tok.Value)
	require.NotNil(t, res)
	assert.Equal(t, "stg-abc123def456", res.StagingID)
	assert.False(t, res.Expired)
	assert.Equal(t, 10*time.Minute, res.Elapsed)
	assert.Equal(t, 50*time.Minute, res.Remaining)
	assert.Equal(t, "alice", res.Submitter)
	assert.Equal(t, "agent-7", res.AgentID)
}

func TestResolveUnknown(t *testing.T) {
	r := New()
	assert.Nil(t, r.Resolve("never-minted"))
}

func TestExpiryAndGraceWindow(t *testing.T) {
	r := New()
	advance := withClock(r)

	tok := r.Mint("stg-000000000001", time.Hour, "", "", "")

	// past TTL but inside the grace window: resolves as expired
	advance(90 * time.Minute)
	res := r.Resolve(tok.Value)
	require.NotNil(t, res)
	assert.True(t, res.Expired)
	assert.Equal(t, time.Duration(0), res.Remaining)

	// past twice the TTL: gone, and the lookup itself removed it
	advance(31 * time.Minute)
	assert.Nil(t, r.Resolve(tok.Value))
	assert.Equal(t, 0, r.Count())
}

func TestMintPurgesStaleTokens(t *testing.T) {
	r := New()
	advance := withClock(r)

	r.Mint("stg-old000000000", time.Minute, "", "", "")
	require.Equal(t, 1, r.Count())

	advance(3 * time.Minute)
	r.Mint("stg-new000000000", time.Hour, "", "", "")
	assert.Equal(t, 1, r.Count())
}

func TestFindByStagingIDSkipsExpired(t *testing.T) {
	r := New()
	advance := withClock(r)

	tok := r.Mint("stg-abcabcabcabc", time.Minute, "", "", "")
	found := r.FindByStagingID("stg-abcabcabcabc")
	require.NotNil(t, found)
	assert.Equal(t, tok.Value, found.Value)

	advance(2 * time.Minute)
	assert.Nil(t, r.FindByStagingID("stg-abcabcabcabc"))
	assert.Nil(t, r.FindByStagingID("stg-nothere00000"))
}

func TestLiveExcludesExpired(t *testing.T) {
	r := New()
	advance := withClock(r)

	r.Mint("stg-short0000000", time.Minute, "", "", "")
	keep := r.Mint("stg-long00000000", time.Hour, "", "", "")

	advance(5 * time.Minute)
	live := r.Live()
	require.Len(t, live, 1)
	assert.Equal(t, keep.Value, live[0].Value)
}

func TestRestoreRebasesRemainingTTL(t *testing.T) {
	r := New()
	advance := withClock(r)

	r.Restore("persisted-token-value", "stg-123456789abc", 20*time.Minute, "api", "bob", "")

	advance(10 * time.Minute)
	res := r.Resolve("persisted-token-value")
	require.NotNil(t, res)
	assert.False(t, res.Expired)
	assert.Equal(t, 10*time.Minute, res.Remaining)

	advance(15 * time.Minute)
	res = r.Resolve("persisted-token-value")
	require.NotNil(t, res)
	assert.True(t, res.Expired)
}

func TestTokenValuesAreUnique(t *testing.T) {
	r := New()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := r.Mint("stg-aaaaaaaaaaaa", time.Hour, "", "", "")
		assert.False(t, seen[tok.Value])
		seen[tok.Value] = true
	}
}
