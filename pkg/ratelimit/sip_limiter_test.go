package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSIPLimiter(t *testing.T, config *Config) (*SIPLimiter, *fakeClock, *[]string) {
	s := NewSIPLimiter(config, newTestLogger())
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s.limiter.now = clock.Now
	t.Cleanup(s.Close)

	var rejected []string
	s.OnReject(func(reason string) { rejected = append(rejected, reason) })
	return s, clock, &rejected
}

func TestSIPLimiter_Disabled(t *testing.T) {
	s, _, rejected := newTestSIPLimiter(t, &Config{Enabled: false, InvitesPerSecond: 1, InviteBurst: 1})

	for i := 0; i < 10; i++ {
		assert.True(t, s.AllowInvite("192.0.2.10:5060"))
	}
	assert.Empty(t, *rejected)

	s.SetEnabled(true)
	assert.True(t, s.AllowInvite("192.0.2.10:5060"))
	assert.False(t, s.AllowInvite("192.0.2.10:5060"))
	assert.Equal(t, []string{"rate_limited"}, *rejected)
}

func TestSIPLimiter_PerSourceIP(t *testing.T) {
	s, _, rejected := newTestSIPLimiter(t, &Config{Enabled: true, InvitesPerSecond: 1, InviteBurst: 2})

	// Ports differ, the source IP is the same
	assert.True(t, s.AllowInvite("192.0.2.10:5060"))
	assert.True(t, s.AllowInvite("192.0.2.10:5061"))
	assert.False(t, s.AllowInvite("192.0.2.10:5062"))

	assert.True(t, s.AllowInvite("192.0.2.11:5060"))
	assert.Equal(t, []string{"rate_limited"}, *rejected)
}

func TestSIPLimiter_BlocksAfterBurst(t *testing.T) {
	s, clock, rejected := newTestSIPLimiter(t, &Config{
		Enabled:          true,
		InvitesPerSecond: 10,
		InviteBurst:      1,
		BlockDuration:    time.Minute,
	})

	require.True(t, s.AllowInvite("192.0.2.10:5060"))
	require.False(t, s.AllowInvite("192.0.2.10:5060"))

	// Refill would allow one INVITE, the block does not
	clock.Advance(time.Second)
	assert.False(t, s.AllowInvite("192.0.2.10:5060"))

	clock.Advance(time.Minute)
	assert.True(t, s.AllowInvite("192.0.2.10:5060"))
	assert.Equal(t, []string{"rate_limited", "blocked"}, *rejected)
}

func TestSIPLimiter_Whitelist(t *testing.T) {
	s, _, _ := newTestSIPLimiter(t, &Config{
		Enabled:          true,
		InvitesPerSecond: 1,
		InviteBurst:      1,
		WhitelistedIPs:   []string{"10.0.0.0/8", "192.0.2.99", "not-a-cidr/99"},
	})

	for i := 0; i < 5; i++ {
		assert.True(t, s.AllowInvite("10.1.2.3:5060"))
		assert.True(t, s.AllowInvite("192.0.2.99"))
	}
	assert.True(t, s.AllowInvite("[2001:db8::1]:5060"))
	assert.False(t, s.AllowInvite("[2001:db8::1]:5060"))

	stats := s.GetStats()
	assert.Equal(t, true, stats["enabled"])
	assert.Equal(t, 1, stats["invite_clients"])
}
