package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessListFilter_Classify(t *testing.T) {
	filter, err := NewAccessListFilter(
		[]string{"192.168.1.10", "10.1.0.0/16", "internal-*", "::1"},
		[]string{"10.0.0.5", "203.0.113.0/24", "10.1.2.3", "bot-*"},
	)
	require.NoError(t, err)

	tests := []struct {
		name     string
		source   string
		expected AccessDecision
	}{
		{"exact whitelist", "192.168.1.10", AccessAllow},
		{"cidr whitelist", "10.1.200.7", AccessAllow},
		{"prefix whitelist", "internal-batch", AccessAllow},
		{"ipv6 loopback", "::1", AccessAllow},
		{"exact blacklist", "10.0.0.5", AccessDeny},
		{"ipv4-mapped blacklist", "::ffff:10.0.0.5", AccessDeny},
		{"cidr blacklist", "203.0.113.99", AccessDeny},
		{"prefix blacklist", "bot-crawler", AccessDeny},
		{"whitelist wins over blacklist", "10.1.2.3", AccessAllow},
		{"unlisted address", "8.8.8.8", AccessNone},
		{"unlisted name", "someone", AccessNone},
		{"empty source", "", AccessNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, filter.Classify(tt.source))
		})
	}
}

func TestAccessListFilter_RejectsBadEntries(t *testing.T) {
	_, err := NewAccessListFilter([]string{"10.0.0.0/33", ""}, []string{"a*b", "**"})
	require.Error(t, err)
	assert.True(t, IsConfigValidationError(err))

	cfgErr := err.(*ConfigValidationError)
	assert.Len(t, cfgErr.Problems, 4)
}

func TestAccessListFilter_Empty(t *testing.T) {
	filter, err := NewAccessListFilter(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, AccessNone, filter.Classify("10.0.0.5"))

	var missing *AccessListFilter
	assert.Equal(t, AccessNone, missing.Classify("10.0.0.5"))

	w, b := filter.Len()
	assert.Zero(t, w)
	assert.Zero(t, b)
	assert.Equal(t, "none", AccessNone.String())
	assert.Equal(t, "deny", AccessDeny.String())
}
