package server

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/ipinfo/go/v2/ipinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPinfoCache_Country(t *testing.T) {
	cache := NewIPinfoCache(loggerForTest(t), "")
	lookups := 0
	cache.lookup = func(ip net.IP) (*ipinfo.Core, error) {
		lookups++
		return &ipinfo.Core{IP: ip, Country: "DE"}, nil
	}

	country, err := cache.Country(context.Background(), "198.51.100.20")
	require.NoError(t, err)
	assert.Equal(t, "DE", country)

	country, err = cache.Country(context.Background(), "198.51.100.20")
	require.NoError(t, err)
	assert.Equal(t, "DE", country)
	assert.Equal(t, 1, lookups)
}

func TestIPinfoCache_SkipsPrivateAndInvalid(t *testing.T) {
	cache := NewIPinfoCache(loggerForTest(t), "")
	cache.lookup = func(ip net.IP) (*ipinfo.Core, error) {
		t.Fatalf("unexpected lookup for %s", ip)
		return nil, nil
	}

	for _, ip := range []string{"10.1.2.3", "192.168.0.10", "127.0.0.1", "::1"} {
		country, err := cache.Country(context.Background(), ip)
		require.NoError(t, err)
		assert.Empty(t, country)
	}

	_, err := cache.Country(context.Background(), "not-an-ip")
	assert.Error(t, err)
}

func TestIPinfoCache_LookupError(t *testing.T) {
	cache := NewIPinfoCache(loggerForTest(t), "")
	cache.lookup = func(ip net.IP) (*ipinfo.Core, error) {
		return nil, errors.New("rate limited")
	}
	_, err := cache.Country(context.Background(), "198.51.100.20")
	assert.EqualError(t, err, "rate limited")
}
