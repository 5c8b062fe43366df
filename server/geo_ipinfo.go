package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ipinfo/go/v2/ipinfo"
	"go.uber.org/zap"
)

var _ GeoResolver = (*IPinfoCache)(nil)

var privateRanges = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10",
		"::1/128",
		"fc00::/7",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, subnet, _ := net.ParseCIDR(cidr)
		nets = append(nets, subnet)
	}
	return nets
}()

// IPinfoCache resolves player IPs to country codes through ipinfo.io, remembering every answer for the life of the
// process.
type IPinfoCache struct {
	logger *zap.Logger
	mu     sync.RWMutex
	store  map[string]*ipinfo.Core
	lookup func(ip net.IP) (*ipinfo.Core, error)
}

func NewIPinfoCache(logger *zap.Logger, token string) *IPinfoCache {
	client := ipinfo.NewClient(nil, nil, token)
	return &IPinfoCache{
		logger: logger.With(zap.String("component", "geo")),
		store:  make(map[string]*ipinfo.Core),
		lookup: client.GetIPInfo,
	}
}

func (c *IPinfoCache) Country(ctx context.Context, address string) (string, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address %q", address)
	}
	if isPrivateIP(ip) {
		return "", nil
	}

	c.mu.RLock()
	info, found := c.store[ip.String()]
	c.mu.RUnlock()
	if found {
		return info.Country, nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := c.lookup(ip)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", errors.New("empty ipinfo response")
	}

	c.mu.Lock()
	c.store[ip.String()] = info
	c.mu.Unlock()
	c.logger.Debug("Resolved player IP", zap.String("ip", ip.String()), zap.String("country", info.Country))
	return info.Country, nil
}

func isPrivateIP(ip net.IP) bool {
	for _, subnet := range privateRanges {
		if subnet.Contains(ip) {
			return true
		}
	}
	return false
}
