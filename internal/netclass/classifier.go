package netclass

import (
	"fmt"
	"net"
	"sync"
)

// Sample of well-known datacenter/hosting egress blocks (AWS, GCP, Azure,
// DigitalOcean, Hetzner, OVH). Deployments refresh the full list from their
// own reference data via Replace.
var defaultRanges = []string{
	"3.0.0.0/9",
	"13.52.0.0/14",
	"18.32.0.0/11",
	"34.64.0.0/10",
	"35.184.0.0/13",
	"20.33.0.0/16",
	"40.74.0.0/15",
	"64.225.0.0/17",
	"104.131.0.0/16",
	"159.65.0.0/16",
	"65.108.0.0/15",
	"95.216.0.0/15",
	"51.68.0.0/14",
	"135.125.0.0/16",
}

// Classifies network origins as residential or anonymized (datacenter/VPN)
// by CIDR membership against local reference data. Never performs network
// I/O, so it cannot block or fail on the admission hot path.
type Classifier struct {
	mu     sync.RWMutex
	ranges []*net.IPNet
}

// Builds a classifier over the built-in range sample.
func NewClassifier() *Classifier {
	c := &Classifier{}
	if err := c.Replace(defaultRanges); err != nil {
		// The built-in list is static; a parse failure is a programming
		// error, not a runtime condition.
		panic(err)
	}
	return c
}

// Swaps in a refreshed range set. Malformed entries reject the whole update
// so a partial list never silently narrows coverage.
func (c *Classifier) Replace(cidrs []string) error {
	parsed := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
		parsed = append(parsed, network)
	}

	c.mu.Lock()
	c.ranges = parsed
	c.mu.Unlock()
	return nil
}

// Reports whether the origin address falls inside a known datacenter/VPN
// range. Unparseable addresses classify as not anonymized - the classifier
// only ever reduces headroom, never denies on its own.
func (c *Classifier) IsAnonymized(origin string) bool {
	ip := net.ParseIP(origin)
	if ip == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, network := range c.ranges {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Number of ranges currently loaded, for the health/audit surface.
func (c *Classifier) RangeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ranges)
}
