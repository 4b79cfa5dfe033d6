// Package discovery resolves a scheduler address via mDNS when the caller
// hasn't set one explicitly (no config entry, no HGCC_SCHEDULER env var):
// a one-shot browse that takes the first instance seen.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceName is the mDNS service type the scheduler registers under.
const ServiceName = "_hgcc-scheduler._tcp"

// FindScheduler browses for the service for up to timeout and returns the
// address of the first instance seen, or an error if none appear in time.
func FindScheduler(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("discovery: creating mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 4)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(ctx, ServiceName, "local.", entries); err != nil {
		return "", fmt.Errorf("discovery: browsing for %s: %w", ServiceName, err)
	}

	select {
	case e, ok := <-entries:
		if !ok || e == nil {
			return "", fmt.Errorf("discovery: no scheduler found via mdns within %s", timeout)
		}
		if len(e.AddrIPv4) == 0 {
			return "", fmt.Errorf("discovery: mdns entry %s has no IPv4 address", e.Instance)
		}
		return fmt.Sprintf("%s:%d", e.AddrIPv4[0], e.Port), nil
	case <-ctx.Done():
		return "", fmt.Errorf("discovery: mdns browse timed out after %s", timeout)
	}
}
