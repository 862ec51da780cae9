package discovery

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// Locate browses for a relay and returns the "host:port" of the first
// compatible one, or ErrRelayNotFound once the scan window ends.
func Locate(ctx context.Context, config Config) (string, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return "", err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return "", err
	}

	for {
		select {
		case <-scanCtx.Done():
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "", ErrRelayNotFound
		case entry, ok := <-entries:
			if !ok {
				<-scanCtx.Done()
				if err := ctx.Err(); err != nil {
					return "", err
				}
				return "", ErrRelayNotFound
			}
			if address, found := relayAddress(entry, cfg.Version); found {
				return address, nil
			}
		}
	}
}

func relayAddress(entry *zeroconf.ServiceEntry, version int) (string, bool) {
	if entry == nil || entry.Port <= 0 {
		return "", false
	}

	txt := txtToMap(entry.Text)
	if raw := txt["version"]; raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed != version {
			return "", false
		}
	}

	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil || ip.IsUnspecified() {
			continue
		}
		return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
	}
	return "", false
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
