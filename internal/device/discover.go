package device

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/mdns"
)

// SerialPatterns are the globs searched for USB attached analyzers.
var SerialPatterns = []string{"/dev/ttyACM*", "/dev/ttyUSB*", "/dev/tty.usbmodem*"}

// Browser finds network attached analyzers.
type Browser func(ctx context.Context) ([]mdns.Host, error)

// FindDevices lists serial ports matching SerialPatterns followed by network
// analyzers found by browse, rendered as tcp:// paths. A failing browse is
// logged and does not hide serial results. A nil browse skips the network.
func FindDevices(ctx context.Context, browse Browser, opts Options) []string {
	opts = opts.withDefaults()
	var out []string
	for _, pattern := range SerialPatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}

	if browse == nil {
		return out
	}
	hosts, err := browse(ctx)
	if err != nil {
		opts.Logger.Warn("network discovery failed", logging.F("subsystem", "device"), logging.Err(err))
		return out
	}
	for _, h := range hosts {
		out = append(out, h.Endpoint())
	}
	return out
}

// MDNSBrowser browses for _xavna._tcp for up to opts.Discovery.
func MDNSBrowser(opts Options) Browser {
	opts = opts.withDefaults()
	return func(ctx context.Context) ([]mdns.Host, error) {
		return mdns.Discover(ctx, mdns.ServiceVNA, opts.Discovery)
	}
}
