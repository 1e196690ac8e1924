// Package device provides analyzer transports: an in-process mock, and the
// line protocol over serial, TCP and SSH links.
package device

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

// Options configures how device paths are opened.
type Options struct {
	Logger   logging.Logger
	Timeout  time.Duration
	BaudRate uint
	SSH      SSHConfig
	// Mock is the base configuration for mock:// paths.
	Mock MockConfig
	// Discovery bounds the mDNS browse in FindDevices.
	Discovery time.Duration
}

const (
	DefaultTimeout   = 2 * time.Second
	DefaultBaudRate  = 115200
	DefaultDiscovery = 2 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.BaudRate == 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.Discovery <= 0 {
		o.Discovery = DefaultDiscovery
	}
	return o
}

// Open opens path by scheme: mock://, tcp://host:port, ssh://user@host/dev/tty…,
// anything else is a local serial port.
func Open(ctx context.Context, path string, opts Options) (vna.Transport, error) {
	opts = opts.withDefaults()
	scheme, rest, ok := strings.Cut(path, "://")
	if !ok {
		return OpenSerial(ctx, path, opts)
	}
	switch strings.ToLower(scheme) {
	case "mock":
		cfg, err := mockConfigFromQuery(rest, opts.Mock)
		if err != nil {
			return nil, err
		}
		return NewMock(cfg), nil
	case "tcp":
		return DialTCP(ctx, strings.TrimSuffix(rest, "/"), opts)
	case "ssh":
		u, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("device: parse %q: %w", path, err)
		}
		cfg, devPath, err := sshConfigFromURL(u, opts.SSH)
		if err != nil {
			return nil, fmt.Errorf("device: %w", err)
		}
		return DialSSH(ctx, cfg, devPath, opts)
	case "serial":
		return OpenSerial(ctx, rest, opts)
	default:
		return nil, fmt.Errorf("device: unsupported scheme %q", scheme)
	}
}

// Opener adapts Open to the vna.Opener signature.
func Opener(opts Options) vna.Opener {
	return func(ctx context.Context, path string) (vna.Transport, error) {
		return Open(ctx, path, opts)
	}
}

// mockConfigFromQuery reads mock://?tr=1&autosweep=1&noise=1e-3&seed=7&errors=default.
func mockConfigFromQuery(rest string, base MockConfig) (MockConfig, error) {
	cfg := base
	_, query, _ := strings.Cut(rest, "?")
	q, err := url.ParseQuery(query)
	if err != nil {
		return cfg, fmt.Errorf("device: mock options: %w", err)
	}
	for key, vals := range q {
		v := vals[len(vals)-1]
		switch key {
		case "tr":
			cfg.TR = v == "1" || v == "true"
		case "autosweep":
			cfg.AutoSweep = v == "1" || v == "true"
		case "noise":
			if cfg.Noise, err = strconv.ParseFloat(v, 64); err != nil {
				return cfg, fmt.Errorf("device: mock noise: %w", err)
			}
		case "seed":
			if cfg.Seed, err = strconv.ParseInt(v, 10, 64); err != nil {
				return cfg, fmt.Errorf("device: mock seed: %w", err)
			}
		case "errors":
			switch v {
			case "ideal":
				cfg.Errors = IdealErrorModel()
			case "default":
				cfg.Errors = DefaultErrorModel()
			default:
				return cfg, fmt.Errorf("device: unknown mock error model %q", v)
			}
		case "delay":
			if cfg.ReadDelay, err = time.ParseDuration(v); err != nil {
				return cfg, fmt.Errorf("device: mock delay: %w", err)
			}
		default:
			return cfg, fmt.Errorf("device: unknown mock option %q", key)
		}
	}
	return cfg, nil
}
