package device

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

// DialTCP connects to a network attached analyzer speaking the line protocol.
func DialTCP(ctx context.Context, addr string, opts Options) (vna.Transport, error) {
	opts = opts.withDefaults()
	dialer := net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("device: connect %s: %w", addr, err)
	}
	return newConnTransport(ctx, conn, opts, logging.F("link", "tcp"), logging.F("addr", addr))
}

// NewConnTransport runs the line protocol over an established connection.
// Tests and tunnels use it to inject their own net.Conn.
func NewConnTransport(ctx context.Context, conn net.Conn, opts Options) (vna.Transport, error) {
	return newConnTransport(ctx, conn, opts.withDefaults(), logging.F("link", "conn"))
}

func newConnTransport(ctx context.Context, conn net.Conn, opts Options, fields ...logging.Field) (vna.Transport, error) {
	t, err := newLineTransport(ctx, conn, opts.Timeout, opts.Logger.With(fields...))
	if err != nil {
		return nil, err
	}
	return t, nil
}

// OpenSerial opens a USB serial analyzer.
func OpenSerial(ctx context.Context, path string, opts Options) (vna.Transport, error) {
	opts = opts.withDefaults()
	// the driver needs 100ms..25.5s for a timed read
	ict := min(max(uint(opts.Timeout/time.Millisecond), 100), 25500)
	port, err := serial.Open(serial.OpenOptions{
		PortName:              path,
		BaudRate:              opts.BaudRate,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		MinimumReadSize:       0,
		InterCharacterTimeout: ict,
	})
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	t, err := newLineTransport(ctx, port, opts.Timeout, opts.Logger.With(logging.F("link", "serial"), logging.F("port", path)))
	if err != nil {
		return nil, err
	}
	return t, nil
}
