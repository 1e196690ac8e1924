package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

// Line protocol, one command or reply per line:
//
//	INFO                                 -> OK tr=<0|1> autosweep=<0|1>
//	TUNE <hz>                            -> OK
//	ATT <a1> <a2>                        -> OK
//	READ <1|2>                           -> S <idx> <re im>x3 | x6
//	SWEEP <start> <step> <n> <avg> <settle> -> OK, then streamed S lines
//	POINT <idx>                          -> P <idx> <re im>x3 | x6
//	STOP                                 -> OK (ends a SWEEP stream)
//	DEBUG <0|1>                          -> OK
//
// Failures are reported as ERR <message>.

// ProtocolError is an ERR reply from the remote end.
type ProtocolError struct {
	Cmd string
	Msg string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("device: %s: %s", e.Cmd, e.Msg) }

var errUnexpectedReply = errors.New("device: unexpected reply")

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func appendComplex(b []string, v complex128) []string {
	return append(b, formatFloat(real(v)), formatFloat(imag(v)))
}

// FormatSample renders a sample line with the given tag ("S" or "P").
func FormatSample(tag string, s vna.Sample) string {
	parts := make([]string, 0, 14)
	parts = append(parts, tag, strconv.Itoa(s.Index))
	for _, w := range []vna.Wave{s.Forward, s.Reverse} {
		parts = appendComplex(parts, w.Reference)
		parts = appendComplex(parts, w.Reflected)
		parts = appendComplex(parts, w.Transmitted)
		if !s.HasReverse {
			break
		}
	}
	return strings.Join(parts, " ")
}

// ParseSample parses a line produced by FormatSample and returns its tag.
func ParseSample(line string) (string, vna.Sample, error) {
	fields := strings.Fields(line)
	if len(fields) != 8 && len(fields) != 14 {
		return "", vna.Sample{}, fmt.Errorf("device: malformed sample line %q", line)
	}
	idx, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", vna.Sample{}, fmt.Errorf("device: malformed sample index %q: %w", fields[1], err)
	}
	vals := make([]complex128, 0, 6)
	for i := 2; i+1 < len(fields); i += 2 {
		re, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return "", vna.Sample{}, fmt.Errorf("device: malformed sample value %q: %w", fields[i], err)
		}
		im, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return "", vna.Sample{}, fmt.Errorf("device: malformed sample value %q: %w", fields[i+1], err)
		}
		vals = append(vals, complex(re, im))
	}
	s := vna.Sample{
		Index:   idx,
		Forward: vna.Wave{Reference: vals[0], Reflected: vals[1], Transmitted: vals[2]},
	}
	if len(vals) == 6 {
		s.HasReverse = true
		s.Reverse = vna.Wave{Reference: vals[3], Reflected: vals[4], Transmitted: vals[5]}
	}
	return fields[0], s, nil
}

func parseInfo(reply string) (vna.Capabilities, error) {
	var caps vna.Capabilities
	fields := strings.Fields(reply)
	if len(fields) == 0 || fields[0] != "OK" {
		return caps, fmt.Errorf("%w: %q", errUnexpectedReply, reply)
	}
	for _, f := range fields[1:] {
		key, val, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch key {
		case "tr":
			caps.TR = val == "1"
		case "autosweep":
			caps.AutoSweep = val == "1"
		}
	}
	return caps, nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// lineTransport speaks the line protocol over any byte stream.
type lineTransport struct {
	mu        sync.Mutex
	rwc       io.ReadWriteCloser
	r         *bufio.Reader
	timeout   time.Duration
	logger    logging.Logger
	caps      vna.Capabilities
	debug     atomic.Bool
	streaming bool
	pending   []vna.Sample
	closed    bool
}

func newLineTransport(ctx context.Context, rwc io.ReadWriteCloser, timeout time.Duration, logger logging.Logger) (*lineTransport, error) {
	if logger == nil {
		logger = logging.Default()
	}
	t := &lineTransport{
		rwc:     rwc,
		r:       bufio.NewReader(rwc),
		timeout: timeout,
		logger:  logger,
	}
	reply, err := t.roundTrip(ctx, "INFO", "OK")
	if err != nil {
		_ = rwc.Close()
		return nil, err
	}
	caps, err := parseInfo(reply)
	if err != nil {
		_ = rwc.Close()
		return nil, err
	}
	t.caps = caps
	return t, nil
}

func (t *lineTransport) Capabilities() vna.Capabilities { return t.caps }

func (t *lineTransport) SetDebug(on bool) { t.debug.Store(on) }

func (t *lineTransport) Tune(ctx context.Context, freqHz float64) error {
	_, err := t.roundTrip(ctx, "TUNE "+strconv.FormatFloat(freqHz, 'f', -1, 64), "OK")
	return err
}

func (t *lineTransport) SetAttenuation(ctx context.Context, att1, att2 int) error {
	_, err := t.roundTrip(ctx, fmt.Sprintf("ATT %d %d", att1, att2), "OK")
	return err
}

func (t *lineTransport) ReadSample(ctx context.Context, withReverse bool) (vna.Sample, error) {
	t.mu.Lock()
	streaming := t.streaming
	if streaming && len(t.pending) > 0 {
		s := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	if streaming {
		return t.nextStreamed(ctx)
	}
	cmd := "READ 1"
	if withReverse {
		cmd = "READ 2"
	}
	reply, err := t.roundTrip(ctx, cmd, "S")
	if err != nil {
		return vna.Sample{}, err
	}
	_, s, err := ParseSample(reply)
	return s, err
}

func (t *lineTransport) BeginAutoSweep(ctx context.Context, cfg vna.SweepConfig) error {
	t.mu.Lock()
	streaming := t.streaming
	t.mu.Unlock()
	if streaming {
		if err := t.stopStream(ctx); err != nil {
			return err
		}
	}
	cmd := fmt.Sprintf("SWEEP %s %s %d %d %d",
		formatFloat(cfg.StartHz), formatFloat(cfg.StepHz), cfg.Points, cfg.Average, cfg.Settle)
	if _, err := t.roundTrip(ctx, cmd, "OK"); err != nil {
		return err
	}
	t.mu.Lock()
	t.streaming = true
	t.pending = nil
	t.mu.Unlock()
	return nil
}

// EndAutoSweep halts a running stream. It is a no-op when none runs.
func (t *lineTransport) EndAutoSweep(ctx context.Context) error {
	t.mu.Lock()
	streaming := t.streaming && !t.closed
	t.mu.Unlock()
	if !streaming {
		return nil
	}
	return t.stopStream(ctx)
}

func (t *lineTransport) RequestPoint(ctx context.Context, index int) (vna.Sample, error) {
	reply, err := t.roundTrip(ctx, "POINT "+strconv.Itoa(index), "P")
	if err != nil {
		return vna.Sample{}, err
	}
	_, s, err := ParseSample(reply)
	return s, err
}

func (t *lineTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	streaming := t.streaming
	t.mu.Unlock()

	if streaming {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		if err := t.stopStream(ctx); err != nil {
			t.logger.Debug("stop stream on close failed", logging.Err(err))
		}
		cancel()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return t.rwc.Close()
}

func (t *lineTransport) stopStream(ctx context.Context) error {
	_, err := t.roundTrip(ctx, "STOP", "OK")
	t.mu.Lock()
	t.streaming = false
	t.pending = nil
	t.mu.Unlock()
	return err
}

func (t *lineTransport) nextStreamed(ctx context.Context) (vna.Sample, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line, err := t.readLine(ctx)
	if err != nil {
		return vna.Sample{}, err
	}
	if msg, ok := strings.CutPrefix(line, "ERR "); ok {
		return vna.Sample{}, &ProtocolError{Cmd: "SWEEP", Msg: msg}
	}
	tag, s, err := ParseSample(line)
	if err != nil {
		return vna.Sample{}, err
	}
	if tag != "S" {
		return vna.Sample{}, fmt.Errorf("%w: %q", errUnexpectedReply, line)
	}
	return s, nil
}

// roundTrip sends cmd and waits for a reply whose first field is want.
// Streamed sample lines arriving in between are queued for ReadSample.
func (t *lineTransport) roundTrip(ctx context.Context, cmd, want string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrClosed
	}
	if t.debug.Load() {
		t.logger.Debug("tx", logging.F("line", cmd))
	}
	stop := t.arm(ctx)
	defer stop()
	if _, err := io.WriteString(t.rwc, cmd+"\n"); err != nil {
		return "", fmt.Errorf("device: write %s: %w", verb(cmd), err)
	}
	for {
		line, err := t.readLine(ctx)
		if err != nil {
			return "", fmt.Errorf("device: %s: %w", verb(cmd), err)
		}
		if msg, ok := strings.CutPrefix(line, "ERR "); ok || line == "ERR" {
			return "", &ProtocolError{Cmd: verb(cmd), Msg: msg}
		}
		head, _, _ := strings.Cut(line, " ")
		if head == want {
			return line, nil
		}
		if head == "S" && t.streaming {
			if _, s, err := ParseSample(line); err == nil {
				t.pending = append(t.pending, s)
			}
			continue
		}
		return "", fmt.Errorf("%w to %s: %q", errUnexpectedReply, verb(cmd), line)
	}
}

// readLine reads one trimmed, non-empty line. t.mu must be held.
func (t *lineTransport) readLine(ctx context.Context) (string, error) {
	stop := t.arm(ctx)
	defer stop()
	for {
		line, err := t.r.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if t.debug.Load() {
			t.logger.Debug("rx", logging.F("line", line))
		}
		return line, nil
	}
}

// arm applies the command timeout to streams supporting deadlines and
// interrupts blocked reads when ctx is cancelled.
func (t *lineTransport) arm(ctx context.Context) func() {
	d, ok := t.rwc.(deadliner)
	if !ok {
		return func() {}
	}
	deadline := time.Time{}
	if t.timeout > 0 {
		deadline = time.Now().Add(t.timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (deadline.IsZero() || cd.Before(deadline)) {
		deadline = cd
	}
	_ = d.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = d.SetDeadline(time.Now()) })
	return func() { stop() }
}

func verb(cmd string) string {
	v, _, _ := strings.Cut(cmd, " ")
	return v
}

var (
	_ vna.Transport      = (*lineTransport)(nil)
	_ vna.Attenuator     = (*lineTransport)(nil)
	_ vna.AutoSweeper    = (*lineTransport)(nil)
	_ vna.PointRequester = (*lineTransport)(nil)
	_ vna.Debugger       = (*lineTransport)(nil)
)
