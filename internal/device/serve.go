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

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

// Serve answers the line protocol on rw using t until ctx is done or the
// peer disconnects. It is used to expose a local analyzer over TCP or as the
// remote end of an SSH link.
func Serve(ctx context.Context, rw io.ReadWriter, t vna.Transport, logger logging.Logger) error {
	if logger == nil {
		logger = logging.Default()
	}
	s := &server{t: t, w: rw, logger: logger.With(logging.F("subsystem", "device"))}
	defer s.stop()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(rw)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err == nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			if err := s.handle(ctx, strings.TrimSpace(line)); err != nil {
				return err
			}
		}
	}
}

type server struct {
	t      vna.Transport
	w      io.Writer
	wmu    sync.Mutex
	logger logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *server) reply(line string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := io.WriteString(s.w, line+"\n")
	return err
}

func (s *server) fail(err error) error {
	return s.reply("ERR " + strings.ReplaceAll(err.Error(), "\n", " "))
}

func (s *server) handle(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	fields := strings.Fields(line)
	args := fields[1:]
	switch strings.ToUpper(fields[0]) {
	case "INFO":
		caps := s.t.Capabilities()
		return s.reply(fmt.Sprintf("OK tr=%d autosweep=%d", b2i(caps.TR), b2i(caps.AutoSweep)))

	case "TUNE":
		if len(args) != 1 {
			return s.fail(errors.New("usage: TUNE <hz>"))
		}
		hz, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return s.fail(err)
		}
		if err := s.t.Tune(ctx, hz); err != nil {
			return s.fail(err)
		}
		return s.reply("OK")

	case "ATT":
		att, ok := s.t.(vna.Attenuator)
		if !ok {
			return s.fail(errors.New("attenuation not supported"))
		}
		if len(args) != 2 {
			return s.fail(errors.New("usage: ATT <a1> <a2>"))
		}
		a1, err1 := strconv.Atoi(args[0])
		a2, err2 := strconv.Atoi(args[1])
		if err := errors.Join(err1, err2); err != nil {
			return s.fail(err)
		}
		if err := att.SetAttenuation(ctx, a1, a2); err != nil {
			return s.fail(err)
		}
		return s.reply("OK")

	case "READ":
		withReverse := len(args) == 1 && args[0] == "2"
		smp, err := s.t.ReadSample(ctx, withReverse)
		if err != nil {
			return s.fail(err)
		}
		smp.Index = -1
		return s.reply(FormatSample("S", smp))

	case "SWEEP":
		return s.sweep(ctx, args)

	case "POINT":
		pr, ok := s.t.(vna.PointRequester)
		if !ok {
			return s.fail(errors.New("point request not supported"))
		}
		if len(args) != 1 {
			return s.fail(errors.New("usage: POINT <idx>"))
		}
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			return s.fail(err)
		}
		smp, err := pr.RequestPoint(ctx, idx)
		if err != nil {
			return s.fail(err)
		}
		return s.reply(FormatSample("P", smp))

	case "STOP":
		s.stop()
		if ender, ok := s.t.(vna.AutoSweepEnder); ok {
			if err := ender.EndAutoSweep(ctx); err != nil {
				return s.fail(err)
			}
		}
		return s.reply("OK")

	case "DEBUG":
		if d, ok := s.t.(vna.Debugger); ok {
			d.SetDebug(len(args) == 1 && args[0] == "1")
		}
		return s.reply("OK")

	default:
		return s.fail(fmt.Errorf("unknown command %q", fields[0]))
	}
}

func (s *server) sweep(ctx context.Context, args []string) error {
	as, ok := s.t.(vna.AutoSweeper)
	if !ok {
		return s.fail(errors.New("autosweep not supported"))
	}
	if len(args) != 5 {
		return s.fail(errors.New("usage: SWEEP <start> <step> <n> <avg> <settle>"))
	}
	cfg := vna.DefaultSweepConfig()
	var errs [5]error
	cfg.StartHz, errs[0] = strconv.ParseFloat(args[0], 64)
	cfg.StepHz, errs[1] = strconv.ParseFloat(args[1], 64)
	cfg.Points, errs[2] = strconv.Atoi(args[2])
	cfg.Average, errs[3] = strconv.Atoi(args[3])
	cfg.Settle, errs[4] = strconv.Atoi(args[4])
	if err := errors.Join(errs[:]...); err != nil {
		return s.fail(err)
	}
	if err := cfg.Validate(); err != nil {
		return s.fail(err)
	}

	s.stop()
	if err := as.BeginAutoSweep(ctx, cfg); err != nil {
		return s.fail(err)
	}
	if err := s.reply("OK"); err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	withReverse := !s.t.Capabilities().TR
	go func() {
		defer close(done)
		for {
			smp, err := s.t.ReadSample(streamCtx, withReverse)
			if err != nil {
				if streamCtx.Err() == nil {
					s.logger.Warn("sweep stream failed", logging.Err(err))
					_ = s.fail(err)
				}
				return
			}
			if streamCtx.Err() != nil {
				return
			}
			if err := s.reply(FormatSample("S", smp)); err != nil {
				return
			}
		}
	}()
	return nil
}

// stop ends a running sweep stream and waits for it.
func (s *server) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
