package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/rjboer/GoVNA/internal/device"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/mdns"
	"github.com/rjboer/GoVNA/vna"
)

func NewServeCommand() *cobra.Command {
	var (
		stdio     bool
		listen    string
		advertise string
	)

	cmd := &cobra.Command{
		Use:   "serve [device]",
		Short: "Expose a local analyzer over TCP or stdin/stdout",
		Long: `Expose a local analyzer with the line protocol.

With --stdio the protocol is spoken on stdin and stdout, which is how ssh://
device paths reach a remote analyzer. Otherwise clients connect over TCP one
at a time, and --advertise announces the listener over mDNS.`,
		GroupID: gAdvanced,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := cfg.Device.Path
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				found := newAnalyzer().FindDevices(ctx)
				if len(found) == 0 {
					return vna.ErrDeviceNotFound
				}
				path = found[0]
			}

			t, err := device.Open(ctx, path, cfg.Device.Options(logger))
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", path, err)
			}
			defer t.Close()

			if stdio {
				rw := struct {
					io.Reader
					io.Writer
				}{cmd.InOrStdin(), cmd.OutOrStdout()}
				return device.Serve(ctx, rw, t, logger)
			}
			return serveTCP(ctx, listen, advertise, t)
		},
	}

	cmd.Flags().BoolVar(&stdio, "stdio", false, "speak the protocol on stdin and stdout")
	cmd.Flags().StringVar(&listen, "listen", ":5025", "TCP listen address")
	cmd.Flags().StringVar(&advertise, "advertise", "", "mDNS instance name to advertise, empty for none")
	return cmd
}

func serveTCP(ctx context.Context, addr, instance string, t vna.Transport) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	if instance != "" {
		host, _ := os.Hostname()
		if err := mdns.Advertise(ctx, instance, mdns.ServiceVNA, port, []string{"host=" + host}); err != nil {
			logger.Warn("mDNS advertisement failed", logging.Err(err))
		}
	}
	logger.Info("serving analyzer", logging.F("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l := logger.With(logging.F("remote", conn.RemoteAddr().String()))
		l.Info("client connected")
		err = device.Serve(ctx, conn, t, l)
		_ = conn.Close()
		switch {
		case err == nil:
			l.Info("client disconnected")
		case errors.Is(err, context.Canceled):
			return nil
		default:
			l.Warn("client session ended", logging.Err(err))
		}
	}
}
