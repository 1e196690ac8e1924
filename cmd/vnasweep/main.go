package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rjboer/GoVNA/internal/config"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

var (
	configPath string
	devicePath string
	logLevel   string
	logFormat  string
	calPath    string

	cfg    = config.Default()
	logger = logging.Default()
)

var (
	gBasic        = "Basic:"
	gAdvanced     = "Advanced:"
	commandGroups = []string{
		gBasic,
		gAdvanced,
	}
)

// setup loads the configuration file and environment, then applies the
// persistent flags on top.
func setup(cmd *cobra.Command) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("device") {
		loaded.Device.Path = devicePath
	}
	if flags.Changed("calibration") {
		loaded.Calibration.Path = calPath
	}
	if flags.Changed("log-level") {
		loaded.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		loaded.Log.Format = logFormat
	}

	l, err := loaded.Log.Logger(cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	logging.SetDefault(l)
	cfg, logger = loaded, l
	return nil
}

func handleCmdError(err error) {
	switch {
	case errors.Is(err, vna.ErrDeviceNotFound):
		fmt.Fprintln(os.Stderr, "\nError: no analyzer found")
		fmt.Fprintln(os.Stderr, "  - Pass the device with --device, e.g. /dev/ttyACM0 or tcp://host:5025")
		fmt.Fprintln(os.Stderr, "  - Or set VNA_DEVICE_PATH")
	case errors.Is(err, vna.ErrCalibrationDataMismatch):
		fmt.Fprintln(os.Stderr, "\nError: the stored calibration was captured on a different sweep")
		fmt.Fprintln(os.Stderr, "Recalibrate, or sweep with the start, stop and points it was captured on.")
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vnasweep",
		Short: "vnasweep drives xaVNA style vector network analyzers",
		Long: `vnasweep sweeps, calibrates and serves vector network analyzers that
speak the xaVNA line protocol over serial, TCP or SSH.

Settings come from --config, VNA_* environment variables and flags, in
increasing priority.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup(cmd)
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&configPath, "config", "c", "", "config file path (yaml)")
	globalFlags.StringVarP(&devicePath, "device", "d", "", "device path: serial port, tcp://host:port, ssh://user@host/dev/tty or mock://")
	globalFlags.StringVar(&calPath, "calibration", "", "calibration file, or library ending in .db, .sqlite or .sqlite3")
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	globalFlags.StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDevicesCommand(),
		NewSweepCommand(),
		NewCalibrateCommand(),
		NewServeCommand(),
		NewConfigCommand(),
	)

	return cmd
}
