package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/internal/storage"
	"github.com/rjboer/GoVNA/internal/telemetry"
	"github.com/rjboer/GoVNA/vna"
)

func NewCalibrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibrate",
		Aliases: []string{"cal"},
		Short:   "Capture, store and inspect SOLT calibrations",
		Long: `Capture short, open, load and thru standards on the configured sweep,
compute the SOLT error terms and store them.

A calibration path ending in .db, .sqlite or .sqlite3 is a library holding
many calibrations; any other path holds a single JSON document.`,
		GroupID: gAdvanced,
	}

	cmd.AddCommand(
		newCalibrateRunCommand(),
		newCalibrateListCommand(),
		newCalibrateDeleteCommand(),
		newCalibrateExportCommand(),
		newCalibrateImportCommand(),
	)
	return cmd
}

// parseStandards converts "short,open,load" into standards.
func parseStandards(list string) ([]vna.Standard, error) {
	var out []vna.Standard
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		std, err := vna.ParseStandard(name)
		if err != nil {
			return nil, err
		}
		out = append(out, std)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no standards given")
	}
	return out, nil
}

func newCalibrateRunCommand() *cobra.Command {
	var (
		standards string
		yes       bool
		noSave    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Measure the standards interactively and store the calibration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stds, err := parseStandards(standards)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			cfg.Calibration.Load = false
			v, err := openAnalyzer(ctx)
			if err != nil {
				return err
			}
			defer v.Close()

			in := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()
			for _, std := range stds {
				if !yes {
					fmt.Fprintf(out, "Connect the %s standard and press Enter...", std)
					if _, err := in.ReadString('\n'); err != nil {
						return fmt.Errorf("waiting for %s: %w", std, err)
					}
				}
				if err := v.CaptureStandard(ctx, std); err != nil {
					return fmt.Errorf("failed to capture %s: %w", std, err)
				}
			}

			if err := v.ApplySOLT(); err != nil {
				return fmt.Errorf("failed to compute calibration: %w", err)
			}
			set := v.Calibration()
			fmt.Fprintf(out, "Calibrated %d of %d points from %s to %s.\n",
				set.SolvedPoints(), set.Grid.Points,
				telemetry.FormatHz(set.Grid.StartHz), telemetry.FormatHz(set.Grid.StopHz()))

			if noSave || cfg.Calibration.Path == "" {
				return nil
			}
			if err := v.SaveSOLTCalibration(ctx, cfg.Calibration.Path); err != nil {
				return fmt.Errorf("failed to save calibration: %w", err)
			}
			logger.Info("calibration saved", logging.F("path", cfg.Calibration.Path))
			return nil
		},
	}

	cmd.Flags().StringVarP(&standards, "standards", "s", "short,open,load,thru", "comma separated standards to capture")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not wait for Enter between standards")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "compute the calibration without storing it")
	return cmd
}

// openLibrary opens the configured calibration path, which must be a library.
func openLibrary() (*storage.SqliteStore, error) {
	if !storage.IsLibrary(cfg.Calibration.Path) {
		return nil, fmt.Errorf("%s is not a calibration library (.db, .sqlite, .sqlite3)", cfg.Calibration.Path)
	}
	return storage.NewSqliteStore(cfg.Calibration.Path), nil
}

func newCalibrateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the calibrations stored in a library",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()

			sums, err := lib.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(sums) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No calibrations stored.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tSTART\tSTOP\tPOINTS\tPORTS")
			for _, s := range sums {
				ports := 1
				if s.TwoPort {
					ports = 2
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
					s.ID, humanize.Time(s.CreatedAt),
					telemetry.FormatHz(s.Grid.StartHz), telemetry.FormatHz(s.Grid.StopHz()),
					s.Grid.Points, ports)
			}
			return tw.Flush()
		},
	}
}

func newCalibrateDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a calibration from a library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()
			if err := lib.Delete(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
			return nil
		},
	}
}

func newCalibrateExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export [id]",
		Short: "Print a stored calibration as YAML",
		Long:  "Print a stored calibration as YAML. A library needs the ID of the calibration to export.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				set *vna.CalibrationSet
				err error
			)
			if storage.IsLibrary(cfg.Calibration.Path) {
				if len(args) == 0 {
					return fmt.Errorf("exporting from a library needs a calibration id")
				}
				lib := storage.NewSqliteStore(cfg.Calibration.Path)
				defer lib.Close()
				set, err = lib.Get(ctx, args[0])
			} else {
				set, err = storage.NewFileStore(cfg.Calibration.Path).Read(ctx)
			}
			if err != nil {
				return err
			}
			return storage.ExportYAML(cmd.OutOrStdout(), set)
		},
	}
}

func newCalibrateImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Store a calibration exported as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			set, err := storage.ImportYAML(f)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			store := storage.Open(cfg.Calibration.Path)
			defer store.Close()
			if err := store.Save(cmd.Context(), set); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported calibration for %s into %s.\n", set.Fingerprint(), cfg.Calibration.Path)
			return nil
		},
	}
}
