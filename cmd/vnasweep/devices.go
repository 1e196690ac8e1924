package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls"},
		Short:   "List serial ports and analyzers advertised on the network",
		GroupID: gBasic,
		RunE: func(cmd *cobra.Command, _ []string) error {
			found := newAnalyzer().FindDevices(cmd.Context())
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices found.")
				return nil
			}
			for _, path := range found {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		},
	}
}
