package cli

import (
	"bytes"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func newDumpArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump-archive",
		Short: "Download a ZIP snapshot of all tenants (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := clientFromCmd(cmd).do(http.MethodGet, "/admin/archive", "", nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return render(cmd, data, status)
			}
			output, _ := cmd.Flags().GetString("output")
			if err := os.WriteFile(output, data, 0o640); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", output, len(data))
			return nil
		},
	}
	addClientFlags(cmd)
	cmd.Flags().StringP("output", "o", "patchvec-dump.zip", "output file")
	return cmd
}

func newRestoreArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore-archive <file>",
		Short: "Replace all server state from a ZIP snapshot (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			resp, status, err := clientFromCmd(cmd).do(http.MethodPut, "/admin/archive",
				"application/zip", bytes.NewReader(data))
			if err != nil {
				return err
			}
			return render(cmd, resp, status)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newResetMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-metrics",
		Short: "Zero all metrics counters and latency windows (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := clientFromCmd(cmd).do(http.MethodDelete, "/admin/metrics", "", nil)
			if err != nil {
				return err
			}
			return render(cmd, data, status)
		},
	}
	addClientFlags(cmd)
	return cmd
}
