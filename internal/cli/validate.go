package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fleetd/internal/client"
)

var (
	validateMemory int64
	validateDisk   int64
)

var validateCmd = &cobra.Command{
	Use:   "validate NODE_ID",
	Short: "Check whether a server fits on a specific node",
	Long:  `Dry-run a reservation on NODE_ID without committing it. Exits 1 when the node would be overcommitted.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if code := runValidate(ctx, os.Stdout, args[0], validateMemory, validateDisk); code != exitOK {
			os.Exit(code)
		}
	},
}

func init() {
	validateCmd.Flags().Int64Var(&validateMemory, "memory", 0, "Memory required in MiB")
	validateCmd.Flags().Int64Var(&validateDisk, "disk", 0, "Disk required in MiB")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(ctx context.Context, w io.Writer, nodeID string, memory, disk int64) int {
	c := client.New(GetAPIURL(), GetAPIToken())

	res, err := c.Validate(ctx, nodeID, memory, disk)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return exitError
	}

	if IsJSONOutput() {
		fmt.Fprintln(w, formatJSON(res))
	} else {
		fmt.Fprintln(w, formatValidateHuman(res))
	}
	if !res.Valid {
		return exitNegative
	}
	return exitOK
}

func formatValidateHuman(res *client.ValidateResult) string {
	if res.Valid {
		return fmt.Sprintf("Node %s can take the server.", res.NodeID)
	}
	if res.Capacity != nil {
		return fmt.Sprintf("Node %s rejected: %s exceeded (available %d MiB, requested %d MiB)",
			res.NodeID, res.Capacity.Resource, res.Capacity.Available, res.Capacity.Requested)
	}
	return fmt.Sprintf("Node %s rejected: %s", res.NodeID, res.Message)
}
