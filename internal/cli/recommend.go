package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"fleetd/internal/client"
)

var (
	recommendMemory   int64
	recommendDisk     int64
	recommendLocation int
)

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Pick the node with the most headroom for a new server",
	Long:  `Ask fleetd which node should receive a server of the given size. Exits 1 when no node can fit it.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		var location *int
		if cmd.Flags().Changed("location") {
			location = &recommendLocation
		}
		if code := runRecommend(ctx, os.Stdout, recommendMemory, recommendDisk, location); code != exitOK {
			os.Exit(code)
		}
	},
}

func init() {
	recommendCmd.Flags().Int64Var(&recommendMemory, "memory", 0, "Memory required in MiB")
	recommendCmd.Flags().Int64Var(&recommendDisk, "disk", 0, "Disk required in MiB")
	recommendCmd.Flags().IntVar(&recommendLocation, "location", 0, "Only consider nodes in this location")
	rootCmd.AddCommand(recommendCmd)
}

func runRecommend(ctx context.Context, w io.Writer, memory, disk int64, location *int) int {
	c := client.New(GetAPIURL(), GetAPIToken())

	rec, err := c.Recommend(ctx, memory, disk, location)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return exitError
	}

	if IsJSONOutput() {
		fmt.Fprintln(w, formatJSON(rec))
	} else {
		fmt.Fprintln(w, formatRecommendHuman(rec))
	}
	if !rec.Found {
		return exitNegative
	}
	return exitOK
}

func formatRecommendHuman(rec *client.Recommendation) string {
	if !rec.Found || rec.NodeID == nil {
		return "No node can fit the requested resources."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recommended node: %s\n", *rec.NodeID)
	for i, c := range rec.Candidates {
		fmt.Fprintf(&b, "  %d. %s (%s) memory %.1f%% disk %.1f%%\n", i+1, c.Name, c.NodeID, c.MemoryRatio*100, c.DiskRatio*100)
	}
	return strings.TrimRight(b.String(), "\n")
}
