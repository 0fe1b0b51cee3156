package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fleetd/internal/client"
	"fleetd/internal/fleet"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet health and capacity",
	Long:  `Print the fleet summary: healthy and unhealthy nodes, aggregate usage and per-node allocation. Exits 1 when any node is unhealthy.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if code := runStatus(ctx, os.Stdout); code != exitOK {
			os.Exit(code)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context, w io.Writer) int {
	c := client.New(GetAPIURL(), GetAPIToken())

	summary, err := c.FleetSummary(ctx)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return exitError
	}

	if IsJSONOutput() {
		fmt.Fprintln(w, formatJSON(summary))
	} else {
		fmt.Fprintln(w, formatStatusHuman(summary))
	}

	if summary.Global.UnhealthyNodes > 0 {
		return exitNegative
	}
	return exitOK
}

func formatStatusHuman(s *fleet.Summary) string {
	g := s.Global
	var b strings.Builder
	fmt.Fprintf(&b, "Nodes:    %d total, %d healthy, %d unhealthy\n", g.TotalNodes, g.HealthyNodes, g.UnhealthyNodes)
	fmt.Fprintf(&b, "Servers:  %d\n", g.TotalServers)
	fmt.Fprintf(&b, "CPU:      %.2f%% avg\n", g.AvgCPUPercent)
	fmt.Fprintf(&b, "Memory:   %s / %s (%.2f%%)\n", formatBytes(g.UsedMemory), formatBytes(g.TotalMemory), g.MemoryPercent)
	fmt.Fprintf(&b, "Disk:     %s / %s (%.2f%%)\n", formatBytes(g.UsedDisk), formatBytes(g.TotalDisk), g.DiskPercent)

	if len(s.Nodes) == 0 {
		b.WriteString("\nNo nodes registered.")
		return b.String()
	}

	b.WriteString("\n")
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tSERVERS\tMEM ALLOC\tDISK ALLOC\tCPU")
	for _, n := range s.Nodes {
		status := n.Status
		if n.Maintenance {
			status = "maintenance"
		}
		cpu := "-"
		if n.Utilization != nil {
			cpu = fmt.Sprintf("%.1f%%", n.Utilization.CPUPercent)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.1f%%\t%.1f%%\t%s\n", n.Name, status, n.ServerCount, n.MemoryAllocated, n.DiskAllocated, cpu)
	}
	_ = tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func formatJSON(v interface{}) string {
	data, _ := json.MarshalIndent(v, "", "  ")
	return string(data)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
