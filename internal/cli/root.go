package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	apiURL     string
	apiToken   string
	jsonOutput bool
)

const defaultAPIURL = "http://localhost:8080"

// Exit codes shared by all commands.
const (
	exitOK       = 0
	exitNegative = 1
	exitError    = 2
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Inspect fleet health and plan server placement",
	Long: `fleetctl talks to the fleetd admin API.

Environment Variables:
  FLEET_API_URL    fleetd base URL (default: http://localhost:8080)
  FLEET_API_TOKEN  admin bearer token`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "fleetd base URL (overrides FLEET_API_URL)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "admin bearer token (overrides FLEET_API_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON instead of human-readable text")
}

// GetAPIURL resolves the flag, then the environment, then the default.
func GetAPIURL() string {
	if apiURL != "" {
		return apiURL
	}
	if envURL := os.Getenv("FLEET_API_URL"); envURL != "" {
		return envURL
	}
	return defaultAPIURL
}

func GetAPIToken() string {
	if apiToken != "" {
		return apiToken
	}
	return os.Getenv("FLEET_API_TOKEN")
}

func IsJSONOutput() bool {
	return jsonOutput
}
