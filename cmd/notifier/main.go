// Command notifier bridges wormhole map activity to Discord. It follows the
// SSE event streams of every map the control plane assigns it, keeps reverse
// indexes from systems and characters to the maps tracking them, correlates
// killmails from the killmail feed, and posts deduplicated notifications.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "notifier <command>",
	Short: "Wormhole map activity notifier for Discord",
	Long: `notifier follows the SSE event streams of configured wormhole maps,
tracks their systems and characters, correlates killmails, and posts
notifications to Discord.

Configuration comes from environment variables (and an optional .env file);
see the serve command for the full list.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("notifier %s (%s)\n", version, commit)
	},
}

func init() {
	if v := os.Getenv("VERSION"); v != "" {
		version = v
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(priorityCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
