package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "skycomposer",
	Short: "Compose and publish Bluesky posts with link previews",
	Long: `SkyComposer keeps a draft per user, counts characters the way Bluesky
does, fetches link-card previews and publishes posts.

Run it as a Telegram bot with "skycomposer bot", or post once from the
terminal with "skycomposer post".`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./configs", "directory containing config.yaml")
	rootCmd.AddCommand(botCmd, postCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
