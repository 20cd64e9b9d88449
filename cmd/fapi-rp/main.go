package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/openbanking-lab/fapi-rp/pkg/prettylog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fapi-rp",
	Short: "FAPI relying party for open-banking payment initiation",
}

func main() {
	godotenv.Load()

	if os.Getenv("PRETTY_LOGS") != "false" {
		logger := slog.New(prettylog.NewHandler(slog.LevelDebug))
		slog.SetDefault(logger)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
