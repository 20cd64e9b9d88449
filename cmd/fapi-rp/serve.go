package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/openbanking-lab/fapi-rp/pkg/rp"
	"github.com/spf13/cobra"
)

var (
	configPath string
	listenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relying party server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := rp.LoadConfig(configPath)
		if err != nil {
			return err
		}

		server, err := rp.NewServer(cfg)
		if err != nil {
			return err
		}

		root := echo.New()
		root.HideBanner = true
		root.GET("/", func(c echo.Context) error {
			return c.String(http.StatusOK, "fapi-rp")
		})
		server.MountRoutes(root.Group("/oauth"))

		slog.Info("Starting relying party", "addr", listenAddr, "issuer", cfg.Issuer)

		return root.Start(listenAddr)
	},
}

func init() {
	defaultConfig := os.Getenv("FAPI_RP_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to the YAML configuration")
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8080", "listen address")
	rootCmd.AddCommand(serveCmd)
}
