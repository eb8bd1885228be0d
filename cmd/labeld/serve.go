package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/labelforge/labeld/internal/config"
	"github.com/labelforge/labeld/internal/server"
	"github.com/labelforge/labeld/internal/telemetry"
	"github.com/labelforge/labeld/internal/workers"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the labeling API server",
	Long: `Run the labeling API server with the background timeout sweeper.
The server stops cleanly on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !config.GetBool(config.KeyAPIServerEnabled) {
			return fmt.Errorf("api server is disabled (api_server.enabled = false)")
		}

		if err := telemetry.Init(rootCtx, "labeld", Version); err != nil {
			fmt.Fprintf(os.Stderr, "labeld: telemetry init failed: %v\n", err)
		}
		defer telemetry.Shutdown(rootCtx)

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		sampleBridge, err := buildBridge()
		if err != nil {
			return err
		}
		server.Version = Version

		sweeper := workers.NewTimeoutSweeper(store, nil)
		if interval := config.GetDuration(config.KeySweepInterval); interval > 0 {
			sweeper.Interval = interval
		}
		sweeper.RequeueDelay = config.GetDuration(config.KeySweepRequeueDelay)
		go sweeper.Run(rootCtx)

		srv := server.New(store, server.Options{
			Token:  config.GetString(config.KeyAPIToken),
			Bridge: sampleBridge,
		})

		addr := listenAddr
		if addr == "" {
			addr = config.GetString(config.KeyListenAddr)
		}
		fmt.Fprintf(os.Stderr, "labeld: serving on %s (store: %s)\n",
			addr, config.GetString(config.KeyStoreBackend))
		return srv.Start(rootCtx, addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default from config)")
}
