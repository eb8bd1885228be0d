// Command labeld runs the human-labeling queue service: the API server,
// one-shot worker passes, and export jobs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/labelforge/labeld/internal/bridge"
	"github.com/labelforge/labeld/internal/config"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/storage/factory"
)

var (
	cfgFile    string
	jsonOutput bool

	// Signal-aware context for graceful shutdown.
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "labeld",
	Short:         "Multi-tenant human labeling queue service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			os.Setenv("LABELD_CONFIG", cfgFile)
		}
		return config.Initialize()
	},
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to labeld.yaml (default: walk up from cwd)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(serveCmd, exportCmd, sweepCmd, retentionCmd, agreementCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "labeld: %v\n", err)
		os.Exit(1)
	}
}

// openStore builds the configured storage backend.
func openStore() (storage.Store, error) {
	return factory.Open(
		config.GetString(config.KeyStoreBackend),
		config.GetString(config.KeyStoreDSN),
		nil,
	)
}

// buildBridge assembles the sample bridge from configuration. The direct
// backend has no forge to talk to in a standalone process, so it yields
// no bridge and sample reads return refs without content.
func buildBridge() (bridge.SampleBridge, error) {
	switch backend := config.GetString(config.KeyBridgeBackend); backend {
	case "direct":
		return nil, nil
	case "http":
		return buildPrimary("http")
	case "cached":
		primary, err := buildPrimary(config.GetString(config.KeyBridgePrimaryBackend))
		if err != nil {
			return nil, err
		}
		if primary == nil {
			return nil, nil
		}
		return bridge.NewCached(primary, config.CacheTTL(), nil), nil
	default:
		return nil, fmt.Errorf("unknown sample bridge backend: %s", backend)
	}
}

func buildPrimary(backend string) (bridge.SampleBridge, error) {
	switch backend {
	case "direct", "":
		return nil, nil
	case "http":
		baseURL := config.GetString(config.KeyHTTPBaseURL)
		if baseURL == "" {
			return nil, fmt.Errorf("http sample bridge requires http_base_url")
		}
		client := &http.Client{Timeout: config.HTTPTimeout()}
		return bridge.NewHTTP(baseURL, config.GetString(config.KeyHTTPAPIToken), client), nil
	default:
		return nil, fmt.Errorf("unknown sample bridge backend: %s", backend)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
