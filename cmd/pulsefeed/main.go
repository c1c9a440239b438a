package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/pulsefeed/internal/config"
	"github.com/stellarlinkco/pulsefeed/internal/gateway"
	"github.com/stellarlinkco/pulsefeed/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "pulsefeed",
	Short: "pulsefeed - unified priority inbox gateway",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (ingestion + enrichment + API)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pulsefeed status",
	RunE:  runStatus,
}

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Print a user's ranked feed",
	RunE:  runFeed,
}

var (
	feedUserFlag  string
	feedLimitFlag int
)

func init() {
	feedCmd.Flags().StringVarP(&feedUserFlag, "user", "u", "", "User ID (required)")
	feedCmd.Flags().IntVarP(&feedLimitFlag, "limit", "n", config.DefaultFeedLimit, "Max entries to print")
	_ = feedCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, feedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		fmt.Fprintln(os.Stderr, "warning: no API key set; enrichment runs on rule-based fallbacks only")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Opening the store creates the database and schema.
	backend, err := store.Open(cfg.StoreDSN())
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	_ = backend.Close()
	fmt.Printf("Store ready: %s\n", cfg.StoreDSN())

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and platform tokens\n", cfgPath)
	fmt.Println("  2. Or set PULSEFEED_API_KEY / ANTHROPIC_API_KEY")
	fmt.Println("  3. Run 'pulsefeed gateway' to start")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Store: %s\n", cfg.StoreDSN())
	fmt.Printf("Model: %s\n", cfg.Enrich.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set (fallback-only enrichment)")
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Adapters.Telegram.Enabled)
	fmt.Printf("Accounts: %d\n", len(cfg.Accounts))
	fmt.Printf("Pipeline: %d workers, queue %d\n", cfg.Pipeline.Workers, cfg.Pipeline.QueueSize)

	return nil
}

func runFeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	backend, err := store.Open(cfg.StoreDSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	entries, hasMore, err := backend.RankedFeed(context.Background(), feedUserFlag, store.FeedQuery{Limit: feedLimitFlag})
	if err != nil {
		return fmt.Errorf("query feed: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tLABEL\tPLATFORM\tSENDER\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(w, "%.2f\t%s\t%s\t%s\t%s\n",
			e.Enrichment.PriorityScore, e.Enrichment.PriorityLabel,
			e.Message.Platform, e.Message.SenderName, truncate(e.Message.ContentText, 60))
	}
	_ = w.Flush()
	if hasMore {
		fmt.Println("(more entries; raise --limit)")
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
