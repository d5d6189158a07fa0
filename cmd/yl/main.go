package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"yieldline/internal/app"
	"yieldline/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "yl",
	Short: "Yieldline CLI",
	Long: `Yieldline turns manufacturing line records into quality analytics.
Core concepts:
- Workspace: a directory holding .yieldline/yieldline.db and an optional yieldline.yml.
- Snapshot: a YAML or JSON file of steps, CTQs, lots, fixtures, units, executions and episodes; load it with 'yl import'.
- FPY: share of units passing a station on their first attempt. RTY is the product of FPY across the nominal flow.
- CTQ: a critical-to-quality measurement with spec limits; 'yl ctq' and 'yl heatmap' show out-of-spec rates.
- Rework loop: consecutive executions sharing a loop id; 'yl unit' and 'yl flow' show them.
- Trends: FPY droop and rework or scrap spikes versus a baseline window ('yl trends').
- Episodes: past root-cause investigations ranked against a new incident ('yl similar').
Windows are anchored at the latest recorded execution, not the wall clock.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Initialize(viper.GetBool("log-json"), viper.GetBool("debug"))
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("YIELDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (defaults to <workspace>/yieldline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded on imports")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	rootCmd.PersistentFlags().Bool("log-json", false, "structured JSON logs on stderr")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "debug", "log-json"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(stationsCmd())
	rootCmd.AddCommand(overviewCmd())
	rootCmd.AddCommand(trendsCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(similarCmd())
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(episodesCmd())
	rootCmd.AddCommand(ctqCmd())
	rootCmd.AddCommand(heatmapCmd())
	rootCmd.AddCommand(qualityCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("config"), logger.Named("engine"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

// printTable renders rows as a table, or v as JSON when --json is set.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetStyle(table.StyleLight)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pct(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}
