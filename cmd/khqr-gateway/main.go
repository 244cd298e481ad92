package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "khqr-gateway",
		Short:         "KHQR payment codes with settlement checks and push notifications",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "YAML config file (KHQR_* env vars override it)")
	root.PersistentFlags().String("log-level", "info", "debug, info, warn or error")

	root.AddCommand(serveCmd())
	root.AddCommand(issueCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(pollCmd())
	root.AddCommand(stubAuthorityCmd())

	return root
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	name, _ := cmd.Flags().GetString("log-level")
	switch strings.ToLower(name) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
