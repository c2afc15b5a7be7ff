package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/bookget/capture/internal/config"
	"github.com/bookget/capture/internal/utils"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
	logFile    string
	insecure   bool
	timeout    time.Duration
	userAgent  string
	headers    []string
)

var CaptureVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "bookget-capture",
	Short:   "bookget-capture saves images served to a browsing surface",
	Version: CaptureVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug)
		if logFile == "" {
			return nil
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("error opening log file: %w", err)
		}
		utils.SetLogOutput(f, true)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadSettings reads the config file and applies the global flag overrides.
func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	settings, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("insecure") {
		settings.Global.InsecureTLS = insecure
	}
	if flags.Changed("timeout") {
		settings.Global.Timeout = timeout
	}
	if flags.Changed("user-agent") {
		settings.Global.UserAgent = userAgent
	}
	return settings, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML settings file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Retrieval timeout (eg. 30s, 5m)")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", "", "User agent ('randomize' picks a browser one)")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Referer: https://example.com/'); can be specified multiple times")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newChannelCmd())
	rootCmd.AddCommand(newCleanCmd())
}
