// Package main trackshield 命令行入口
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"trackshield/internal/config"
	"trackshield/internal/logger"
)

var (
	// Version 版本信息，构建时通过 ldflags 注入
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trackshield",
	Short: "Tracker mitigation for Chrome over the DevTools protocol",
	Long: `trackshield attaches to a Chrome instance, blocks known trackers with a
declarative ruleset, and gates navigation to new sites behind a local
decision page offering enter-once, trust and preview.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		if jsonOutput {
			_ = json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
				"version": Version, "commit": Commit, "buildTime": BuildTime,
			})
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "trackshield %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	},
}

var jsonOutput bool

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+")")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig 读取配置并创建日志器
func loadConfig() (*config.Config, logger.Logger, error) {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Writers: cfg.Log.Writer, File: cfg.Log.File})
	return cfg, log, nil
}
