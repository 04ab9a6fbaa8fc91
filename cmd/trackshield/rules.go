package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"trackshield/internal/compiler"
	"trackshield/internal/dnr"
	"trackshield/internal/filterlist"
	"trackshield/pkg/domain"
)

var (
	rulesMode    string
	rulesTrusted []string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the compiled ruleset for a privacy mode",
	Long: `Compiles the configured tracker list for the given mode and prints the
resulting rules as JSON. The ruleset is validated by the same engine used
at runtime, so a rule the engine would reject fails here too.`,
	RunE: runRules,
}

func init() {
	rulesCmd.Flags().StringVar(&rulesMode, "mode", string(domain.DefaultMode), "privacy mode (low, moderate, strict)")
	rulesCmd.Flags().StringSliceVar(&rulesTrusted, "trusted", nil, "trusted base domains to exclude as initiators")
}

func runRules(cmd *cobra.Command, _ []string) error {
	mode, err := domain.ParsePrivacyMode(rulesMode)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	patterns, err := filterlist.Resolve(cfg.Filter.Patterns, cfg.Filter.ListPath)
	if err != nil {
		return err
	}

	rules := compiler.Build(mode, patterns, rulesTrusted)
	if err := dnr.New().ReplaceRules(context.Background(), nil, rules); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRuleRejected, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rules)
}
