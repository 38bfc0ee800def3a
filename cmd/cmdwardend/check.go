package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cmdwarden/internal/config"
	"cmdwarden/internal/rules"
)

func checkCmd(v *viper.Viper) *cobra.Command {
	command := &cobra.Command{
		Use:   "check [dir]",
		Short: "Validate rule files without starting the daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, configErr := config.Load(v)
			if configErr != nil {
				return configErr
			}
			workingDir := ""
			if len(args) == 1 {
				workingDir = args[0]
			} else if cwd, cwdErr := os.Getwd(); cwdErr == nil {
				workingDir = cwd
			}
			return runCheck(cfg, workingDir)
		},
	}
	return command
}

func runCheck(cfg config.Config, workingDir string) error {
	store := rules.NewStore([]rules.Source{
		{Path: cfg.DefaultRules, Scope: rules.ScopeDefault},
		{Path: cfg.GlobalRules, Scope: rules.ScopeGlobal},
	}, cfg.LocalRulesName, nil)

	ruleSet, failures := store.Check(workingDir)
	for _, failure := range failures {
		fmt.Fprintf(os.Stderr, "error: %v\n", failure)
	}
	fmt.Printf("%d rules loaded\n", ruleSet.Len())
	if len(failures) > 0 {
		os.Exit(1)
	}
	return nil
}
