package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cmdwarden/internal/config"
)

var version = "0.1.0"

func main() {
	v := viper.New()
	config.SetDefaults(v)
	v.SetEnvPrefix("CMDWARDEN")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:     "cmdwardend",
		Short:   "cmdwardend gates shell commands against declarative rules",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return readConfigFile(v, cmd)
		},
	}
	root.PersistentFlags().String("config", "", "path to config.yaml (default: ~/.cmdwarden/config.yaml)")

	root.AddCommand(serveCmd(v))
	root.AddCommand(statusCmd(v))
	root.AddCommand(stopCmd(v))
	root.AddCommand(checkCmd(v))
	root.AddCommand(auditCmd(v))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cmdwardend: %v\n", err)
		os.Exit(1)
	}
}

// readConfigFile layers an optional YAML config file under the environment
// and flag values already bound to v. A missing default file is not an
// error; a missing explicitly named file is.
func readConfigFile(v *viper.Viper, cmd *cobra.Command) error {
	explicit, _ := cmd.Flags().GetString("config")
	path := explicit
	if path == "" {
		homeDir, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return nil
		}
		path = filepath.Join(homeDir, ".cmdwarden", "config.yaml")
	}

	v.SetConfigFile(path)
	if readErr := v.ReadInConfig(); readErr != nil {
		if explicit == "" && errors.Is(readErr, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s failed: %w", path, readErr)
	}
	return nil
}
