package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/toe/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults and TOE_* environment overrides.

Examples:
  toe config show
  toe config show -c config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runConfigShow(configFile, cmd.OutOrStdout()); err != nil {
			exitWithError("failed to show config", err)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(path string, w io.Writer) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	doc := struct {
		TOE *config.GlobalConfig `yaml:"toe"`
	}{cfg}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
