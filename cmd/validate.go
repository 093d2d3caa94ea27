package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/toe/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the engine.

Examples:
  toe validate -c config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, cmd.OutOrStdout()); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(path string, w io.Writer) error {
	if path == "" {
		return errors.New("no config file given (use -c)")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	e := cfg.Engine
	fmt.Fprintf(w, "VALID: %s - queue depth %d, %d byte buffers, %d session(s), %d listening port(s)\n",
		path, e.QueueDepth, e.RxBufferSize, e.MaxSessions, len(e.ListenPorts))
	return nil
}
