package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/toe/internal/config"
	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/log"
	"firestige.xyz/toe/internal/metrics"
	"firestige.xyz/toe/internal/replay"
	"firestige.xyz/toe/internal/rxengine"
	"firestige.xyz/toe/internal/source/pcapfile"
)

type replayOptions struct {
	File          string
	TraceOut      string
	Progress      bool
	MetricsListen string
}

var replayOpts replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a pcap capture through the receive engine",
	Long: `
Replay the TCP/IPv4 packets of a pcap file through the receive engine and print
a summary of what the engine produced.

Packets toward the configured listening ports are fed to the engine. Packets
from those ports stand in for the transmit side and advance its sequence state.
The configuration must name at least one port in engine.listen_ports.

Examples:
  toe replay -f capture.pcap -c config.yml                          # replay with config.yml
  toe replay -f capture.pcap -c config.yml --trace-out trace.bin    # also write the output trace
  toe replay -f capture.pcap -c config.yml --metrics-listen :9091   # serve metrics while replaying
`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configFile)
		if err != nil {
			exitWithError("failed to load config", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runReplay(ctx, cfg, replayOpts, cmd.OutOrStdout()); err != nil {
			exitWithError("replay failed", err)
		}
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayOpts.File, "file", "f", "", "pcap file to replay (required)")
	replayCmd.Flags().StringVar(&replayOpts.TraceOut, "trace-out", "", "write events and notifications to this file")
	replayCmd.Flags().BoolVar(&replayOpts.Progress, "progress", false, "show a progress bar on stderr")
	replayCmd.Flags().StringVar(&replayOpts.MetricsListen, "metrics-listen", "",
		"serve Prometheus metrics on this address (overrides metrics.listen)")
	replayCmd.MarkFlagRequired("file")
}

func runReplay(ctx context.Context, cfg *config.GlobalConfig, o replayOptions, out io.Writer) error {
	if err := log.Init(&cfg.Log); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger := log.GetLogger().WithField("file", o.File)

	// Without a listening port every inbound segment would be answered with RST.
	if len(cfg.Engine.ListenPorts) == 0 {
		return fmt.Errorf("%w: replay needs at least one engine.listen_ports entry", core.ErrConfigInvalid)
	}
	ports := make([]uint16, 0, len(cfg.Engine.ListenPorts))
	for _, p := range cfg.Engine.ListenPorts {
		ports = append(ports, uint16(p))
	}

	listen := o.MetricsListen
	if listen == "" && cfg.Metrics.Enabled {
		listen = cfg.Metrics.Listen
	}
	if listen != "" {
		srv := metrics.NewServer(listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	src, err := pcapfile.Open(o.File, ports)
	if err != nil {
		return err
	}
	defer src.Close()

	opts := replay.Options{
		Engine:      rxengine.ConfigFrom(cfg.Engine),
		MaxSessions: cfg.Engine.MaxSessions,
		ListenPorts: ports,
	}
	if o.TraceOut != "" {
		f, err := os.Create(o.TraceOut)
		if err != nil {
			return fmt.Errorf("failed to create trace file: %w", err)
		}
		defer f.Close()
		opts.Trace = f
	}
	if o.Progress {
		opts.Progress = os.Stderr
	}

	d, err := replay.New(opts)
	if err != nil {
		return err
	}
	defer d.Close()

	logger.Info("replay starting")
	rep, err := d.Run(ctx, src)
	if err != nil {
		return fmt.Errorf("replay %s: %w", o.File, err)
	}
	st := src.Stats()
	logger.WithFields(map[string]interface{}{
		"frames":   st.Frames,
		"filtered": st.Filtered,
		"errors":   st.Errors,
	}).Info("replay finished")

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}
