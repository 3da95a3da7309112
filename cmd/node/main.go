// Command node runs one member of the messaging cluster. Flags follow
// spec §6's CLI contract; --config optionally loads a YAML file with the
// same fields, which flags then override, following the cobra/pflag +
// yaml.v3 idiom of ChuLiYu-raft-recovery and cuemby-warren.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aecra/msgcluster/node"
)

// fileConfig mirrors node.Config's CLI-settable fields for YAML loading.
type fileConfig struct {
	ID              string   `yaml:"id"`
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	Peers           []string `yaml:"peers"`
	ReplicationMode string   `yaml:"replication_mode"`
	Quorum          int      `yaml:"quorum"`
	DataDir         string   `yaml:"data_dir"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		host            string
		port            int
		id              string
		peers           string
		replicationMode string
		quorum          int
		dataDir         string
		configPath      string
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "run one member of the distributed messaging cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := node.Config{
				ID:              id,
				Host:            host,
				Port:            port,
				ReplicationMode: replicationMode,
				Quorum:          quorum,
				DataDir:         dataDir,
			}
			if peers != "" {
				cfg.Peers = strings.Split(peers, ",")
			}

			if configPath != "" {
				fc, err := loadFileConfig(configPath)
				if err != nil {
					return err
				}
				applyFileConfig(&cfg, fc, cmd)
			}

			if cfg.ID == "" {
				return fmt.Errorf("--id is required")
			}
			if cfg.DataDir == "" {
				cfg.DataDir = "."
			}

			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
				With().Timestamp().Logger()

			return run(cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&host, "host", "127.0.0.1", "bind host")
	flags.IntVar(&port, "port", 8080, "bind port")
	flags.StringVar(&id, "id", "", "this node's identifier (required)")
	flags.StringVar(&peers, "peers", "", "comma-separated peer URLs")
	flags.StringVar(&replicationMode, "replication_mode", "async", "async or sync_quorum")
	flags.IntVar(&quorum, "quorum", 0, "quorum size (0 = majority)")
	flags.StringVar(&dataDir, "data_dir", "", "directory for the durable log store")
	flags.StringVar(&configPath, "config", "", "optional YAML config file")

	return cmd
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fc, fmt.Errorf("parse config: %w", err)
	}
	return fc, nil
}

// applyFileConfig fills in any field the user did not pass as a flag
// from the loaded file; explicit flags always win.
func applyFileConfig(cfg *node.Config, fc fileConfig, cmd *cobra.Command) {
	if !cmd.Flags().Changed("id") && fc.ID != "" {
		cfg.ID = fc.ID
	}
	if !cmd.Flags().Changed("host") && fc.Host != "" {
		cfg.Host = fc.Host
	}
	if !cmd.Flags().Changed("port") && fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if !cmd.Flags().Changed("peers") && len(fc.Peers) > 0 {
		cfg.Peers = fc.Peers
	}
	if !cmd.Flags().Changed("replication_mode") && fc.ReplicationMode != "" {
		cfg.ReplicationMode = fc.ReplicationMode
	}
	if !cmd.Flags().Changed("quorum") && fc.Quorum != 0 {
		cfg.Quorum = fc.Quorum
	}
	if !cmd.Flags().Changed("data_dir") && fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
}

func run(cfg node.Config, logger zerolog.Logger) error {
	n, err := node.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("persistence_fatal: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- n.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("bind failure: %w", err)
		}
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return n.Stop(ctx)
	}
	return nil
}
