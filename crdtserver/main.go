package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"crdtkit/config"
)

var logger = logging.Logger("crdtserver")

var (
	configPath string
	storeType  string
	storePath  string

	rootCmd = &cobra.Command{
		Use:   "crdtserver",
		Short: "Run and inspect replicated CRDT journals",
		Long: `crdtserver hosts a replicated counter and member set backed by
durable journals, and offers tools to inspect and compact journals offline.`,
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Start a replica node with its HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runNode,
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [journal path]",
		Short: "Replay a journal and print the resulting state",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	compactCmd = &cobra.Command{
		Use:   "compact [journal path]",
		Short: "Rewrite a journal as a single snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompact,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "crdtkit.yaml", "Path to the YAML configuration file")

	for _, cmd := range []*cobra.Command{inspectCmd, compactCmd} {
		cmd.Flags().StringVarP(&journalType, "type", "t", typePNCounter,
			"Journal value type (pncounter, gcounter, orset, mvregister)")
		cmd.Flags().StringVar(&storeType, "storage", "", "Override storage.type from the configuration")
		cmd.Flags().StringVar(&storePath, "storage-path", "", "Override storage.path from the configuration")
	}

	rootCmd.AddCommand(runCmd, inspectCmd, compactCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the log level.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if storeType != "" {
		cfg.Storage.Type = storeType
	}
	if storePath != "" {
		cfg.Storage.Path = storePath
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.SetLogLevel("*", cfg.Node.LogLevel); err != nil {
		return cfg, fmt.Errorf("invalid log level %q: %w", cfg.Node.LogLevel, err)
	}
	return cfg, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := NewNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Errorf("Error closing node: %v", err)
		}
	}()

	logger.Infof("Node %d started", node.Replica())
	if err := node.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("Shutting down...")
	return nil
}
