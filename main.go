package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	config   string
	port     int
	dbPath   string
	rpcURL   string
	keyFile  string
	logLevel string
	cliMode  bool
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "hybridvote",
		Short:         "Hybrid proof-of-work and quadratic voting consensus node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.config, "config", "c", "", "YAML config file")
	flags.IntVar(&opts.port, "port", 0, "API server port (overrides config)")
	flags.StringVar(&opts.dbPath, "db", "", "vote ledger database `path` (overrides config)")
	flags.StringVar(&opts.rpcURL, "rpc-url", "", "chain node JSON-RPC endpoint (default: in-process chain)")
	flags.StringVar(&opts.keyFile, "key-file", "", "hex-encoded secp256k1 private key file (default: ephemeral key)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&opts.cliMode, "cli", false, "Enable interactive CLI mode")
	return cmd
}

// loadConfig merges command line overrides into the loaded configuration.
func loadConfig(cmd *cobra.Command, opts options) (Config, error) {
	cfg, err := LoadConfig(opts.config)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.API.Port = opts.port
	}
	if flags.Changed("db") {
		cfg.Ledger.Path = opts.dbPath
	}
	if flags.Changed("rpc-url") {
		cfg.Chain.RPCURL = opts.rpcURL
	}
	if flags.Changed("key-file") {
		cfg.Node.KeyFile = opts.keyFile
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	return cfg, cfg.Validate()
}

func keyMaterial(cfg NodeConfig) (KeyMaterial, error) {
	if cfg.KeyFile != "" {
		return KeyFromFile(cfg.KeyFile), nil
	}
	return GenerateKey()
}

func run(cmd *cobra.Command, opts options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	logger, err := NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded", zap.Stringer("config", cfg))

	shutdownManager := NewGracefulShutdown(logger)
	shutdownManager.Register("logger", func() error {
		// stderr sync fails on some platforms; nothing to recover
		_ = logger.Sync()
		return nil
	})

	key, err := keyMaterial(cfg.Node)
	if err != nil {
		return fmt.Errorf("failed to prepare node key: %w", err)
	}

	node, err := NewAppNode(shutdownManager.Context(), cfg, key, logger)
	if err != nil {
		return fmt.Errorf("failed to create application node: %w", err)
	}
	shutdownManager.Register("node", node.Close)

	apiServer := NewAPIServer(node, shutdownManager, cfg.API.Port, logger)
	if err := apiServer.Start(); err != nil {
		_ = shutdownManager.Shutdown("startup failure")
		return fmt.Errorf("failed to start API server: %w", err)
	}
	shutdownManager.Register("api-server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Stop(ctx)
	})

	node.Start()

	if opts.cliMode {
		cli := NewCLI(node, cmd.InOrStdin(), cmd.OutOrStdout())
		cli.Start()
		return shutdownManager.Shutdown("cli exit")
	}

	shutdownManager.ListenAndServe()
	fmt.Fprintf(cmd.OutOrStdout(), "Node %s is running, API port %d. Press Ctrl+C to exit.\n", node.Address().ToHex(), cfg.API.Port)

	<-shutdownManager.Context().Done()
	return shutdownManager.Shutdown("manual shutdown")
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
