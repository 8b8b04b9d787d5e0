// Command coordserver runs the stateless UDP coordination server that lets
// duskline nodes register their endpoint and rendezvous with peers.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/duskline/duskline/pkg/config"
	"github.com/duskline/duskline/pkg/coordserver"
	"github.com/duskline/duskline/pkg/logging"
)

var (
	configPath string
	listenAddr string
	logLevel   string
	logPretty  bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordserver [listen-address]",
		Short: "Run the duskline coordination server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServer,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "UDP address to bind (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn, or error (overrides config)")
	cmd.Flags().BoolVar(&logPretty, "pretty", false, "render logs as human-readable console output")

	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "config-init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Write(config.Default(), out); err != nil {
				return fmt.Errorf("write default config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "coordserver.yaml", "output path")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if len(args) == 1 {
		cfg.Server = args[0]
	}
	if listenAddr != "" {
		cfg.Server = listenAddr
	}
	if os.Getenv("LOG_LEVEL") != "" {
		cfg.LogLevel = logging.LevelFromEnv()
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logPretty {
		cfg.LogPretty = true
	}
	logging.Init(cfg.LogLevel, cfg.LogPretty)
	log := logging.For("coordserver")

	opts := []coordserver.Option{
		coordserver.WithRegistrationTimeout(cfg.RegistrationTimeout),
		coordserver.WithEvictionInterval(cfg.EvictionInterval),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		opts = append(opts, coordserver.WithClientStore(coordserver.NewRedisClientStore(rdb, "duskline")))
		log.Info().Str("redis_addr", cfg.RedisAddr).Msg("using Redis-backed client registry")
	}

	srv, err := coordserver.New(cfg.Server, opts...)
	if err != nil {
		return fmt.Errorf("start coordination server: %w", err)
	}
	log.Info().Stringer("listen", srv.LocalAddr()).Msg("coordination server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case sig := <-sigCh:
		log.Info().Stringer("signal", sig).Msg("shutting down")
		return srv.Close()
	}
}
