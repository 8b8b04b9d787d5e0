// Command meshclient is the reference duskline transport client: it manages
// a local identity keystore and drives a Transport against a coordination
// server to exchange messages with peers.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/duskline/duskline/pkg/config"
	"github.com/duskline/duskline/pkg/identity"
	"github.com/duskline/duskline/pkg/keystore"
	"github.com/duskline/duskline/pkg/logging"
	"github.com/duskline/duskline/pkg/transport"
)

var (
	configPath   string
	keystorePath string
	passphrase   string
	logLevel     string
	logPretty    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meshclient",
		Short: "Manage a duskline identity and exchange messages over the mesh",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&keystorePath, "keystore", "", "path to the identity keystore (overrides config)")
	cmd.PersistentFlags().StringVar(&passphrase, "passphrase", os.Getenv("DUSKLINE_PASSPHRASE"), "keystore passphrase (defaults to $DUSKLINE_PASSPHRASE)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn, or error (overrides config)")
	cmd.PersistentFlags().BoolVar(&logPretty, "pretty", false, "render logs as human-readable console output")

	cmd.AddCommand(newKeygenCmd(), newAddressCmd(), newListenCmd(), newConnectCmd())
	return cmd
}

func loadConfig() *config.Config {
	cfg := config.Default()
	if configPath != "" {
		if loaded, err := config.Load(configPath); err == nil {
			cfg = loaded
		}
	}
	if keystorePath != "" {
		cfg.KeystorePath = keystorePath
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
	return cfg
}

func newKeygenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new identity keypair and write it to the keystore",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if passphrase == "" {
				return fmt.Errorf("a keystore passphrase is required (--passphrase or $DUSKLINE_PASSPHRASE)")
			}
			if keystore.Exists(cfg.KeystorePath) && !force {
				return fmt.Errorf("keystore already exists at %s (use --force to overwrite)", cfg.KeystorePath)
			}
			priv, err := identity.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}
			if err := keystore.Save(priv, passphrase, cfg.KeystorePath); err != nil {
				return fmt.Errorf("save keystore: %w", err)
			}
			addr, err := identity.DeriveAddress(priv.Public())
			if err != nil {
				return fmt.Errorf("derive address: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote keystore %s\naddress: %s\n", cfg.KeystorePath, addr.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing keystore")
	return cmd
}

func newAddressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print this node's own address",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			priv, err := openKeystore(cfg)
			if err != nil {
				return err
			}
			addr, err := identity.DeriveAddress(priv.Public())
			if err != nil {
				return fmt.Errorf("derive address: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr.String())
			return nil
		},
	}
}

func newListenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Register with the coordination server and accept inbound connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logging.Init(cfg.LogLevel, cfg.LogPretty)
			log := logging.For("meshclient")
			priv, err := openKeystore(cfg)
			if err != nil {
				return err
			}
			addr, err := identity.DeriveAddress(priv.Public())
			if err != nil {
				return fmt.Errorf("derive address: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() { <-sigCh; cancel() }()

			tr, err := transport.Bind(ctx, cfg.Listen, addr, priv, cfg.Server, transportConfig(cfg))
			if err != nil {
				return fmt.Errorf("bind transport: %w", err)
			}
			defer tr.Close()
			log.Info().Stringer("local", tr.LocalAddr()).Str("address", addr.String()).Msg("listening for peers")

			for {
				conn, err := tr.Accept(ctx)
				if err != nil {
					return fmt.Errorf("accept: %w", err)
				}
				log.Info().Str("peer", conn.PeerAddress().String()).Msg("connection established")
				go echoLoop(conn)
			}
		},
	}
}

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect [peer-address]",
		Short: "Connect to a peer and relay stdin/stdout as messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logging.Init(cfg.LogLevel, cfg.LogPretty)
			log := logging.For("meshclient")
			priv, err := openKeystore(cfg)
			if err != nil {
				return err
			}
			ourAddr, err := identity.DeriveAddress(priv.Public())
			if err != nil {
				return fmt.Errorf("derive address: %w", err)
			}
			peerAddr, err := identity.ParseAddress(args[0])
			if err != nil {
				return fmt.Errorf("parse peer address: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() { <-sigCh; cancel() }()

			tr, err := transport.Bind(ctx, cfg.Listen, ourAddr, priv, cfg.Server, transportConfig(cfg))
			if err != nil {
				return fmt.Errorf("bind transport: %w", err)
			}
			defer tr.Close()

			conn, err := tr.Connect(ctx, peerAddr)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", peerAddr.String(), err)
			}
			log.Info().Str("peer", peerAddr.String()).Msg("connected")

			go func() {
				for {
					msg, err := conn.Recv()
					if err != nil {
						return
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s> %s\n", peerAddr.String(), msg)
				}
			}()

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				if err := conn.Send(scanner.Bytes()); err != nil {
					return fmt.Errorf("send: %w", err)
				}
			}
			return nil
		},
	}
}

func echoLoop(conn interface {
	Recv() ([]byte, error)
	Send([]byte) error
}) {
	for {
		msg, err := conn.Recv()
		if err != nil {
			return
		}
		_ = conn.Send(msg)
	}
}

func openKeystore(cfg *config.Config) (*identity.PrivateKey, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("a keystore passphrase is required (--passphrase or $DUSKLINE_PASSPHRASE)")
	}
	priv, err := keystore.Load(passphrase, cfg.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("load keystore %s: %w", cfg.KeystorePath, err)
	}
	return priv, nil
}

func transportConfig(cfg *config.Config) transport.Config {
	tc := transport.DefaultConfig()
	tc.Peer.HeartbeatInterval = cfg.Heartbeat.PeerInterval
	tc.Peer.IdleTimeout = cfg.Heartbeat.IdleTimeout
	tc.Peer.RotationRetryLimit = cfg.Rotation.RetryLimit
	tc.Peer.RotationRetryDelay = cfg.Rotation.RetryDelay
	tc.Discovery.ServerInterval = cfg.Heartbeat.ServerInterval
	tc.Discovery.IdleMissedLimit = cfg.Heartbeat.MissedLimit
	tc.RotationInterval = cfg.Rotation.Interval
	return tc
}
