package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tesserafin/ledger-relay/relay/config"
	"github.com/tesserafin/ledger-relay/relay/core"
	"github.com/tesserafin/ledger-relay/relay/logger"
)

// Overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

const defaultHomeDirName = ".ledger-relay"

func InitRootCmd(rootCmd *cobra.Command) {
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(initConfigCmd())
	rootCmd.AddCommand(versionCmd())
}

// resolveHome expands an empty --home to ~/.ledger-relay.
func resolveHome(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultHomeDirName), nil
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the ledger relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome(cmd.Flag("home").Value.String())
			if err != nil {
				return err
			}

			cfg, err := config.Load(home)
			if err != nil {
				return fmt.Errorf("failed to load config from %s: %w", home, err)
			}
			if cfg.RelayHome == "" {
				cfg.RelayHome = home
			}

			log := logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler)

			client, err := core.NewFabricClient(&cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return client.Run(ctx)
		},
	}
	cmd.Flags().String("home", "", "relay home directory (default ~/"+defaultHomeDirName+")")
	return cmd
}

func initConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default config to the relay home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome(cmd.Flag("home").Value.String())
			if err != nil {
				return err
			}

			cfg, err := config.LoadDefaultConfig()
			if err != nil {
				return err
			}
			cfg.RelayHome = home

			if err := config.Save(cfg, home); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s/config/relay_config.json\n", home)
			return nil
		},
	}
	cmd.Flags().String("home", "", "relay home directory (default ~/"+defaultHomeDirName+")")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print relayd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Name:    relayd\n")
			fmt.Printf("Version: %s\n", Version)
			fmt.Printf("Commit:  %s\n", Commit)
		},
	}
}
