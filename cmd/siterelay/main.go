// Package main is the entry point for the siterelay binary.
package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/siterelay/pkg/config"
)

const defaultConfigPath = "siterelay.yaml"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for siterelay.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "siterelay",
		Short: "Multi-tenant relay for shared premium web accounts",
		Long: `siterelay serves configured upstream sites under /{site}/ paths,
attaching the rotating credentials of a shared account and rewriting pages so
that every link stays on the relay.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCmd(), newCheckConfigCmd(), newVersionCmd())
	return rootCmd
}

type serveOptions struct {
	configPath string
	logLevel   string
	pretty     bool
	watch      bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the data plane and admin servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	cmd.Flags().StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error); overrides the config")
	cmd.Flags().BoolVar(&opts.pretty, "pretty", false, "Human readable log output")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "Reload sites_file when it changes")
	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then print the sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			snapshot := config.BuildSnapshot(cfg.Sites, time.Now())
			fmt.Fprintf(out, "configuration ok: %d site(s), generation %s\n", len(snapshot.Sites), snapshot.Generation)
			names := snapshot.Names()
			sort.Strings(names)
			for _, name := range names {
				site := snapshot.Sites[name]
				fmt.Fprintf(out, "  /%s -> %s\n", name, site.Origin())
				for _, asset := range site.AssetDomains {
					fmt.Fprintf(out, "    %s -> %s\n", asset.To, asset.From)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "siterelay %s\n", version)
		},
	}
}
