// Package main provides the ferrogw-cli command-line tool for managing the gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/ai-gateway/config"
	"github.com/ferro-labs/ai-gateway/internal/version"
	"github.com/ferro-labs/ai-gateway/plugin"
	"github.com/ferro-labs/ai-gateway/providers"
	"github.com/ferro-labs/ai-gateway/router"

	// Register built-in plugins so they appear in the plugin list.
	_ "github.com/ferro-labs/ai-gateway/internal/plugins/cache"
	_ "github.com/ferro-labs/ai-gateway/internal/plugins/logger"
	_ "github.com/ferro-labs/ai-gateway/internal/plugins/maxtoken"
	_ "github.com/ferro-labs/ai-gateway/internal/plugins/wordfilter"
)

func main() {
	root := &cobra.Command{
		Use:   "ferrogw-cli",
		Short: "Command line tool for the FerroGateway AI router",
	}

	root.AddCommand(
		newValidateCmd(),
		newRouteCmd(),
		newPluginsCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a gateway configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			fmt.Println("config is valid")
			fmt.Printf("  strategy:  %s\n", cfg.Routing.DefaultStrategy)
			fmt.Printf("  providers: %d\n", len(cfg.Providers))
			fmt.Printf("  channels:  %d\n", len(cfg.Channels))
			for _, ch := range cfg.Channels {
				fmt.Printf("    - %s -> %s (%s)\n", ch.ID, ch.Provider, ch.DeclaredModel)
			}
			return nil
		},
	}
}

// newRouteCmd builds a router from a config file without dispatching to any
// provider, runs discovery/scoring for a virtual model string, and prints
// the provider and model it resolves to. Useful for debugging tag and size-filter queries
// without spending a real request.
func newRouteCmd() *cobra.Command {
	var strategyOverride string

	cmd := &cobra.Command{
		Use:   "route <config-file> <virtual-model>",
		Short: "Dry-run candidate discovery and scoring for a virtual model string",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			query := args[1]
			if strategyOverride != "" {
				query = query + "|" + strategyOverride
			}

			r := router.NewFromConfig(cfg)
			for _, p := range cfg.Providers {
				r.RegisterProvider(&dryRunProvider{name: p.Name})
			}

			resp, err := r.Route(context.Background(), providers.Request{Model: query})
			if err != nil {
				return fmt.Errorf("no route found: %w", err)
			}
			fmt.Printf("resolved %q -> provider=%s model=%s\n", query, resp.Provider, resp.Model)
			return nil
		},
	}
	cmd.Flags().StringVar(&strategyOverride, "strategy", "", "override the configured default scoring strategy")
	return cmd
}

// dryRunProvider never actually calls an upstream; it only proves out which
// provider/model the router would have dispatched to.
type dryRunProvider struct{ name string }

func (d *dryRunProvider) Name() string { return d.name }
func (d *dryRunProvider) Complete(ctx context.Context, req providers.Request) (*providers.Response, error) {
	return &providers.Response{ID: "dry-run", Model: req.Model, Provider: d.name}, nil
}
func (d *dryRunProvider) SupportedModels() []string     { return nil }
func (d *dryRunProvider) SupportsModel(m string) bool   { return true }
func (d *dryRunProvider) Models() []providers.ModelInfo { return nil }

func newPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List all registered plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := plugin.RegisteredPlugins()
			if len(names) == 0 {
				fmt.Println("no plugins registered")
				return nil
			}
			for _, name := range names {
				factory, _ := plugin.GetFactory(name)
				p := factory()
				fmt.Printf("  %-20s type=%s\n", name, p.Type())
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.String())
			return nil
		},
	}
}
