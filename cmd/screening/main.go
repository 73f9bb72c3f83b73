package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AaronLay10/ScreeningEngine/internal/registry"
	"github.com/AaronLay10/ScreeningEngine/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "screening",
		Short:        "Vision screening workflow engine",
		SilenceUsage: true,
		Version:      version.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.AddCommand(newServeCmd(), newCheckRegistryCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		Long:  `The serve command opens the configured store, loads the stage registry and serves the episode API until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "unit.yaml", "path to the unit configuration")
	return cmd
}

func newCheckRegistryCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "check-registry",
		Short: "Validate a stage registry",
		Long:  `The check-registry command loads a stage registry and runs every load-time check, including the branch partition proof. Without --file the built-in pathway is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pathway %s: %d stages, initial %s\n", reg.Pathway(), len(reg.Stages()), reg.Initial())
			for _, id := range reg.Stages() {
				next, err := reg.LegalSuccessors(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  %-22s -> %v\n", id, next)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "registry YAML file (defaults to the built-in pathway)")
	return cmd
}

func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default()
	}
	return registry.LoadFile(path)
}
