// Package command wires the meshlink subcommands.
package command

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/highdesert/meshlink/internal/config"
)

const AppName = "meshlink"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Meshlink - file-coordinated mesh radio personas",
		Long:          "Meshlink couples a mesh radio bridge and an inference agent through shared record files on disk.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "meshlink.yaml", "path to the configuration file")
	cmd.PersistentFlags().Bool("verbose", false, "enable debug logging")

	cmd.AddCommand(
		NewBridgeCmd(),
		NewAgentCmd(),
		NewStatusCmd(),
	)

	return cmd
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd(Version).Execute()
}

// loadEnv resolves the config and logger shared by every subcommand.
func loadEnv(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := zcfg.Build()
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}
