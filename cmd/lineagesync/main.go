package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/lineagesync/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	envFiles []string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "lineagesync",
		Short:        "Keep a lineage graph in step with its cohort event feed",
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files to load before reading LINEAGESYNC_* variables")
	root.AddCommand(
		newServeCommand(opts),
		newCheckpointCommand(opts),
		newValidateCommand(),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.envFiles...)
}

// newLogger builds a json production logger or a console development
// logger at the given level.
func newLogger(level, format string) (*zap.Logger, error) {
	atomic, err := zap.ParseAtomicLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, err
	}
	var cfg zap.Config
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = atomic
	return cfg.Build()
}
