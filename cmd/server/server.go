package server

import (
	"github.com/spf13/cobra"

	"github.com/sidkik/sup/cmd/util"
	"github.com/sidkik/sup/pkg/config"
	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/sync/server"
)

// DefaultConfigPath is where the server config is read from unless another
// path is given.
const DefaultConfigPath = "/etc/sup/server.yaml"

// New creates a new `server` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve collections to sup clients",
		Run: func(_ *cobra.Command, _ []string) {
			cfg, err := config.ParseServer(configPath)
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse config"))
			}

			ctx, cancel := util.SignalContext()
			defer cancel()
			if err := server.Run(ctx, cfg); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", DefaultConfigPath,
		"The path to the server config")
	return cmd
}
