package client

import (
	"context"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/sup/cmd/util"
	"github.com/sidkik/sup/pkg/config"
	"github.com/sidkik/sup/pkg/errors"
	syncClient "github.com/sidkik/sup/pkg/sync/client"
)

// Mocked out for unit testing.
var (
	parseConfig = config.ParseClient
	hostname    = os.Hostname
	runSync     = func(ctx context.Context, coll config.Collection, host string) (
		syncClient.Result, error) {
		return syncClient.New(coll, host).Run(ctx)
	}
)

// New creates a new `client` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "client [collection ...]",
		Short: "Bring collections up to date with their servers",
		Long: "Syncs the named collections, or every collection in the client " +
			"config if none are named. Each collection is synced from the " +
			"first of its hosts that accepts the session.",
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := util.SignalContext()
			defer cancel()

			if err := run(ctx, configPath, args); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.ClientConfigPath,
		"The path to the client config")
	return cmd
}

func run(ctx context.Context, configPath string, names []string) error {
	cfg, err := parseConfig(configPath)
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	colls, err := cfg.Select(names...)
	if err != nil {
		return err
	}

	host := cfg.Hostname
	if host == "" {
		if host, err = hostname(); err != nil {
			return errors.WithContext(err, "get hostname")
		}
	}

	// A collection that fails doesn't stop the others from syncing.
	var failed []string
	for _, coll := range colls {
		if ctx.Err() != nil {
			failed = append(failed, coll.Name)
			continue
		}

		result, err := runSync(ctx, coll, host)
		logger := log.WithField("collection", coll.Name)
		if err != nil {
			logger.WithError(err).Error(errors.GetPrintableMessage(err))
			failed = append(failed, coll.Name)
			continue
		}

		for _, problem := range result.Problems {
			logger.WithField("path", problem.Path).Debug(problem.String())
		}
		logger.WithFields(log.Fields{
			"host":     result.Host,
			"received": humanize.Bytes(uint64(result.Stats.Bytes)),
		}).Debug("Collection synced")
	}

	if len(failed) != 0 {
		return errors.NewFriendlyError("Failed to sync %s.", strings.Join(failed, ", "))
	}
	return nil
}
