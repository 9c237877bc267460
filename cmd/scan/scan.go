package scan

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	serverCmd "github.com/sidkik/sup/cmd/server"
	"github.com/sidkik/sup/cmd/util"
	"github.com/sidkik/sup/pkg/config"
	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/scan"
)

// Mocked out for unit testing.
var (
	parseConfig = config.ParseServer
	scanOnce    = scan.Run
	scanWatch   = scan.Watch
)

// New creates a new `scan` command.
func New() *cobra.Command {
	var configPath string
	var watch bool
	cmd := &cobra.Command{
		Use:   "scan [collection ...]",
		Short: "Write the scan files of served collections",
		Long: "Walks the named collections, or every served collection if none " +
			"are named, and writes the listing that the server reads instead " +
			"of walking the collection for every session.",
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := util.SignalContext()
			defer cancel()

			if err := run(ctx, configPath, args, watch); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", serverCmd.DefaultConfigPath,
		"The path to the server config")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false,
		"Keep running, and rescan whenever a collection changes")
	return cmd
}

func run(ctx context.Context, configPath string, names []string, watch bool) error {
	cfg, err := parseConfig(configPath)
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	colls, err := selectCollections(cfg, names)
	if err != nil {
		return err
	}

	if !watch {
		for _, coll := range colls {
			if err := scanOnce(ctx, coll); err != nil {
				return errors.WithContext(err, "scan "+coll.Name)
			}
		}
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, coll := range colls {
		coll := coll
		g.Go(func() error {
			defer util.HandlePanic()
			return errors.WithContext(scanWatch(ctx, coll), "watch "+coll.Name)
		})
	}
	return g.Wait()
}

func selectCollections(cfg config.Server, names []string) ([]config.ServedCollection, error) {
	if len(names) == 0 {
		return cfg.Collections, nil
	}

	byName := map[string]config.ServedCollection{}
	for _, coll := range cfg.Collections {
		byName[coll.Name] = coll
	}

	var selected []config.ServedCollection
	for _, name := range names {
		coll, ok := byName[name]
		if !ok {
			return nil, errors.NewFriendlyError("Collection %q isn't served "+
				"according to %q.", name, cfg.GetPath())
		}
		selected = append(selected, coll)
	}
	return selected, nil
}
