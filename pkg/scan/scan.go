// Package scan builds the listings that servers offer to clients.
//
// A server either walks a collection for every session, or reads the scan
// file that `sup scan` keeps up to date. Both go through Walk, so the two
// listings are the same.
package scan

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/sup/pkg/config"
	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/fswatch"
	"github.com/sidkik/sup/pkg/registry"
)

// Mocked out for unit testing.
var (
	fs    = afero.NewOsFs()
	watch = fswatch.Watch
)

// lockRetryDelay is how often Run retries the collection lock while
// sessions hold it.
const lockRetryDelay = time.Second

// Run rescans coll and replaces its scan file. It waits for running
// sessions to release the collection lock.
func Run(ctx context.Context, coll config.ServedCollection) error {
	rules, err := NewRules(coll)
	if err != nil {
		return errors.WithContext(err, "parse rules")
	}

	if err := fs.MkdirAll(coll.StateDir, 0755); err != nil {
		return errors.WithContext(err, "create state directory")
	}

	lock := flock.New(LockPath(coll))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return errors.WithContext(err, "lock collection")
	}
	if !locked {
		return errors.New("collection %s is locked", coll.Name)
	}
	defer lock.Unlock()

	return scanOnce(ctx, coll, rules)
}

func scanOnce(ctx context.Context, coll config.ServedCollection, rules *Rules) error {
	start := time.Now()
	reg, err := Walk(ctx, coll.Root, rules)
	if err != nil {
		return err
	}

	if err := WriteFile(fs, FilePath(coll), start, reg); err != nil {
		return errors.WithContext(err, "write scan file")
	}

	var size int64
	for _, rec := range reg.Records(registry.Forward) {
		size += rec.Size
	}

	log.WithFields(log.Fields{
		"collection": coll.Name,
		"entries":    reg.Len(),
		"size":       humanize.Bytes(uint64(size)),
		"took":       time.Since(start).Round(time.Millisecond),
	}).Info("Scanned collection")
	return nil
}

// Watch rescans coll every time something under its root changes, until ctx
// is cancelled. Changes that arrive while a scan runs are coalesced into
// one rescan.
func Watch(ctx context.Context, coll config.ServedCollection) error {
	if err := Run(ctx, coll); err != nil {
		return err
	}

	rules, err := NewRules(coll)
	if err != nil {
		return errors.WithContext(err, "parse rules")
	}

	changes, closer, err := watch(coll.Root, rules.OmittedTree)
	if err != nil {
		return errors.WithContext(err, "watch collection")
	}
	defer closer.Close()

	log.WithField("collection", coll.Name).Info("Watching collection for changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		}

		if err := Run(ctx, coll); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).WithField("collection", coll.Name).Warn(
				"Failed to rescan collection. Will retry on the next change.")
		}
	}
}
