package sync

import (
	"os"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/exclude"
	"github.com/sidkik/sup/pkg/registry"
)

var errNotEmpty = errors.New("directory not empty")

// Delete removes entries that were removed on the server. recs must be
// ordered so that every entry comes before its directory, as in
// Plan.Deletes. Entries that can't be removed are marked with FlagKeep so
// they stay tracked.
func (e *Engine) Delete(recs []*registry.FileRecord) {
	for _, rec := range recs {
		err := e.remove(rec.Path)
		switch {
		case err == nil:
			e.stats.Deleted++
		case err == errNotEmpty:
			rec.Set(registry.FlagKeep)
			log.WithField("path", rec.Path).Info(
				"Not deleting directory that contains untracked files")
		default:
			rec.Set(registry.FlagKeep)
			e.problem(rec.Path, "delete", err)
		}
	}
}

func (e *Engine) remove(p string) error {
	target, err := e.resolve(p)
	if err == errLinkedParent {
		// The entry's directory was replaced by a symlink, so there's
		// nothing left of it in the prefix.
		return nil
	}
	if err != nil {
		return err
	}

	fi, err := lstat(e.fs, target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WithContext(err, "lstat")
	}

	if !fi.IsDir() {
		if err := e.fs.Remove(target); err != nil && !os.IsNotExist(err) {
			return errors.WithContext(err, "remove")
		}
		return nil
	}

	err = e.fs.Remove(target)
	switch {
	case err == nil || os.IsNotExist(err):
		return nil
	case isNotEmpty(err):
		return errNotEmpty
	case !os.IsPermission(err):
		return errors.WithContext(err, "rmdir")
	}

	// A permission bit is in the way. Force the removal, then retry.
	if err := e.fs.Chmod(target, 0700); err != nil {
		return errors.WithContext(err, "chmod")
	}

	if err := e.fs.RemoveAll(target); err != nil {
		return errors.WithContext(err, "force remove")
	}

	if err := e.fs.Remove(target); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "rmdir")
	}
	return nil
}

func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}

// NextLast returns the listing to persist as the new baseline: every listed
// entry that wasn't refused, plus the entries of last that are still
// tracked because they were kept.
func (e *Engine) NextLast(listing, last *registry.Registry, refuse *exclude.Set) *registry.Registry {
	next := registry.New()
	listing.Walk(registry.Forward, func(rec *registry.FileRecord) error {
		if !refuse.Match(rec.Path) {
			next.Insert(rec.Path)
		}
		return nil
	})

	last.Walk(registry.Forward, func(rec *registry.FileRecord) error {
		if rec.Flags.Has(registry.FlagKeep) {
			next.Insert(rec.Path)
		}
		return nil
	})
	return next
}
