package sync

import (
	"os"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/exclude"
	"github.com/sidkik/sup/pkg/registry"
)

// Plan is the work a session has to do.
type Plan struct {
	// Needs are requested from the server, in the order they should be sent:
	// files and symlinks first, then directories from the shallowest to the
	// deepest.
	Needs []*registry.FileRecord

	// Deletes are entries of the last sync that were removed on the server.
	// Every entry appears before the directory that contains it.
	Deletes []*registry.FileRecord
}

// localEntry is the state of an entry in the prefix.
type localEntry struct {
	kind       registry.Kind
	known      bool
	mode       os.FileMode
	modTime    time.Time
	uid, gid   int
	hasOwner   bool
	linkTarget string
}

// Plan decides what to request from the server and what to delete. Entries
// of last that are refused, or that can't be deleted because deletion is
// disabled, are marked with FlagKeep so they stay tracked. Listed entries
// that can't be installed inside the prefix are removed from listing.
func (e *Engine) Plan(listing, last *registry.Registry, refuse *exclude.Set) Plan {
	var plan Plan
	var dirs []*registry.FileRecord

	e.dropUnsafe(listing)
	e.listing = listing

	listing.Walk(registry.Forward, func(rec *registry.FileRecord) error {
		if refuse.Match(rec.Path) {
			return nil
		}

		need, ok := e.need(rec)
		if !ok {
			return nil
		}

		e.planned[need.Path] = need
		if need.Kind == registry.KindDirectory {
			dirs = append(dirs, need)
		} else {
			plan.Needs = append(plan.Needs, need)
		}
		return nil
	})
	plan.Needs = append(plan.Needs, dirs...)

	last.Walk(registry.Reverse, func(rec *registry.FileRecord) error {
		if _, ok := listing.Lookup(rec.Path); ok || rec.Path == "." {
			return nil
		}

		if !registry.ValidPath(rec.Path) {
			e.problem(rec.Path, "delete", errors.New("path leaves the prefix"))
			return nil
		}

		if refuse.Match(rec.Path) || !e.opts.Delete {
			rec.Set(registry.FlagKeep)
			return nil
		}

		plan.Deletes = append(plan.Deletes, rec)
		return nil
	})
	return plan
}

// need returns the request for rec, or false if the local copy is current.
func (e *Engine) need(rec *registry.FileRecord) (*registry.FileRecord, bool) {
	need := *rec
	need.Flags = rec.Flags & (registry.FlagNew | registry.FlagBackup | registry.FlagAlwaysSync)
	need.Set(registry.FlagNeeded)
	if e.noAccount {
		need.Set(registry.FlagNoAccount)
	}
	if !e.opts.Backup {
		need.Clear(registry.FlagBackup)
	}
	if e.opts.NoExec {
		need.Exec = nil
	}

	if e.opts.All {
		return &need, true
	}

	always := rec.Flags.Has(registry.FlagAlwaysSync)
	if !rec.Flags.Has(registry.FlagNew) && !e.opts.OldFiles && !always {
		return nil, false
	}

	local, exists, err := e.lstat(rec.Path)
	if err != nil {
		e.problem(rec.Path, "stat", err)
		return nil, false
	}

	if !exists || !local.known || local.kind != rec.Kind {
		return &need, true
	}

	switch rec.Kind {
	case registry.KindSymlink:
		if local.linkTarget != rec.LinkTarget {
			return &need, true
		}
		if !e.ownerMatches(local, rec) {
			need.Set(registry.FlagUpdateOnly)
			return &need, true
		}

	case registry.KindDirectory:
		if local.mode != rec.Mode || !e.ownerMatches(local, rec) {
			need.Set(registry.FlagUpdateOnly)
			return &need, true
		}

	case registry.KindRegular:
		if local.modTime.Unix() != rec.ModTime.Unix() {
			if e.opts.Keep && !always {
				return nil, false
			}
			return &need, true
		}

		if local.mode != rec.Mode || !e.ownerMatches(local, rec) {
			need.Set(registry.FlagUpdateOnly)
			return &need, true
		}
	}
	return nil, false
}

func (e *Engine) ownerMatches(local localEntry, rec *registry.FileRecord) bool {
	if e.noAccount || !local.hasOwner {
		return true
	}
	return local.uid == e.ids.UserID(rec.Owner, rec.UID) &&
		local.gid == e.ids.GroupID(rec.Group, rec.GID)
}

func (e *Engine) lstat(p string) (localEntry, bool, error) {
	fi, err := lstat(e.fs, e.abs(p))
	if err != nil {
		if os.IsNotExist(err) {
			return localEntry{}, false, nil
		}
		return localEntry{}, false, errors.WithContext(err, "lstat")
	}

	local := localEntry{
		mode:    fi.Mode() & registry.ModeMask,
		modTime: fi.ModTime(),
	}
	local.kind, local.known = registry.KindOf(fi.Mode())

	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		local.uid, local.gid = int(st.Uid), int(st.Gid)
		local.hasOwner = true
	}

	if local.kind == registry.KindSymlink {
		target, err := readlink(e.fs, e.abs(p))
		if err != nil {
			return localEntry{}, false, errors.WithContext(err, "readlink")
		}
		local.linkTarget = target
	}
	return local, true, nil
}

func lstat(fs afero.Fs, name string) (os.FileInfo, error) {
	if lstater, ok := fs.(afero.Lstater); ok {
		fi, _, err := lstater.LstatIfPossible(name)
		return fi, err
	}
	return fs.Stat(name)
}

func readlink(fs afero.Fs, name string) (string, error) {
	reader, ok := fs.(afero.LinkReader)
	if !ok {
		return "", errors.New("filesystem doesn't support symlinks")
	}
	return reader.ReadlinkIfPossible(name)
}
