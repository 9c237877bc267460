package sync

import (
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/registry"
)

var errLinkedParent = errors.New("a parent directory is a symlink")

// dropUnsafe removes the listed entries that can't be installed inside the
// prefix: paths that leave it, and entries below a listed entry that isn't a
// directory. Each dropped entry is recorded as a problem.
func (e *Engine) dropUnsafe(listing *registry.Registry) {
	dropped := map[string]bool{}
	listing.Walk(registry.Forward, func(rec *registry.FileRecord) error {
		if !registry.ValidPath(rec.Path) {
			dropped[rec.Path] = true
			e.problem(rec.Path, "list", errors.New("path leaves the prefix"))
			return nil
		}

		parent, ok := listing.Ancestor(rec.Path)
		if ok && (dropped[parent.Path] || parent.Kind != registry.KindDirectory) {
			dropped[rec.Path] = true
			e.problem(rec.Path, "list", errors.New("listed below %s, which isn't a directory",
				parent.Path))
		}
		return nil
	})

	for p := range dropped {
		listing.Delete(p)
	}
}

// resolve returns where p is installed, after checking that it stays within
// the prefix and that no parent in the prefix is a symlink. A symlinked
// parent that the listing replaces with a directory is removed so that the
// directory can be created in its place.
func (e *Engine) resolve(p string) (string, error) {
	if !registry.ValidPath(p) {
		return "", errors.New("path leaves the prefix")
	}

	parts := strings.Split(p, "/")
	dir := e.prefix
	for i := range parts[:len(parts)-1] {
		dir = filepath.Join(dir, parts[i])
		fi, err := lstat(e.fs, dir)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return "", errors.WithContext(err, "lstat")
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			continue
		}

		parent := strings.Join(parts[:i+1], "/")
		if rec, ok := e.listed(parent); !ok || rec.Kind != registry.KindDirectory {
			return "", errLinkedParent
		}

		log.WithField("path", parent).Debug("Replacing symlink with directory")
		if err := e.fs.Remove(dir); err != nil {
			return "", errors.WithContext(err, "remove symlink")
		}
		break
	}
	return e.abs(p), nil
}

func (e *Engine) listed(p string) (*registry.FileRecord, bool) {
	if e.listing == nil {
		return nil, false
	}
	return e.listing.Lookup(p)
}
