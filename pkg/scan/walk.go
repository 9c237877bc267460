package scan

import (
	"context"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	goSync "sync"
	"time"

	"github.com/charlievieth/fastwalk"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/registry"
)

// Mocked out for unit testing.
var (
	lstat        = unix.Lstat
	stat         = unix.Stat
	readlink     = os.Readlink
	evalSymlinks = filepath.EvalSymlinks
)

type devIno struct {
	dev, ino uint64
}

type walker struct {
	ctx   context.Context
	root  string
	rules *Rules

	mu  goSync.Mutex
	reg *registry.Registry

	// followed holds the directories reached through followed symlinks, so
	// that a link to one of its ancestors doesn't loop forever.
	followed map[devIno]bool
}

// Walk lists the collection rooted at root. The root itself isn't listed.
func Walk(ctx context.Context, root string, rules *Rules) (*registry.Registry, error) {
	w := &walker{
		ctx:      ctx,
		root:     root,
		rules:    rules,
		reg:      registry.New(),
		followed: map[devIno]bool{},
	}

	for _, upgrade := range rules.Upgrade() {
		if err := w.walkUpgrade(upgrade); err != nil {
			return nil, errors.WithContext(err, "walk "+upgrade)
		}
	}
	return w.reg, nil
}

func (w *walker) walkUpgrade(upgrade string) error {
	if upgrade != "." {
		if w.rules.OmittedTree(upgrade) {
			return nil
		}

		// List the directories leading to the subtree, so that clients can
		// create them.
		for dir := path.Dir(upgrade); dir != "."; dir = path.Dir(dir) {
			if !w.rules.Omitted(dir) {
				w.add(dir, w.abs(dir))
			}
		}
	}
	return w.walkTree(upgrade, w.abs(upgrade))
}

// walkTree lists source as rel, and if it's a directory, everything beneath
// it.
func (w *walker) walkTree(rel, source string) error {
	var st unix.Stat_t
	if err := lstat(source, &st); err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", source).Warn("Listed path doesn't exist")
			return nil
		}
		return errors.WithContext(err, "lstat")
	}

	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return w.visit(rel, source, st.Mode&unix.S_IFMT == unix.S_IFLNK)
	}

	if rel != "." && !w.rules.Omitted(rel) {
		w.add(rel, source)
	}

	conf := fastwalk.Config{Follow: false}
	return fastwalk.Walk(&conf, source, func(p string, d iofs.DirEntry, err error) error {
		if ctxErr := w.ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if p == source {
			return nil
		}

		if err != nil {
			log.WithError(err).WithField("path", p).Warn("Skipping unreadable entry")
			return nil
		}

		suffix, err := filepath.Rel(source, p)
		if err != nil {
			return errors.WithContext(err, "relative path")
		}
		entry := path.Join(rel, filepath.ToSlash(suffix))

		if w.rules.OmittedTree(entry) {
			if d.IsDir() {
				return fastwalk.SkipDir
			}
			return nil
		}
		return w.visit(entry, p, d.Type()&iofs.ModeSymlink != 0)
	})
}

func (w *walker) visit(entry, source string, isLink bool) error {
	if w.rules.Omitted(entry) {
		return nil
	}

	if isLink && w.rules.Follow(entry) {
		return w.follow(entry, source)
	}

	w.add(entry, source)
	return nil
}

// follow lists what the symlink at source points to, under the link's path.
func (w *walker) follow(entry, source string) error {
	target, err := evalSymlinks(source)
	if err != nil {
		log.WithError(err).WithField("path", entry).Warn("Skipping broken symlink")
		return nil
	}

	var st unix.Stat_t
	if err := stat(target, &st); err != nil {
		log.WithError(err).WithField("path", entry).Warn("Skipping unreadable symlink target")
		return nil
	}

	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		w.add(entry, target)
		return nil
	}

	key := devIno{uint64(st.Dev), uint64(st.Ino)}
	w.mu.Lock()
	seen := w.followed[key]
	w.followed[key] = true
	w.mu.Unlock()

	if seen {
		log.WithField("path", entry).Warn("Not following symlink that loops")
		return nil
	}
	return w.walkTree(entry, target)
}

// add lists the entry at source under the path entry. Entries that vanish
// or can't be read are skipped.
func (w *walker) add(entry, source string) {
	var st unix.Stat_t
	if err := lstat(source, &st); err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("path", entry).Warn("Skipping unreadable entry")
		}
		return
	}

	rec, ok := NewRecord(entry, source, &st)
	if !ok {
		log.WithField("path", entry).Debug("Skipping special file")
		return
	}

	if rec.Kind == registry.KindSymlink {
		target, err := readlink(source)
		if err != nil {
			log.WithError(err).WithField("path", entry).Warn("Skipping unreadable symlink")
			return
		}
		rec.LinkTarget = target
	}

	w.mu.Lock()
	w.reg.Add(rec)
	w.mu.Unlock()
}

func (w *walker) abs(p string) string {
	return filepath.Join(w.root, filepath.FromSlash(p))
}

// NewRecord builds the record for an entry from its stat result. It returns
// false for entries that aren't tracked, such as devices and sockets.
func NewRecord(p, source string, st *unix.Stat_t) (*registry.FileRecord, bool) {
	var kind registry.Kind
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		kind = registry.KindRegular
	case unix.S_IFDIR:
		kind = registry.KindDirectory
	case unix.S_IFLNK:
		kind = registry.KindSymlink
	default:
		return nil, false
	}

	mode := os.FileMode(st.Mode & 0777)
	if st.Mode&unix.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if st.Mode&unix.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if st.Mode&unix.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}

	return &registry.FileRecord{
		Path:       p,
		Kind:       kind,
		Mode:       mode,
		ModTime:    time.Unix(st.Mtim.Unix()),
		ChangeTime: time.Unix(st.Ctim.Unix()),
		UID:        int(st.Uid),
		GID:        int(st.Gid),
		Size:       st.Size,
		Dev:        uint64(st.Dev),
		Ino:        uint64(st.Ino),
		Nlink:      uint64(st.Nlink),
		Source:     source,
	}, true
}
