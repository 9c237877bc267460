package sync

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/sup/pkg/registry"
)

// Mocked out for unit testing.
var geteuid = os.Geteuid

// Options control how a collection is synced.
type Options struct {
	// All fetches every listed entry, regardless of the local state.
	All bool

	// OldFiles considers entries that didn't change on the server since the
	// last sync.
	OldFiles bool

	// Keep doesn't replace local files whose mtime differs from the server's,
	// unless the server marks them as always synced.
	Keep bool

	// Delete removes entries that were removed on the server.
	Delete bool

	// Backup keeps the previous contents of files the server marks for
	// backup.
	Backup bool

	// NoOwnership doesn't sync owners and groups.
	NoOwnership bool

	// NoExec doesn't run post-update commands.
	NoExec bool

	// TempDirs are tried for temporary files when the target's directory
	// isn't writable.
	TempDirs []string
}

// Problem is a failure that affected a single entry. Problems don't abort the
// session, but they prevent the last sync time from advancing so that the
// entry is retried.
type Problem struct {
	Path string
	Op   string
	Err  error
}

func (p Problem) String() string {
	return fmt.Sprintf("%s %s: %s", p.Op, p.Path, p.Err)
}

// Stats count what a session changed.
type Stats struct {
	Fetched, Updated, Linked, Created, Deleted, Denied int
	Bytes                                              int64
}

// Engine applies one session's changes to a collection. It is owned by a
// single session and isn't safe for concurrent use.
type Engine struct {
	opts   Options
	fs     afero.Fs
	prefix string
	ids    *IDCache

	// noAccount is set when ownership can't or shouldn't be synced.
	noAccount bool

	listing  *registry.Registry
	planned  map[string]*registry.FileRecord
	hooks    []string
	hookSeen map[string]bool

	problems []Problem
	stats    Stats
}

// New creates an engine that installs into prefix.
func New(fs afero.Fs, prefix string, opts Options) *Engine {
	return &Engine{
		opts:      opts,
		fs:        fs,
		prefix:    prefix,
		ids:       NewIDCache(defaultIDCacheSize),
		noAccount: opts.NoOwnership || geteuid() != 0,
		planned:   map[string]*registry.FileRecord{},
		hookSeen:  map[string]bool{},
	}
}

// Problems returns the per-entry failures so far.
func (e *Engine) Problems() []Problem {
	return e.problems
}

// Stats returns what the session changed so far.
func (e *Engine) Stats() Stats {
	return e.stats
}

func (e *Engine) problem(path, op string, err error) {
	log.WithError(err).WithField("path", path).Debugf("Failed to %s", op)
	e.problems = append(e.problems, Problem{Path: path, Op: op, Err: err})
}

func (e *Engine) abs(p string) string {
	if p == "." {
		return e.prefix
	}
	return filepath.Join(e.prefix, filepath.FromSlash(p))
}
