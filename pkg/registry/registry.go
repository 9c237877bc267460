package registry

import (
	"path"
	"strings"

	"github.com/google/btree"
)

// Order is the direction of a registry traversal.
type Order int

const (
	// Forward visits paths in ascending byte order, so directories are
	// visited before their contents.
	Forward Order = iota

	// Reverse visits paths in descending byte order, so the contents of a
	// directory are visited before the directory itself.
	Reverse
)

type stopError struct{}

func (stopError) Error() string { return "stop walk" }

// ErrStop can be returned by a Walk visitor to stop the traversal without
// making Walk return an error.
var ErrStop error = stopError{}

const btreeDegree = 32

// Registry is an ordered map from path to FileRecord.
type Registry struct {
	tree *btree.BTreeG[*FileRecord]
}

func lessPath(a, b *FileRecord) bool {
	return a.Path < b.Path
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tree: btree.NewG[*FileRecord](btreeDegree, lessPath)}
}

// Canonical returns the registry key for `p`. Leading "./" and "/"
// components and trailing slashes are removed.
func Canonical(p string) string {
	p = path.Clean(p)
	for strings.HasPrefix(p, "/") {
		p = p[1:]
	}
	if p == "" {
		return "."
	}
	return p
}

// ValidPath returns whether `p` is a canonical path that stays within the
// collection root.
func ValidPath(p string) bool {
	if p == "" || p == "." || Canonical(p) != p {
		return false
	}
	return p != ".." && !strings.HasPrefix(p, "../")
}

// Insert returns the record for `p`, creating it if it doesn't exist yet.
// The boolean is true if the record was created.
func (r *Registry) Insert(p string) (*FileRecord, bool) {
	key := &FileRecord{Path: Canonical(p)}
	if existing, ok := r.tree.Get(key); ok {
		return existing, false
	}
	r.tree.ReplaceOrInsert(key)
	return key, true
}

// Add inserts `rec`, replacing any record with the same path.
func (r *Registry) Add(rec *FileRecord) {
	rec.Path = Canonical(rec.Path)
	r.tree.ReplaceOrInsert(rec)
}

// Lookup returns the record for `p`.
func (r *Registry) Lookup(p string) (*FileRecord, bool) {
	return r.tree.Get(&FileRecord{Path: Canonical(p)})
}

// Ancestor returns the record of the closest strict ancestor of `p`.
func (r *Registry) Ancestor(p string) (*FileRecord, bool) {
	p = Canonical(p)
	for {
		slash := strings.LastIndexByte(p, '/')
		if slash < 0 {
			return nil, false
		}
		p = p[:slash]
		if rec, ok := r.tree.Get(&FileRecord{Path: p}); ok {
			return rec, true
		}
	}
}

// Delete removes the record for `p`, and returns whether it existed.
func (r *Registry) Delete(p string) bool {
	_, ok := r.tree.Delete(&FileRecord{Path: Canonical(p)})
	return ok
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return r.tree.Len()
}

// Walk calls `visit` for every record in the given order. Walk stops at the
// first error returned by `visit` and returns it, unless it's ErrStop.
func (r *Registry) Walk(order Order, visit func(*FileRecord) error) error {
	var err error
	iter := func(rec *FileRecord) bool {
		err = visit(rec)
		return err == nil
	}

	if order == Reverse {
		r.tree.Descend(iter)
	} else {
		r.tree.Ascend(iter)
	}

	if err == ErrStop {
		return nil
	}
	return err
}

// Records returns all records in the given order.
func (r *Registry) Records(order Order) []*FileRecord {
	records := make([]*FileRecord, 0, r.Len())
	_ = r.Walk(order, func(rec *FileRecord) error {
		records = append(records, rec)
		return nil
	})
	return records
}

// Paths returns all paths in ascending order.
func (r *Registry) Paths() []string {
	paths := make([]string, 0, r.Len())
	_ = r.Walk(Forward, func(rec *FileRecord) error {
		paths = append(paths, rec.Path)
		return nil
	})
	return paths
}
