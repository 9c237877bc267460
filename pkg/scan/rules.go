package scan

import (
	"path"
	"strings"

	"github.com/sidkik/sup/pkg/config"
	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/exclude"
	"github.com/sidkik/sup/pkg/registry"
)

// Rules decide which entries under a collection root are listed, and what
// the server attaches to them.
type Rules struct {
	// upgrade contains the subtrees of the root that are listed.
	upgrade []string

	omit    *exclude.Set
	omitAny *exclude.Set

	always *exclude.Set
	backup *exclude.Set

	// symlink matches links that are followed. rsymlink matches links
	// beneath a directory whose links are all followed.
	symlink  *exclude.Set
	rsymlink *exclude.Set

	execute []executeRule
}

type executeRule struct {
	match   *exclude.Set
	command string
}

// NewRules compiles the rules of a served collection.
func NewRules(coll config.ServedCollection) (*Rules, error) {
	var err error
	rules := &Rules{}

	for _, p := range coll.Upgrade {
		rules.upgrade = append(rules.upgrade, registry.Canonical(p))
	}

	sets := []struct {
		name      string
		set       **exclude.Set
		patterns  []string
		recursive bool
	}{
		{"omit", &rules.omit, coll.Omit, false},
		{"omitAny", &rules.omitAny, coll.OmitAny, true},
		{"always", &rules.always, coll.Always, true},
		{"backup", &rules.backup, coll.Backup, true},
		{"symlink", &rules.symlink, coll.Symlink, false},
		{"rsymlink", &rules.rsymlink, coll.RSymlink, true},
	}
	for _, s := range sets {
		if s.recursive {
			*s.set, err = exclude.NewRecursiveSet(s.patterns...)
		} else {
			*s.set, err = exclude.NewSet(s.patterns...)
		}
		if err != nil {
			return nil, errors.WithContext(err, s.name)
		}
	}

	for _, rule := range coll.Execute {
		match, err := exclude.NewRecursiveSet(rule.Pattern)
		if err != nil {
			return nil, errors.WithContext(err, "execute")
		}
		rules.execute = append(rules.execute, executeRule{match, rule.Command})
	}
	return rules, nil
}

// Upgrade returns the subtrees of the root that are listed.
func (r *Rules) Upgrade() []string {
	return r.upgrade
}

// Omitted returns whether p itself is left out of the listing.
func (r *Rules) Omitted(p string) bool {
	return r.omit.Match(p) || r.omitAny.Match(p)
}

// OmittedTree returns whether p and everything beneath it are left out of
// the listing.
func (r *Rules) OmittedTree(p string) bool {
	return r.omitAny.Match(p)
}

// Follow returns whether the symlink at p is replaced by what it points to.
func (r *Rules) Follow(p string) bool {
	if r.symlink.Match(p) {
		return true
	}

	dir := path.Dir(p)
	return dir != "." && r.rsymlink.Match(dir)
}

// Annotate sets the flags and post-update commands the rules attach to rec.
func (r *Rules) Annotate(rec *registry.FileRecord) {
	if r.always.Match(rec.Path) {
		rec.Set(registry.FlagAlwaysSync)
	}

	if rec.Kind == registry.KindRegular && r.backup.Match(rec.Path) {
		rec.Set(registry.FlagBackup)
	}

	rec.Exec = nil
	for _, rule := range r.execute {
		if rule.match.Match(rec.Path) {
			rec.Exec = append(rec.Exec, strings.ReplaceAll(rule.command, "%s", rec.Path))
		}
	}
}
