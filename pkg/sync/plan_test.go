package sync

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/sup/pkg/exclude"
	"github.com/sidkik/sup/pkg/registry"
)

var (
	oldTime = time.Unix(100, 0)
	newTime = time.Unix(200, 0)
)

func init() {
	geteuid = func() int { return 1000 }
}

type localFile struct {
	path    string
	dir     bool
	mode    os.FileMode
	modTime time.Time
}

func (f localFile) write(t *testing.T, fs afero.Fs, prefix string) {
	path := prefix + "/" + f.path
	if f.dir {
		require.NoError(t, fs.MkdirAll(path, 0755))
	} else {
		require.NoError(t, afero.WriteFile(fs, path, []byte("contents"), 0644))
	}
	require.NoError(t, fs.Chmod(path, f.mode))
	require.NoError(t, fs.Chtimes(path, f.modTime, f.modTime))
}

func listing(recs ...*registry.FileRecord) *registry.Registry {
	reg := registry.New()
	for _, rec := range recs {
		reg.Add(rec)
	}
	return reg
}

func paths(recs []*registry.FileRecord) (ps []string) {
	for _, rec := range recs {
		ps = append(ps, rec.Path)
	}
	return ps
}

func file(path string, modTime time.Time, flags registry.Flags) *registry.FileRecord {
	return &registry.FileRecord{Path: path, Kind: registry.KindRegular,
		Mode: 0644, ModTime: modTime, Flags: flags}
}

func dir(path string, flags registry.Flags) *registry.FileRecord {
	return &registry.FileRecord{Path: path, Kind: registry.KindDirectory,
		Mode: 0755, ModTime: oldTime, Flags: flags}
}

func TestNeed(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		local     *localFile
		remote    *registry.FileRecord
		expNeed   bool
		expUpdate bool
	}{
		{
			name:   "NotNew",
			local:  nil,
			remote: file("f", oldTime, 0),
		},
		{
			name:    "NewAndAbsent",
			remote:  file("f", oldTime, registry.FlagNew),
			expNeed: true,
		},
		{
			name:    "OldFilesAndAbsent",
			opts:    Options{OldFiles: true},
			remote:  file("f", oldTime, 0),
			expNeed: true,
		},
		{
			name:   "Unchanged",
			local:  &localFile{path: "f", mode: 0644, modTime: oldTime},
			remote: file("f", oldTime, registry.FlagNew),
		},
		{
			name:    "ModTimeDiffers",
			local:   &localFile{path: "f", mode: 0644, modTime: newTime},
			remote:  file("f", oldTime, registry.FlagNew),
			expNeed: true,
		},
		{
			name:   "KeepLocalChanges",
			opts:   Options{Keep: true},
			local:  &localFile{path: "f", mode: 0600, modTime: newTime},
			remote: file("f", oldTime, registry.FlagNew),
		},
		{
			name:    "AlwaysOverridesKeep",
			opts:    Options{Keep: true},
			local:   &localFile{path: "f", mode: 0644, modTime: newTime},
			remote:  file("f", oldTime, registry.FlagAlwaysSync),
			expNeed: true,
		},
		{
			name:      "ModeDiffers",
			local:     &localFile{path: "f", mode: 0600, modTime: oldTime},
			remote:    file("f", oldTime, registry.FlagNew),
			expNeed:   true,
			expUpdate: true,
		},
		{
			name:    "KindDiffers",
			local:   &localFile{path: "f", dir: true, mode: 0644, modTime: oldTime},
			remote:  file("f", oldTime, registry.FlagNew),
			expNeed: true,
		},
		{
			name:    "FetchAll",
			opts:    Options{All: true},
			local:   &localFile{path: "f", mode: 0644, modTime: oldTime},
			remote:  file("f", oldTime, 0),
			expNeed: true,
		},
		{
			name:    "DirectoryAbsent",
			remote:  dir("d", registry.FlagNew),
			expNeed: true,
		},
		{
			name:   "DirectoryUnchanged",
			local:  &localFile{path: "d", dir: true, mode: 0755, modTime: newTime},
			remote: dir("d", registry.FlagNew),
		},
		{
			name:      "DirectoryModeDiffers",
			local:     &localFile{path: "d", dir: true, mode: 0700, modTime: oldTime},
			remote:    dir("d", registry.FlagNew),
			expNeed:   true,
			expUpdate: true,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if test.local != nil {
				test.local.write(t, fs, "/prefix")
			}

			e := New(fs, "/prefix", test.opts)
			plan := e.Plan(listing(test.remote), registry.New(), nil)
			if !test.expNeed {
				assert.Empty(t, plan.Needs)
				return
			}

			require.Len(t, plan.Needs, 1)
			need := plan.Needs[0]
			assert.True(t, need.Flags.Has(registry.FlagNeeded))
			assert.True(t, need.Flags.Has(registry.FlagNoAccount))
			assert.Equal(t, test.expUpdate, need.Flags.Has(registry.FlagUpdateOnly))
		})
	}
}

func TestNeedFlags(t *testing.T) {
	remote := file("f", oldTime, registry.FlagNew|registry.FlagBackup|registry.FlagDenied)
	remote.Exec = []string{"ldconfig"}

	e := New(afero.NewMemMapFs(), "/prefix", Options{NoExec: true})
	plan := e.Plan(listing(remote), registry.New(), nil)
	require.Len(t, plan.Needs, 1)

	// Backups are only kept when the client asks for them, and server-side
	// flags that don't apply to requests are dropped.
	need := plan.Needs[0]
	assert.Equal(t, registry.FlagNew|registry.FlagNeeded|registry.FlagNoAccount, need.Flags)
	assert.Nil(t, need.Exec)

	// The listing itself isn't modified.
	assert.Equal(t, []string{"ldconfig"}, remote.Exec)
}

func TestTransferOrder(t *testing.T) {
	e := New(afero.NewMemMapFs(), "/prefix", Options{})
	plan := e.Plan(listing(
		dir("a", registry.FlagNew),
		file("a/x", oldTime, registry.FlagNew),
		dir("a/b", registry.FlagNew),
		file("a/b/y", oldTime, registry.FlagNew),
		&registry.FileRecord{Path: "a/l", Kind: registry.KindSymlink,
			LinkTarget: "x", Flags: registry.FlagNew},
		dir("c", registry.FlagNew),
		file("z", oldTime, registry.FlagNew),
	), registry.New(), nil)

	assert.Equal(t, []string{"a/b/y", "a/l", "a/x", "z", "a", "a/b", "c"}, paths(plan.Needs))
}

func TestRefuse(t *testing.T) {
	refuse, err := exclude.NewRecursiveSet("secret")
	require.NoError(t, err)

	last, err := registry.ReadListing(afero.NewMemMapFs(), "missing")
	require.NoError(t, err)
	last.Insert("secret/key")

	e := New(afero.NewMemMapFs(), "/prefix", Options{Delete: true})
	plan := e.Plan(listing(
		file("public", oldTime, registry.FlagNew),
		file("secret/token", oldTime, registry.FlagNew),
	), last, refuse)

	assert.Equal(t, []string{"public"}, paths(plan.Needs))
	assert.Empty(t, plan.Deletes)

	// The refused entry from the last sync stays tracked.
	rec, ok := last.Lookup("secret/key")
	require.True(t, ok)
	assert.True(t, rec.Flags.Has(registry.FlagKeep))
}

func TestDeletionOrder(t *testing.T) {
	last := registry.New()
	for _, p := range []string{"a", "a/b", "a/b/c", "a-b", "a/d", "a/b/c/e", "z", "."} {
		last.Insert(p)
	}

	e := New(afero.NewMemMapFs(), "/prefix", Options{Delete: true})
	plan := e.Plan(listing(file("z", oldTime, 0)), last, nil)

	order := paths(plan.Deletes)
	assert.ElementsMatch(t, []string{"a", "a/b", "a/b/c", "a-b", "a/d", "a/b/c/e"}, order)

	for i, p := range order {
		for _, later := range order[i+1:] {
			assert.False(t, strings.HasPrefix(later, p+"/"),
				"%s is deleted after its directory %s", later, p)
		}
	}
}

func TestNoDeleteKeepsEntries(t *testing.T) {
	last := registry.New()
	last.Insert("a.txt")
	last.Insert("b.txt")
	serverListing := listing(file("a.txt", oldTime, 0))

	e := New(afero.NewMemMapFs(), "/prefix", Options{})
	plan := e.Plan(serverListing, last, nil)
	assert.Empty(t, plan.Deletes)

	next := e.NextLast(serverListing, last, nil)
	assert.Equal(t, []string{"a.txt", "b.txt"}, next.Paths())
}
