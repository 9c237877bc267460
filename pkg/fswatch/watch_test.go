package fswatch

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDirsToWatch(t *testing.T) {
	root := "/srv/src"

	tests := []struct {
		name     string
		dirs     []string
		files    []string
		skip     Skip
		expPaths []string
	}{
		{
			name:     "AllDirectories",
			dirs:     []string{"/srv/src/bin", "/srv/src/lib", "/srv/src/lib/libc"},
			files:    []string{"/srv/src/Makefile", "/srv/src/lib/libc/stdio.c"},
			expPaths: []string{"/srv/src", "/srv/src/bin", "/srv/src/lib", "/srv/src/lib/libc"},
		},
		{
			name:  "SkipOmittedTree",
			dirs:  []string{"/srv/src/bin", "/srv/src/obj", "/srv/src/obj/lib"},
			files: []string{"/srv/src/obj/lib/a.o"},
			skip: func(rel string) bool {
				return rel == "obj" || strings.HasPrefix(rel, "obj/")
			},
			expPaths: []string{"/srv/src", "/srv/src/bin"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fs = afero.NewMemMapFs()
			require.NoError(t, fs.MkdirAll(root, 0755))
			for _, dir := range test.dirs {
				require.NoError(t, fs.MkdirAll(dir, 0755))
			}
			for _, file := range test.files {
				require.NoError(t, afero.WriteFile(fs, file, []byte("testfile"), 0644))
			}

			paths, err := getDirsToWatch(root, test.skip)
			assert.NoError(t, err)

			// Sort for consistency.
			sort.Strings(test.expPaths)
			sort.Strings(paths)
			assert.Equal(t, test.expPaths, paths)
		})
	}
}

func TestCombineUpdates(t *testing.T) {
	t.Parallel()

	updates := make(chan fsnotify.Event, 1024)
	addEvents := func(num int) {
		for i := 0; i < num; i++ {
			updates <- fsnotify.Event{}
		}
	}

	// Seed with events.
	numUpdates := 100
	addEvents(numUpdates)
	combined := combineUpdates(updates)

	// Assert that the events are being combined.
	numCombined := countEvents(combined)
	assert.True(t, numCombined < numUpdates,
		"expected less combined events (%d) than %d", numCombined, numUpdates)

	// Add more events.
	addEvents(100)
	<-combined
}

func TestWatchNewDirectory(t *testing.T) {
	fs = afero.NewOsFs()
	root := t.TempDir()

	changes, closer, err := Watch(root, nil)
	require.NoError(t, err)
	defer closer.Close()

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	waitForChange(t, changes)

	// Give the watcher a moment to add the new directory, then check that
	// changes inside it are seen.
	time.Sleep(100 * time.Millisecond)
	drain(changes)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "f"), []byte("x"), 0644))
	waitForChange(t, changes)
}

func waitForChange(t *testing.T, c chan struct{}) {
	select {
	case <-c:
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}

func drain(c chan struct{}) {
	for {
		select {
		case <-c:
		default:
			return
		}
	}
}

func countEvents(c chan struct{}) (n int) {
	// Block until the first event.
	<-c
	n++

	// Count the number of events until there hasn't been any new events in 500
	// milliseconds.
	for {
		select {
		case <-c:
			n++
		case <-time.After(500 * time.Millisecond):
			return n
		}
	}
}
