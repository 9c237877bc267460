package fswatch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/sup/pkg/errors"
)

var fs = afero.NewOsFs()

// Skip decides whether a directory, given relative to the watched root with
// forward slashes, is left unwatched along with everything beneath it.
type Skip func(rel string) bool

// Watch watches every directory under root. It sends an event on the
// returned channel whenever something beneath root changes. Bursts of
// changes are combined into a single event. Directories created later are
// watched as they appear.
func Watch(root string, skip Skip) (chan struct{}, io.Closer, error) {
	dirs, err := getDirsToWatch(root, skip)
	if err != nil {
		return nil, nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, errors.WithContext(err, "create watcher")
	}

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, nil, errors.WithContext(err, fmt.Sprintf("watch %q", dir))
		}
	}

	events := make(chan fsnotify.Event, 64)
	go func() {
		defer close(events)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) {
					watchNewDir(watcher, root, event.Name, skip)
				}
				events <- event
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("File watcher error")
			}
		}
	}()
	return combineUpdates(events), watcher, nil
}

func watchNewDir(watcher *fsnotify.Watcher, root, path string, skip Skip) {
	fi, err := fs.Stat(path)
	if err != nil || !fi.IsDir() {
		return
	}

	if skip == nil {
		skip = func(string) bool { return false }
	}

	if skip(relativeTo(root, path)) {
		return
	}

	dirs, err := getDirsToWatch(path, func(rel string) bool {
		return skip(relativeTo(root, filepath.Join(path, rel)))
	})
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("Failed to watch new directory")
		return
	}

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			log.WithError(err).WithField("path", dir).Warn("Failed to watch new directory")
		}
	}
}

func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

// getDirsToWatch returns root and the directories beneath it. fsnotify
// doesn't watch recursively, but watching a directory covers the files in
// it.
func getDirsToWatch(root string, skip Skip) (paths []string, err error) {
	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path != root {
				// Removed while we were walking.
				return nil
			}
			return errors.WithContext(err, "walk error")
		}

		if !fi.IsDir() {
			return nil
		}

		if path != root && skip != nil && skip(relativeTo(root, path)) {
			return filepath.SkipDir
		}

		paths = append(paths, path)
		return nil
	})
	return paths, err
}

func relativeTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
