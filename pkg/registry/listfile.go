package registry

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/sup/pkg/errors"
)

// commentPrefixes start lines that are ignored in listing and pattern files.
const commentPrefixes = "#;:"

// ReadLines reads a line-oriented file, skipping blank lines and comments.
// A missing file is treated as empty.
func ReadLines(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithContext(err, "open")
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.ContainsAny(line[:1], commentPrefixes) {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithContext(err, "read")
	}
	return lines, nil
}

// ReadListing loads a persisted listing. Each line is one path. A missing
// file yields an empty registry, which is the state before the first sync.
// Lines that don't name a path within the collection are skipped.
func ReadListing(fs afero.Fs, path string) (*Registry, error) {
	lines, err := ReadLines(fs, path)
	if err != nil {
		return nil, errors.WithContext(err, fmt.Sprintf("read listing %q", path))
	}

	reg := New()
	for _, line := range lines {
		if !ValidPath(Canonical(line)) {
			log.WithField("line", line).Warn("Ignoring invalid path in listing file")
			continue
		}
		reg.Insert(line)
	}
	return reg, nil
}

// WriteListing persists the paths in `reg`, replacing `path` atomically. It
// fails if `reg` holds a path that leaves the collection.
func WriteListing(fs afero.Fs, path string, reg *Registry) error {
	var buf bytes.Buffer
	for _, p := range reg.Paths() {
		if !ValidPath(p) {
			return errors.New("invalid path in listing: %q", p)
		}
		if strings.ContainsAny(p, "\n\r") || strings.ContainsAny(p[:1], commentPrefixes) {
			log.WithField("path", p).Warn("Path can't be represented in the " +
				"listing file. It won't be tracked for deletion.")
			continue
		}
		buf.WriteString(p)
		buf.WriteByte('\n')
	}
	return errors.WithContext(WriteFileAtomic(fs, path, buf.Bytes(), 0644), "write listing")
}

// ReadWhen reads the time of the last successful sync. A missing file
// returns the zero time.
func ReadWhen(fs afero.Fs, path string) (time.Time, error) {
	lines, err := ReadLines(fs, path)
	if err != nil {
		return time.Time{}, errors.WithContext(err, "read when file")
	}
	if len(lines) == 0 {
		return time.Time{}, nil
	}

	secs, err := strconv.ParseInt(strings.TrimSpace(lines[0]), 10, 64)
	if err != nil {
		return time.Time{}, errors.WithContext(err, fmt.Sprintf("parse when file %q", path))
	}
	return time.Unix(secs, 0), nil
}

// WriteWhen atomically records `when` as the time of the last successful
// sync.
func WriteWhen(fs afero.Fs, path string, when time.Time) error {
	data := []byte(strconv.FormatInt(when.Unix(), 10) + "\n")
	return errors.WithContext(WriteFileAtomic(fs, path, data, 0644), "write when file")
}

// WriteFileAtomic writes `data` to a temporary file in the same directory as
// `path` and renames it into place.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.WithContext(err, "make parent")
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".")
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}

	// Remove the temp file unless it was renamed into place.
	renamed := false
	defer func() {
		if !renamed {
			_ = fs.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WithContext(err, "write")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.WithContext(err, "sync")
	}
	if err := tmp.Close(); err != nil {
		return errors.WithContext(err, "close")
	}
	if err := fs.Chmod(tmp.Name(), perm); err != nil {
		return errors.WithContext(err, "set file mode")
	}
	if err := fs.Rename(tmp.Name(), path); err != nil {
		return errors.WithContext(err, "rename")
	}
	renamed = true
	return nil
}
