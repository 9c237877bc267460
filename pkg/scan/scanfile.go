package scan

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"github.com/sidkik/sup/pkg/config"
	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/registry"
)

// scanFileVersion is bumped when the scan file format changes. Servers
// ignore scan files of other versions and walk the collection instead.
const scanFileVersion = 1

// FilePath returns where the scan file of coll is kept.
func FilePath(coll config.ServedCollection) string {
	return filepath.Join(coll.StateDir, "scan")
}

// LockPath returns the lock file that guards coll. The scan tool holds it
// exclusively while it rescans, and sessions hold it shared.
func LockPath(coll config.ServedCollection) string {
	return filepath.Join(coll.StateDir, "lock")
}

type header struct {
	Version int   `json:"version"`
	When    int64 `json:"when"`
}

type entry struct {
	Path       string        `json:"path"`
	Kind       registry.Kind `json:"kind"`
	Mode       os.FileMode   `json:"mode"`
	ModTime    int64         `json:"mtime"`
	ChangeTime int64         `json:"ctime"`
	UID        int           `json:"uid"`
	GID        int           `json:"gid"`
	LinkTarget string        `json:"link,omitempty"`
	Size       int64         `json:"size,omitempty"`
	Dev        uint64        `json:"dev"`
	Ino        uint64        `json:"ino"`
	Nlink      uint64        `json:"nlink"`
	Source     string        `json:"source"`
}

// WriteFile atomically replaces the scan file at path with the listing in
// reg. when is the time the walk started.
func WriteFile(fs afero.Fs, path string, when time.Time, reg *registry.Registry) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)

	if err := enc.Encode(header{Version: scanFileVersion, When: when.Unix()}); err != nil {
		return errors.WithContext(err, "encode header")
	}

	err := reg.Walk(registry.Forward, func(rec *registry.FileRecord) error {
		return enc.Encode(entry{
			Path:       rec.Path,
			Kind:       rec.Kind,
			Mode:       rec.Mode,
			ModTime:    rec.ModTime.Unix(),
			ChangeTime: rec.ChangeTime.Unix(),
			UID:        rec.UID,
			GID:        rec.GID,
			LinkTarget: rec.LinkTarget,
			Size:       rec.Size,
			Dev:        rec.Dev,
			Ino:        rec.Ino,
			Nlink:      rec.Nlink,
			Source:     rec.Source,
		})
	})
	if err != nil {
		return errors.WithContext(err, "encode entry")
	}

	if err := zw.Close(); err != nil {
		return errors.WithContext(err, "compress")
	}
	return registry.WriteFileAtomic(fs, path, buf.Bytes(), 0644)
}

// ReadFile loads a scan file written by WriteFile.
func ReadFile(fs afero.Fs, path string) (*registry.Registry, time.Time, error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, errors.FileNotFound{Path: path}
		}
		return nil, time.Time{}, errors.WithContext(err, "open")
	}
	defer f.Close()

	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, time.Time{}, errors.WithContext(err, "decompress")
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	var hdr header
	if err := dec.Decode(&hdr); err != nil {
		return nil, time.Time{}, errors.WithContext(err, "decode header")
	}

	if hdr.Version != scanFileVersion {
		return nil, time.Time{}, errors.New("unsupported scan file version %d", hdr.Version)
	}

	reg := registry.New()
	for dec.More() {
		var e entry
		if err := dec.Decode(&e); err != nil {
			return nil, time.Time{}, errors.WithContext(err, "decode entry")
		}

		reg.Add(&registry.FileRecord{
			Path:       e.Path,
			Kind:       e.Kind,
			Mode:       e.Mode,
			ModTime:    time.Unix(e.ModTime, 0),
			ChangeTime: time.Unix(e.ChangeTime, 0),
			UID:        e.UID,
			GID:        e.GID,
			LinkTarget: e.LinkTarget,
			Size:       e.Size,
			Dev:        e.Dev,
			Ino:        e.Ino,
			Nlink:      e.Nlink,
			Source:     e.Source,
		})
	}
	return reg, time.Unix(hdr.When, 0), nil
}
