package sync

import (
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/proto"
	"github.com/sidkik/sup/pkg/registry"
)

// Mocked out for unit testing.
var (
	link   = os.Link
	lchown = unix.Lchown
)

const (
	tempPrefix = ".sup."
	backupDir  = "BACKUP"
)

// Payload streams the contents of one file into w, and returns the number of
// bytes written. It must consume the whole payload even if w fails, and must
// fail if the server couldn't send the whole file.
type Payload func(w io.Writer) (int64, error)

// Receive installs one entry sent by the server. payload is nil when the
// server didn't send any contents. Failures are recorded as problems.
func (e *Engine) Receive(h proto.FileHeader, payload Payload) error {
	if h.Path == "" && h.Record != nil {
		h.Path = h.Record.Path
	}

	if h.Status != proto.FileOK {
		err := errors.New("server couldn't send the entry: %s", h.Reason)
		e.problem(h.Path, "fetch", err)
		return err
	}

	consumed := false
	consume := func(w io.Writer) (int64, error) {
		consumed = true
		return payload(w)
	}

	err := e.receive(h, payload != nil, consume)
	if payload != nil && !consumed {
		payload(io.Discard)
	}

	if err != nil {
		e.problem(h.Path, "install", err)
	}
	return err
}

func (e *Engine) receive(h proto.FileHeader, hasPayload bool, payload Payload) error {
	rec := h.Record
	planned, ok := e.planned[rec.Path]
	if !ok {
		return errors.New("server sent an entry that wasn't requested")
	}

	// The server's metadata may be newer than the listing, but the flags
	// are ours.
	rec.Flags = planned.Flags
	rec.Exec = planned.Exec

	var err error
	switch {
	case h.LinkTo != "":
		err = e.installLink(rec, h.LinkTo)
	case rec.Flags.Has(registry.FlagUpdateOnly) && !hasPayload:
		err = e.updateMeta(rec)
	case rec.Kind == registry.KindDirectory:
		err = e.installDir(rec)
	case rec.Kind == registry.KindSymlink:
		err = e.installSymlink(rec)
	case !hasPayload:
		err = errors.New("server didn't send the file's contents")
	default:
		err = e.installFile(rec, h.Size, payload)
	}

	if err == nil {
		e.queueHooks(rec)
	}
	return err
}

// installFile writes the payload to a temporary file and renames it onto the
// target. The target is left untouched if anything fails before the rename.
func (e *Engine) installFile(rec *registry.FileRecord, size int64, payload Payload) error {
	target, err := e.resolve(rec.Path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(target)
	if err := e.fs.MkdirAll(dir, 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}

	if size > diskCheckThreshold {
		if err := checkSpace(dir, size); err != nil {
			return err
		}
	}

	tmp, err := e.tempFile(dir)
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}
	tmpName := tmp.Name()

	n, err := payload(tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		e.removeTemp(tmpName)
		return errors.WithContext(err, "receive contents")
	}

	if err := e.applyMeta(tmpName, rec); err != nil {
		e.removeTemp(tmpName)
		return err
	}

	if rec.Flags.Has(registry.FlagBackup) {
		if err := e.backup(target); err != nil {
			e.removeTemp(tmpName)
			return errors.WithContext(err, "backup")
		}
	}

	if err := e.clearDir(target); err != nil {
		e.removeTemp(tmpName)
		return err
	}

	if err := e.rename(tmpName, target, rec); err != nil {
		e.removeTemp(tmpName)
		return err
	}

	e.stats.Fetched++
	e.stats.Bytes += n
	return nil
}

// rename moves a received temp file onto target. A temp file from one of the
// alternate temp directories may be on another filesystem, in which case its
// contents are copied over the target instead.
func (e *Engine) rename(tmpName, target string, rec *registry.FileRecord) error {
	err := e.fs.Rename(tmpName, target)
	if err == nil {
		return nil
	}

	if filepath.Dir(tmpName) == filepath.Dir(target) || !errors.Is(err, syscall.EXDEV) {
		return errors.WithContext(err, "rename")
	}

	log.WithField("path", target).Debug("Temp file is on another filesystem, copying it")
	if err := e.copyFile(tmpName, target); err != nil {
		return errors.WithContext(err, "copy into place")
	}

	e.removeTemp(tmpName)
	return e.applyMeta(target, rec)
}

// copyFile overwrites target with the contents of src. Anything but a regular
// file at target is removed first, so that the copy never follows a symlink.
func (e *Engine) copyFile(src, target string) error {
	if fi, err := lstat(e.fs, target); err == nil && !fi.Mode().IsRegular() {
		if err := e.fs.Remove(target); err != nil {
			return errors.WithContext(err, "remove")
		}
	}

	in, err := e.fs.Open(src)
	if err != nil {
		return errors.WithContext(err, "open")
	}
	defer in.Close()

	out, err := e.fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.WithContext(err, "open target")
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}

// tempFile creates a temporary file in dir, falling back to the configured
// temp directories.
func (e *Engine) tempFile(dir string) (afero.File, error) {
	f, err := afero.TempFile(e.fs, dir, tempPrefix)
	if err == nil {
		return f, nil
	}

	for _, alt := range e.opts.TempDirs {
		f, altErr := afero.TempFile(e.fs, alt, tempPrefix)
		if altErr == nil {
			return f, nil
		}
		log.WithError(altErr).WithField("dir", alt).Debug("Failed to create temp file")
	}
	return nil, err
}

func (e *Engine) removeTemp(name string) {
	if err := e.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", name).Warn("Failed to remove temp file")
	}
}

// applyMeta sets the owner, mode and timestamps of name. The owner goes
// first since changing it clears the setuid and setgid bits.
func (e *Engine) applyMeta(name string, rec *registry.FileRecord) error {
	if !rec.Flags.Has(registry.FlagNoAccount) {
		uid := e.ids.UserID(rec.Owner, rec.UID)
		gid := e.ids.GroupID(rec.Group, rec.GID)
		if err := e.fs.Chown(name, uid, gid); err != nil {
			return errors.WithContext(err, "chown")
		}
	}

	if err := e.fs.Chmod(name, rec.Mode); err != nil {
		return errors.WithContext(err, "chmod")
	}

	if err := e.fs.Chtimes(name, rec.ModTime, rec.ModTime); err != nil {
		return errors.WithContext(err, "chtimes")
	}
	return nil
}

// clearDir removes a directory that's being replaced by a file or symlink.
func (e *Engine) clearDir(target string) error {
	fi, err := lstat(e.fs, target)
	if err != nil || !fi.IsDir() {
		return nil
	}

	if err := e.fs.RemoveAll(target); err != nil {
		return errors.WithContext(err, "remove directory")
	}
	return nil
}

// backup copies the current contents of target into the BACKUP directory
// next to it.
func (e *Engine) backup(target string) error {
	fi, err := lstat(e.fs, target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if !fi.Mode().IsRegular() {
		return nil
	}

	dir := filepath.Join(filepath.Dir(target), backupDir)
	if err := e.fs.MkdirAll(dir, 0755); err != nil {
		return errors.WithContext(err, "create backup directory")
	}

	src, err := e.fs.Open(target)
	if err != nil {
		return errors.WithContext(err, "open")
	}
	defer src.Close()

	tmp, err := afero.TempFile(e.fs, dir, tempPrefix)
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}

	_, err = io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		e.removeTemp(tmp.Name())
		return errors.WithContext(err, "copy")
	}

	if err := e.fs.Chmod(tmp.Name(), fi.Mode()&registry.ModeMask); err != nil {
		log.WithError(err).Debug("Failed to set backup mode")
	}

	if err := e.fs.Rename(tmp.Name(), filepath.Join(dir, filepath.Base(target))); err != nil {
		e.removeTemp(tmp.Name())
		return errors.WithContext(err, "rename")
	}
	return nil
}

func (e *Engine) installDir(rec *registry.FileRecord) error {
	target, err := e.resolve(rec.Path)
	if err != nil {
		return err
	}

	fi, err := lstat(e.fs, target)
	switch {
	case err == nil && !fi.IsDir():
		if err := e.fs.Remove(target); err != nil {
			return errors.WithContext(err, "remove")
		}
		fallthrough
	case os.IsNotExist(err):
		if err := e.fs.MkdirAll(target, 0755); err != nil {
			return errors.WithContext(err, "mkdir")
		}
		e.stats.Created++
	case err != nil:
		return errors.WithContext(err, "lstat")
	default:
		e.stats.Updated++
	}

	return e.applyMeta(target, rec)
}

func (e *Engine) installSymlink(rec *registry.FileRecord) error {
	linker, ok := e.fs.(afero.Linker)
	if !ok {
		return errors.New("filesystem doesn't support symlinks")
	}

	target, err := e.resolve(rec.Path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(target)
	if err := e.fs.MkdirAll(dir, 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}

	tmpName := filepath.Join(dir, tempPrefix+uuid.NewString())
	if err := linker.SymlinkIfPossible(rec.LinkTarget, tmpName); err != nil {
		return errors.WithContext(err, "symlink")
	}

	if !rec.Flags.Has(registry.FlagNoAccount) {
		uid := e.ids.UserID(rec.Owner, rec.UID)
		gid := e.ids.GroupID(rec.Group, rec.GID)
		if err := lchown(tmpName, uid, gid); err != nil {
			e.removeTemp(tmpName)
			return errors.WithContext(err, "lchown")
		}
	}

	if err := e.clearDir(target); err != nil {
		e.removeTemp(tmpName)
		return err
	}

	if err := e.fs.Rename(tmpName, target); err != nil {
		e.removeTemp(tmpName)
		return errors.WithContext(err, "rename")
	}

	e.stats.Fetched++
	return nil
}

// installLink replays a hard link the server found between two listed
// files. linkTo was installed earlier in the session.
func (e *Engine) installLink(rec *registry.FileRecord, linkTo string) error {
	src, err := e.resolve(registry.Canonical(linkTo))
	if err != nil {
		return errors.WithContext(err, "link source")
	}

	target, err := e.resolve(rec.Path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(target)
	if err := e.fs.MkdirAll(dir, 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}

	tmpName := filepath.Join(dir, tempPrefix+uuid.NewString())
	if err := link(src, tmpName); err != nil {
		return errors.WithContext(err, "link")
	}

	if err := e.clearDir(target); err != nil {
		e.removeTemp(tmpName)
		return err
	}

	if err := e.fs.Rename(tmpName, target); err != nil {
		e.removeTemp(tmpName)
		return errors.WithContext(err, "rename")
	}

	e.stats.Linked++
	return nil
}

func (e *Engine) updateMeta(rec *registry.FileRecord) error {
	target, err := e.resolve(rec.Path)
	if err != nil {
		return err
	}

	if rec.Kind == registry.KindSymlink {
		if rec.Flags.Has(registry.FlagNoAccount) {
			return nil
		}

		uid := e.ids.UserID(rec.Owner, rec.UID)
		gid := e.ids.GroupID(rec.Group, rec.GID)
		if err := lchown(target, uid, gid); err != nil {
			return errors.WithContext(err, "lchown")
		}
	} else if err := e.applyMeta(target, rec); err != nil {
		return err
	}

	e.stats.Updated++
	return nil
}

// Deny records that the server refused to send the given paths.
func (e *Engine) Deny(paths []string) {
	for _, p := range paths {
		p = registry.Canonical(p)
		if need, ok := e.planned[p]; ok {
			need.Set(registry.FlagDenied)
		}

		e.stats.Denied++
		e.problem(p, "fetch", errors.New("denied by server"))
	}
}
