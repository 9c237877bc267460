package registry

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Kind is the type of filesystem entry a FileRecord describes.
type Kind int

const (
	// KindRegular is a regular file.
	KindRegular Kind = iota

	// KindDirectory is a directory.
	KindDirectory

	// KindSymlink is a symbolic link.
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindOf returns the Kind for the given mode. Entries that aren't regular
// files, directories or symlinks (devices, sockets, pipes) aren't tracked.
func KindOf(mode os.FileMode) (Kind, bool) {
	switch {
	case mode.IsRegular():
		return KindRegular, true
	case mode.IsDir():
		return KindDirectory, true
	case mode&os.ModeSymlink != 0:
		return KindSymlink, true
	}
	return 0, false
}

// Flags are per-record markers set while planning and executing a sync.
type Flags uint32

const (
	// FlagNew marks entries that changed after the client's last sync.
	FlagNew Flags = 1 << iota

	// FlagUpdateOnly marks entries that only need their owner, mode or
	// timestamps refreshed.
	FlagUpdateOnly

	// FlagNeeded marks entries the client requested.
	FlagNeeded

	// FlagNoAccount marks entries whose ownership isn't synced.
	FlagNoAccount

	// FlagBackup marks entries whose previous contents should be kept as a
	// backup before they are replaced.
	FlagBackup

	// FlagAlwaysSync marks entries that are upgraded even if they aren't new.
	FlagAlwaysSync

	// FlagDenied marks entries the server refused to send.
	FlagDenied

	// FlagKeep marks entries that couldn't be deleted and stay tracked.
	FlagKeep
)

var flagNames = []string{
	"new", "update-only", "needed", "no-account", "backup", "always", "denied", "keep",
}

// Has returns whether all the bits in `other` are set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

func (f Flags) String() string {
	var names []string
	for i, name := range flagNames {
		if f&(1<<uint(i)) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// ModeMask selects the mode bits that are tracked and synced.
const ModeMask = os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky

// FileRecord describes one tracked filesystem entry.
type FileRecord struct {
	// Path is relative to the collection root and never starts with "./".
	Path string

	Kind Kind

	// Mode only contains the bits selected by ModeMask.
	Mode os.FileMode

	ModTime    time.Time
	ChangeTime time.Time

	// UID and GID are the numeric owner ids on the host that built the
	// record. Owner and Group are the resolved names, and may be empty until
	// they are resolved.
	UID, GID     int
	Owner, Group string

	Flags Flags

	// LinkTarget is set for symlinks.
	LinkTarget string

	// Exec contains commands to run after the entry is updated.
	Exec []string

	// The fields below are only known to the server and never sent over the
	// wire.

	Size  int64
	Dev   uint64
	Ino   uint64
	Nlink uint64

	// Source is the path that should be opened to read the entry. It differs
	// from Path when a symlink was followed.
	Source string
}

// Set sets the given flags.
func (rec *FileRecord) Set(flags Flags) {
	rec.Flags |= flags
}

// Clear clears the given flags.
func (rec *FileRecord) Clear(flags Flags) {
	rec.Flags &^= flags
}

func (rec *FileRecord) String() string {
	if rec.Flags == 0 {
		return fmt.Sprintf("%s (%s)", rec.Path, rec.Kind)
	}
	return fmt.Sprintf("%s (%s, %s)", rec.Path, rec.Kind, rec.Flags)
}
