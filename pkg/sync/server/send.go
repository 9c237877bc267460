package server

import (
	"os"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/proto"
	"github.com/sidkik/sup/pkg/registry"
	"github.com/sidkik/sup/pkg/scan"
)

// Mocked out for unit testing.
var (
	lstat  = unix.Lstat
	access = unix.Access
)

type devIno struct {
	dev, ino uint64
}

// need is a listed entry the client asked for.
type need struct {
	rec   *registry.FileRecord
	flags registry.Flags
}

// content returns whether the file's contents are sent, rather than just its
// metadata.
func (n need) content() bool {
	return n.rec.Kind == registry.KindRegular && !n.flags.Has(registry.FlagUpdateOnly)
}

type sendStats struct {
	files int
	bytes int64
}

// resolveNeeds splits the client's requests into the entries that will be
// sent, in the order they were requested, and the paths that won't.
func (sess *session) resolveNeeds(listing *registry.Registry, needs []proto.Need) (
	[]need, []string) {

	var serve []need
	var denied []string
	seen := map[string]bool{}
	for _, req := range needs {
		if seen[req.Path] {
			continue
		}
		seen[req.Path] = true

		rec, ok := listing.Lookup(req.Path)
		if !registry.ValidPath(req.Path) || !ok {
			sess.log.WithField("path", req.Path).Debug("Denying unlisted entry")
			denied = append(denied, req.Path)
			continue
		}

		n := need{rec: rec, flags: req.Flags}
		if n.content() && access(rec.Source, unix.R_OK) != nil {
			sess.log.WithField("path", req.Path).Info("Denying unreadable entry")
			denied = append(denied, req.Path)
			continue
		}
		serve = append(serve, n)
	}
	return serve, denied
}

// send sends every served entry followed by the end marker. Entries that
// can't be read are reported to the client in their header. Only a failed
// channel is returned as an error.
func (sess *session) send(serve []need) (sendStats, error) {
	var stats sendStats

	// links maps the files whose contents were sent to their path, so other
	// names for them are sent as hard links.
	links := map[devIno]string{}
	for _, n := range serve {
		sent, err := sess.sendEntry(n, links)
		if err != nil {
			return stats, errors.WithContext(err, "send "+n.rec.Path)
		}
		stats.files++
		stats.bytes += sent
	}

	if err := sess.ch.OpenMessage(proto.TagRecv); err != nil {
		return stats, errors.WithContext(err, "send end of files")
	}
	proto.WriteFileHeader(sess.ch, proto.FileHeader{End: true})
	if err := sess.ch.CloseMessage(); err != nil {
		return stats, errors.WithContext(err, "send end of files")
	}

	filesSent.WithLabelValues(sess.coll.Name).Add(float64(stats.files))
	bytesSent.WithLabelValues(sess.coll.Name).Add(float64(stats.bytes))
	return stats, nil
}

// sendEntry sends one RECV message and returns the number of content bytes
// it carried.
func (sess *session) sendEntry(n need, links map[devIno]string) (int64, error) {
	h, f := sess.prepare(n, links)
	if f != nil {
		defer f.Close()
	}

	ch := sess.ch
	if err := ch.OpenMessage(proto.TagRecv); err != nil {
		return 0, err
	}

	if err := proto.WriteFileHeader(ch, h); err != nil {
		return 0, err
	}

	var sent int64
	if h.HasPayload {
		var readErr error
		sent, readErr = ch.WriteFile(f, sess.compress)
		if err := ch.Err(); err != nil {
			return sent, err
		}

		trailer := proto.Trailer{OK: true}
		switch {
		case readErr != nil:
			trailer = proto.Trailer{Reason: readErr.Error()}
		case sent != h.Size:
			trailer = proto.Trailer{Reason: errors.ErrFileChanged.Error()}
		}

		if !trailer.OK {
			sess.log.WithField("path", h.Path).WithField("reason", trailer.Reason).Warn(
				"Failed to send file")
		}

		if err := proto.WriteTrailer(ch, trailer); err != nil {
			return sent, err
		}
	}
	return sent, ch.CloseMessage()
}

// prepare builds the header for an entry from its current state on disk, and
// opens the file if its contents are sent.
func (sess *session) prepare(n need, links map[devIno]string) (proto.FileHeader, afero.File) {
	listed := n.rec
	h := proto.FileHeader{Path: listed.Path}

	var st unix.Stat_t
	if err := lstat(listed.Source, &st); err != nil {
		return failed(h, err), nil
	}

	rec, ok := scan.NewRecord(listed.Path, listed.Source, &st)
	if !ok || rec.Kind != listed.Kind {
		h.Status = proto.FileVanished
		h.Reason = "entry was replaced by a different type"
		return h, nil
	}

	rec.Flags = listed.Flags
	rec.Exec = listed.Exec
	rec.LinkTarget = listed.LinkTarget
	rec.Owner = sess.ids.UserName(rec.UID)
	rec.Group = sess.ids.GroupName(rec.GID)
	h.Record = rec

	if !n.content() {
		return h, nil
	}

	key := devIno{rec.Dev, rec.Ino}
	if rec.Nlink > 1 {
		if first, ok := links[key]; ok {
			h.LinkTo = first
			return h, nil
		}
	}

	f, err := fs.Open(rec.Source)
	if err != nil {
		return failed(h, err), nil
	}

	if rec.Nlink > 1 {
		links[key] = rec.Path
	}
	h.Size = rec.Size
	h.HasPayload = true
	return h, f
}

func failed(h proto.FileHeader, err error) proto.FileHeader {
	h.Record = nil
	h.Status = proto.FileUnreadable
	if os.IsNotExist(err) {
		h.Status = proto.FileVanished
	}
	h.Reason = err.Error()
	return h
}
