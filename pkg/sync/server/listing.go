package server

import (
	"time"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/exclude"
	"github.com/sidkik/sup/pkg/registry"
	"github.com/sidkik/sup/pkg/scan"
)

// listing builds what the client is offered: the collection's entries minus
// the ones it refuses, annotated with the collection rules and marked new if
// they changed since the client's last sync. The returned time is when the
// entries were read, which the client sends back on its next sync.
func (sess *session) listing(refuse *exclude.Set) (*registry.Registry, time.Time, error) {
	coll := sess.coll
	reg, when, err := sess.readListing()
	if err != nil {
		return nil, time.Time{}, err
	}

	var since time.Time
	if sess.setup.When > 0 {
		since = time.Unix(sess.setup.When, 0)
	}

	var dropped []string
	reg.Walk(registry.Forward, func(rec *registry.FileRecord) error {
		// The scan file may predate a change to the rules.
		if refuse.Match(rec.Path) || coll.rules.Omitted(rec.Path) {
			dropped = append(dropped, rec.Path)
			return nil
		}

		rec.Flags = 0
		coll.rules.Annotate(rec)

		// Timestamps in the scan file are truncated to the second, so a
		// change in the same second as the last sync counts as new.
		if since.IsZero() || !rec.ChangeTime.Before(since) {
			rec.Set(registry.FlagNew)
		}

		rec.Owner = sess.ids.UserName(rec.UID)
		rec.Group = sess.ids.GroupName(rec.GID)
		return nil
	})

	for _, p := range dropped {
		reg.Delete(p)
	}
	return reg, when, nil
}

// readListing walks the collection, or reads its scan file if it uses one.
// A scan file that can't be read is logged and replaced by a walk.
func (sess *session) readListing() (*registry.Registry, time.Time, error) {
	coll := sess.coll
	if coll.UseScanFile {
		reg, when, err := scan.ReadFile(fs, scan.FilePath(coll.ServedCollection))
		if err == nil {
			return reg, when, nil
		}
		sess.log.WithError(err).Warn("Failed to read scan file. Walking the collection instead.")
	}

	when := time.Now()
	reg, err := scan.Walk(sess.ctx, coll.Root, coll.rules)
	if err != nil {
		return nil, time.Time{}, errors.WithContext(err, "walk collection")
	}
	return reg, when, nil
}
