package sync

import (
	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sidkik/sup/pkg/errors"
)

// Payloads larger than this are only received after checking that the
// target filesystem has room for them.
const diskCheckThreshold = 1 << 20

// Mocked out for unit testing.
var statfs = unix.Statfs

func checkSpace(dir string, size int64) error {
	var st unix.Statfs_t
	if err := statfs(dir, &st); err != nil {
		log.WithError(err).WithField("dir", dir).Debug("Failed to check free space")
		return nil
	}

	free := uint64(st.Bavail) * uint64(st.Bsize)
	if free < uint64(size) {
		return errors.New("not enough space in %s: need %s, %s available",
			dir, humanize.Bytes(uint64(size)), humanize.Bytes(free))
	}
	return nil
}
