package proto

import (
	"github.com/sidkik/sup/pkg/registry"
	"github.com/sidkik/sup/pkg/wire"
)

// FileStatus is the server's verdict on one requested entry.
type FileStatus int32

const (
	// FileOK means the entry follows.
	FileOK FileStatus = iota

	// FileUnreadable means the server couldn't open the entry.
	FileUnreadable

	// FileVanished means the entry disappeared since the listing was built.
	FileVanished
)

// FileHeader starts the RECV message for one entry. The server sends one
// RECV per entry it serves, followed by a RECV whose header has End set.
//
// When HasPayload is set, the file contents follow the header as a wire file
// payload, and a Trailer follows the payload.
type FileHeader struct {
	End bool

	Path   string
	Status FileStatus
	Reason string
	Record *registry.FileRecord

	// LinkTo names an entry already sent in this session that this one is
	// a hard link to.
	LinkTo string

	// Size is the size of the file on the server. The payload may be
	// smaller when it's compressed.
	Size int64

	HasPayload bool
}

// WriteFileHeader writes h inside an open RECV message.
func WriteFileHeader(ch *wire.Channel, h FileHeader) error {
	ch.WriteInt(boolInt(!h.End))
	if h.End {
		return ch.Err()
	}

	ch.WriteString(h.Path)
	ch.WriteInt(int32(h.Status))
	ch.WriteString(h.Reason)
	if h.Status == FileOK {
		writeRecord(ch, h.Record)
		ch.WriteOptString(h.LinkTo, h.LinkTo != "")
		ch.WriteInt64(h.Size)
		ch.WriteInt(boolInt(h.HasPayload))
	}
	return ch.Err()
}

// ReadFileHeader reads a header written by WriteFileHeader.
func ReadFileHeader(ch *wire.Channel) (FileHeader, error) {
	var h FileHeader

	more, err := ch.ReadInt()
	if err != nil {
		return h, err
	}

	if more == 0 {
		h.End = true
		return h, nil
	}

	path, _ := ch.ReadString()
	h.Path = registry.Canonical(path)
	status, _ := ch.ReadInt()
	h.Status = FileStatus(status)
	h.Reason, _ = ch.ReadString()
	if h.Status == FileOK {
		h.Record = readRecord(ch)
		h.LinkTo, _ = ch.ReadString()
		h.Size, _ = ch.ReadInt64()
		payload, _ := ch.ReadInt()
		h.HasPayload = payload != 0
	}
	return h, ch.Err()
}

// Trailer follows a file payload and reports whether the server read the
// whole file.
type Trailer struct {
	OK     bool
	Reason string
}

// WriteTrailer writes t inside an open RECV message.
func WriteTrailer(ch *wire.Channel, t Trailer) error {
	ch.WriteInt(boolInt(t.OK))
	ch.WriteString(t.Reason)
	return ch.Err()
}

// ReadTrailer reads a trailer written by WriteTrailer.
func ReadTrailer(ch *wire.Channel) (Trailer, error) {
	var t Trailer
	ok, _ := ch.ReadInt()
	t.OK = ok != 0
	t.Reason, _ = ch.ReadString()
	return t, ch.Err()
}
