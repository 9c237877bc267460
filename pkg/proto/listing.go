package proto

import (
	"os"
	"time"

	"github.com/sidkik/sup/pkg/registry"
	"github.com/sidkik/sup/pkg/wire"
)

// List is the server's listing of the collection, in path order.
type List struct {
	// When is the server's time when the listing was built. The client
	// sends it back as the time of its last sync, so that the two clocks
	// never need to agree.
	When time.Time

	Records []*registry.FileRecord
}

func (*List) Tag() wire.Tag { return TagList }

func (m *List) encode(ch *wire.Channel) {
	ch.WriteInt64(m.When.Unix())
	ch.WriteInt(int32(len(m.Records)))
	for _, rec := range m.Records {
		writeRecord(ch, rec)
	}
}

func (m *List) decode(ch *wire.Channel) {
	when, _ := ch.ReadInt64()
	m.When = time.Unix(when, 0)

	n, err := ch.ReadInt()
	if err != nil {
		return
	}

	m.Records = nil
	for i := int32(0); i < n && ch.Err() == nil; i++ {
		m.Records = append(m.Records, readRecord(ch))
	}
}

// Registry returns the listing as a registry.
func (m *List) Registry() *registry.Registry {
	reg := registry.New()
	for _, rec := range m.Records {
		reg.Add(rec)
	}
	return reg
}

// Need is one entry the client requests.
type Need struct {
	Path  string
	Flags registry.Flags
}

// NeedList is the client's requests, in the order it wants them sent.
type NeedList struct {
	Needs []Need
}

func (*NeedList) Tag() wire.Tag { return TagNeed }

func (m *NeedList) encode(ch *wire.Channel) {
	ch.WriteInt(int32(len(m.Needs)))
	for _, need := range m.Needs {
		ch.WriteString(need.Path)
		ch.WriteInt(int32(need.Flags))
	}
}

func (m *NeedList) decode(ch *wire.Channel) {
	n, err := ch.ReadInt()
	if err != nil {
		return
	}

	m.Needs = nil
	for i := int32(0); i < n && ch.Err() == nil; i++ {
		var need Need
		need.Path, _ = ch.ReadString()
		flags, _ := ch.ReadInt()
		need.Flags = registry.Flags(flags)
		m.Needs = append(m.Needs, need)
	}
}

// writeRecord writes the fields of rec that are meaningful to the peer.
// Server-only fields such as the inode are never sent.
func writeRecord(ch *wire.Channel, rec *registry.FileRecord) {
	ch.WriteString(rec.Path)
	ch.WriteInt(int32(rec.Kind))
	ch.WriteInt(int32(rec.Mode & registry.ModeMask))
	ch.WriteInt64(rec.ModTime.Unix())
	ch.WriteInt64(rec.ChangeTime.Unix())
	ch.WriteInt(int32(rec.Flags))
	ch.WriteInt(int32(rec.UID))
	ch.WriteInt(int32(rec.GID))
	ch.WriteString(rec.Owner)
	ch.WriteString(rec.Group)
	ch.WriteOptString(rec.LinkTarget, rec.Kind == registry.KindSymlink)
	ch.WriteStrings(rec.Exec)
}

func readRecord(ch *wire.Channel) *registry.FileRecord {
	rec := &registry.FileRecord{}

	path, _ := ch.ReadString()
	rec.Path = registry.Canonical(path)

	kind, _ := ch.ReadInt()
	rec.Kind = registry.Kind(kind)

	mode, _ := ch.ReadInt()
	rec.Mode = os.FileMode(uint32(mode)) & registry.ModeMask

	mtime, _ := ch.ReadInt64()
	rec.ModTime = time.Unix(mtime, 0)
	ctime, _ := ch.ReadInt64()
	rec.ChangeTime = time.Unix(ctime, 0)

	flags, _ := ch.ReadInt()
	rec.Flags = registry.Flags(flags)

	uid, _ := ch.ReadInt()
	gid, _ := ch.ReadInt()
	rec.UID, rec.GID = int(uid), int(gid)
	rec.Owner, _ = ch.ReadString()
	rec.Group, _ = ch.ReadString()

	rec.LinkTarget, _ = ch.ReadString()
	rec.Exec, _ = ch.ReadStrings()
	return rec
}
