// Package proto defines the messages exchanged by the sync client and server
// and their encoding on top of a wire.Channel.
//
// Encoders and decoders issue their block operations back to back and only
// check the channel error at the end. This is safe because a failed channel
// returns the same error from every later operation.
package proto

import (
	"fmt"

	"github.com/sidkik/sup/pkg/wire"
)

// Message tags, in the order they appear in a session.
const (
	TagSignon    wire.Tag = 101
	TagSignonAck wire.Tag = 102
	TagSetup     wire.Tag = 103
	TagSetupAck  wire.Tag = 104
	TagLogin     wire.Tag = 105
	TagLoginAck  wire.Tag = 106
	TagCrypt     wire.Tag = 107
	TagCryptAck  wire.Tag = 108
	TagRefuse    wire.Tag = 109
	TagList      wire.Tag = 110
	TagNeed      wire.Tag = 111
	TagDeny      wire.Tag = 112
	TagCryptTest wire.Tag = 113
	TagRecv      wire.Tag = 114
	TagDone      wire.Tag = 115
	TagDoneAck   wire.Tag = 116
)

// CryptTestString is sent through the cipher by both ends to check that they
// share a key.
const CryptTestString = "The quick brown fox jumps over the lazy dog"

// Message is a complete protocol message.
type Message interface {
	Tag() wire.Tag
	encode(ch *wire.Channel)
	decode(ch *wire.Channel)
}

// Send writes m as one message.
func Send(ch *wire.Channel, m Message) error {
	if err := ch.OpenMessage(m.Tag()); err != nil {
		return err
	}
	m.encode(ch)
	return ch.CloseMessage()
}

// Recv reads the next message into m. It fails if the next message isn't of
// m's type.
func Recv(ch *wire.Channel, m Message) error {
	if err := ch.ReadMessage(m.Tag()); err != nil {
		return err
	}
	m.decode(ch)
	if err := ch.Err(); err != nil {
		return err
	}
	return ch.ReadEnd()
}

// SetupStatus is the server's answer to a Setup request.
type SetupStatus int32

const (
	SetupOK SetupStatus = iota
	SetupSameHostAndPath
	SetupHostDenied
	SetupClientTooOld
	SetupBusy
	SetupInvalidRelease
)

func (s SetupStatus) String() string {
	switch s {
	case SetupOK:
		return "ok"
	case SetupSameHostAndPath:
		return "same host and path"
	case SetupHostDenied:
		return "host not permitted"
	case SetupClientTooOld:
		return "client too old"
	case SetupBusy:
		return "server busy"
	case SetupInvalidRelease:
		return "invalid release"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Signon opens a session. It's sent by the client right after the byte order
// handshake.
type Signon struct {
	Protocol int32
	Version  string
	Hostname string
}

func (*Signon) Tag() wire.Tag { return TagSignon }

func (m *Signon) encode(ch *wire.Channel) {
	ch.WriteInt(m.Protocol)
	ch.WriteString(m.Version)
	ch.WriteString(m.Hostname)
}

func (m *Signon) decode(ch *wire.Channel) {
	m.Protocol, _ = ch.ReadInt()
	m.Version, _ = ch.ReadString()
	m.Hostname, _ = ch.ReadString()
}

// SignonAck carries the protocol version both ends will speak, which is the
// lower of the two.
type SignonAck struct {
	Protocol int32
	Version  string
	Hostname string
}

func (*SignonAck) Tag() wire.Tag { return TagSignonAck }

func (m *SignonAck) encode(ch *wire.Channel) {
	ch.WriteInt(m.Protocol)
	ch.WriteString(m.Version)
	ch.WriteString(m.Hostname)
}

func (m *SignonAck) decode(ch *wire.Channel) {
	m.Protocol, _ = ch.ReadInt()
	m.Version, _ = ch.ReadString()
	m.Hostname, _ = ch.ReadString()
}

// Setup selects the collection and release to sync.
type Setup struct {
	Collection string
	Release    string

	// Hostname and Prefix identify where the client installs the
	// collection, so the server can refuse to sync a directory onto itself.
	Hostname string
	Prefix   string

	// When is the Unix time of the client's last successful sync.
	When int64

	Compress bool
}

func (*Setup) Tag() wire.Tag { return TagSetup }

func (m *Setup) encode(ch *wire.Channel) {
	ch.WriteString(m.Collection)
	ch.WriteString(m.Release)
	ch.WriteString(m.Hostname)
	ch.WriteString(m.Prefix)
	ch.WriteInt64(m.When)
	ch.WriteInt(boolInt(m.Compress))
}

func (m *Setup) decode(ch *wire.Channel) {
	m.Collection, _ = ch.ReadString()
	m.Release, _ = ch.ReadString()
	m.Hostname, _ = ch.ReadString()
	m.Prefix, _ = ch.ReadString()
	m.When, _ = ch.ReadInt64()
	compress, _ := ch.ReadInt()
	m.Compress = compress != 0
}

// SetupAck answers Setup. Compress is whether the server agreed to compress
// file payloads.
type SetupAck struct {
	Status   SetupStatus
	Reason   string
	Compress bool
}

func (*SetupAck) Tag() wire.Tag { return TagSetupAck }

func (m *SetupAck) encode(ch *wire.Channel) {
	ch.WriteInt(int32(m.Status))
	ch.WriteString(m.Reason)
	ch.WriteInt(boolInt(m.Compress))
}

func (m *SetupAck) decode(ch *wire.Channel) {
	status, _ := ch.ReadInt()
	m.Status = SetupStatus(status)
	m.Reason, _ = ch.ReadString()
	compress, _ := ch.ReadInt()
	m.Compress = compress != 0
}

// Crypt proposes a session nonce. A nil Nonce means the client has no key
// and wants to continue in the clear.
type Crypt struct {
	Nonce []byte
}

func (*Crypt) Tag() wire.Tag { return TagCrypt }

func (m *Crypt) encode(ch *wire.Channel) {
	ch.WriteBlock(m.Nonce)
}

func (m *Crypt) decode(ch *wire.Channel) {
	m.Nonce, _ = ch.ReadBlock()
}

// CryptAck tells the client whether encryption is on from now on.
type CryptAck struct {
	Enabled bool
}

func (*CryptAck) Tag() wire.Tag { return TagCryptAck }

func (m *CryptAck) encode(ch *wire.Channel) {
	ch.WriteInt(boolInt(m.Enabled))
}

func (m *CryptAck) decode(ch *wire.Channel) {
	enabled, _ := ch.ReadInt()
	m.Enabled = enabled != 0
}

// CryptTest carries CryptTestString through the cipher.
type CryptTest struct {
	Text string
}

func (*CryptTest) Tag() wire.Tag { return TagCryptTest }

func (m *CryptTest) encode(ch *wire.Channel) {
	ch.WriteString(m.Text)
}

func (m *CryptTest) decode(ch *wire.Channel) {
	m.Text, _ = ch.ReadString()
}

// Login authenticates the client. It's always sent, with an empty User when
// the client has no account configured.
type Login struct {
	User     string
	Password string
}

func (*Login) Tag() wire.Tag { return TagLogin }

func (m *Login) encode(ch *wire.Channel) {
	ch.WriteString(m.User)
	ch.WriteString(m.Password)
}

func (m *Login) decode(ch *wire.Channel) {
	m.User, _ = ch.ReadString()
	m.Password, _ = ch.ReadString()
}

// LoginAck answers Login. An empty Reason means success.
type LoginAck struct {
	OK     bool
	Reason string
}

func (*LoginAck) Tag() wire.Tag { return TagLoginAck }

func (m *LoginAck) encode(ch *wire.Channel) {
	ch.WriteInt(boolInt(m.OK))
	ch.WriteString(m.Reason)
}

func (m *LoginAck) decode(ch *wire.Channel) {
	ok, _ := ch.ReadInt()
	m.OK = ok != 0
	m.Reason, _ = ch.ReadString()
}

// Refuse lists the patterns the client won't accept.
type Refuse struct {
	Patterns []string
}

func (*Refuse) Tag() wire.Tag { return TagRefuse }

func (m *Refuse) encode(ch *wire.Channel) {
	ch.WriteStrings(m.Patterns)
}

func (m *Refuse) decode(ch *wire.Channel) {
	m.Patterns, _ = ch.ReadStrings()
}

// Deny lists the needed paths the server won't send.
type Deny struct {
	Paths []string
}

func (*Deny) Tag() wire.Tag { return TagDeny }

func (m *Deny) encode(ch *wire.Channel) {
	ch.WriteStrings(m.Paths)
}

func (m *Deny) decode(ch *wire.Channel) {
	m.Paths, _ = ch.ReadStrings()
}

// Done ends the session. Error summarizes the client's per-file failures.
type Done struct {
	Errors int32
	Error  string
}

func (*Done) Tag() wire.Tag { return TagDone }

func (m *Done) encode(ch *wire.Channel) {
	ch.WriteInt(m.Errors)
	ch.WriteString(m.Error)
}

func (m *Done) decode(ch *wire.Channel) {
	m.Errors, _ = ch.ReadInt()
	m.Error, _ = ch.ReadString()
}

// DoneAck acknowledges Done. After it, both ends close.
type DoneAck struct{}

func (*DoneAck) Tag() wire.Tag { return TagDoneAck }

func (*DoneAck) encode(*wire.Channel) {}

func (*DoneAck) decode(*wire.Channel) {}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
