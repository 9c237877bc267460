// Package wire implements the framed, tagged message channel that the sync
// client and server speak over a stream connection.
//
// A message is a 32-bit tag followed by zero or more length prefixed blocks
// and an end marker. Integers travel as 4 byte blocks and strings as
// blocks of their bytes, so the framing is the same for every value. Each
// side writes in its own byte order. The order magic exchanged during
// Handshake tells the reader whether it needs to swap.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sup/pkg/errors"
)

// Tag identifies the kind of a message.
type Tag int32

// TagGoAway is reserved for aborting a session. It may arrive in place of any
// other message.
const TagGoAway Tag = 100

const (
	magic uint32 = 0x01020304

	endCount  int32 = -1
	nullCount int32 = -2

	// ChunkSize is the size of the blocks that file payloads are split into.
	ChunkSize = 32 * 1024

	maxBlockSize = 64 << 20

	defaultDrainTimeout = 5 * time.Second
)

// Channel is a message channel on top of a stream connection. It is not safe
// for concurrent use: the protocol is strictly turn based.
//
// Once an operation fails, every later operation returns the same error.
type Channel struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader
	w    *bufio.Writer

	// order is used for everything we write, peer for everything we read.
	order, peer binary.ByteOrder

	cipher *Cipher
	crypt  bool

	idleTimeout  time.Duration
	drainTimeout time.Duration

	err error
	buf [8]byte
}

// Option configures a Channel.
type Option func(*Channel)

// WithByteOrder sets the byte order used for everything this end writes.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(ch *Channel) {
		ch.order = order
	}
}

// WithIdleTimeout fails any read or write that makes no progress for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(ch *Channel) {
		ch.idleTimeout = d
	}
}

// WithDrainTimeout bounds how long Close waits for the peer to finish.
func WithDrainTimeout(d time.Duration) Option {
	return func(ch *Channel) {
		ch.drainTimeout = d
	}
}

// New wraps conn in a Channel. Handshake must be called before any message
// is exchanged.
func New(conn io.ReadWriteCloser, opts ...Option) *Channel {
	ch := &Channel{
		conn:         conn,
		r:            bufio.NewReaderSize(conn, 2*ChunkSize),
		w:            bufio.NewWriterSize(conn, 2*ChunkSize),
		order:        binary.LittleEndian,
		peer:         binary.LittleEndian,
		drainTimeout: defaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// Err returns the error that permanently failed the channel, if any.
func (ch *Channel) Err() error {
	return ch.err
}

func (ch *Channel) fail(err error) error {
	if ch.err == nil {
		ch.err = err
	}
	return ch.err
}

// Handshake exchanges the byte order magic. The initiator writes first.
func (ch *Channel) Handshake(initiator bool) error {
	if initiator {
		if err := ch.writeMagic(); err != nil {
			return err
		}
		return ch.readMagic()
	}

	if err := ch.readMagic(); err != nil {
		return err
	}
	return ch.writeMagic()
}

func (ch *Channel) writeMagic() error {
	ch.order.PutUint32(ch.buf[:4], magic)
	if err := ch.put(ch.buf[:4]); err != nil {
		return err
	}
	return ch.flush()
}

func (ch *Channel) readMagic() error {
	if err := ch.get(ch.buf[:4]); err != nil {
		return err
	}

	switch binary.BigEndian.Uint32(ch.buf[:4]) {
	case magic:
		ch.peer = binary.BigEndian
	case 0x04030201:
		ch.peer = binary.LittleEndian
	default:
		return ch.fail(ErrBadMagic)
	}
	return nil
}

// SetCipher installs the cipher used while encryption is on.
func (ch *Channel) SetCipher(c *Cipher) {
	ch.cipher = c
}

// SetCrypt turns block encryption on or off. Tags, lengths and end markers
// always travel in the clear.
func (ch *Channel) SetCrypt(on bool) error {
	if on && ch.cipher == nil {
		return ch.fail(ErrNoCipher)
	}
	ch.crypt = on
	return nil
}

// Crypt reports whether block encryption is on.
func (ch *Channel) Crypt() bool {
	return ch.crypt
}

// OpenMessage starts a message with the given tag.
func (ch *Channel) OpenMessage(tag Tag) error {
	return ch.writeCount(int32(tag))
}

// CloseMessage ends the current message and flushes it to the peer.
func (ch *Channel) CloseMessage() error {
	if err := ch.writeCount(endCount); err != nil {
		return err
	}
	return ch.flush()
}

// ReadMessage reads the tag of the next message. A GOAWAY from the peer is
// returned as a *GoAwayError, and any other tag as an UnexpectedTagError.
// Both fail the channel.
func (ch *Channel) ReadMessage(tag Tag) error {
	got, err := ch.readCount()
	if err != nil {
		return err
	}

	switch Tag(got) {
	case tag:
		return nil
	case TagGoAway:
		return ch.fail(ch.readGoAway())
	default:
		return ch.fail(UnexpectedTagError{Want: tag, Got: Tag(got)})
	}
}

func (ch *Channel) readGoAway() error {
	// The reason is always sent in the clear.
	ch.crypt = false
	reason, err := ch.ReadString()
	if err != nil {
		return err
	}

	if err := ch.ReadEnd(); err != nil {
		return err
	}
	return &GoAwayError{Reason: reason}
}

// ReadEnd consumes the end marker of the current message.
func (ch *Channel) ReadEnd() error {
	n, err := ch.readCount()
	if err != nil {
		return err
	}

	if n != endCount {
		return ch.fail(FramingError{Msg: "message has extra blocks"})
	}
	return nil
}

// GoAway aborts the session, telling the peer why. The channel is failed
// afterwards.
func (ch *Channel) GoAway(reason string) error {
	prev := ch.err
	ch.err = nil
	ch.crypt = false

	err := ch.OpenMessage(TagGoAway)
	if err == nil {
		err = ch.WriteString(reason)
	}
	if err == nil {
		err = ch.CloseMessage()
	}

	ch.err = prev
	if err != nil {
		return ch.fail(err)
	}
	ch.fail(errGoAwaySent)
	return nil
}

// WriteBlock writes one block. A nil block is sent as null, which is distinct
// from an empty block.
func (ch *Channel) WriteBlock(b []byte) error {
	if b == nil {
		return ch.writeCount(nullCount)
	}

	if err := ch.writeCount(int32(len(b))); err != nil {
		return err
	}

	if ch.crypt {
		out := make([]byte, len(b))
		ch.cipher.enc.XORKeyStream(out, b)
		b = out
	}
	return ch.put(b)
}

// ReadBlock reads one block. A null block is returned as nil, an empty one
// as a non-nil empty slice.
func (ch *Channel) ReadBlock() ([]byte, error) {
	n, err := ch.readCount()
	if err != nil {
		return nil, err
	}

	switch {
	case n == nullCount:
		return nil, nil
	case n == endCount:
		return nil, ch.fail(ErrUnexpectedEnd)
	case n < 0 || n > maxBlockSize:
		return nil, ch.fail(FramingError{Msg: "bad block length"})
	}

	b := make([]byte, n)
	if err := ch.get(b); err != nil {
		return nil, err
	}

	if ch.crypt {
		ch.cipher.dec.XORKeyStream(b, b)
	}
	return b, nil
}

// WriteInt writes a 32-bit integer as a 4 byte block.
func (ch *Channel) WriteInt(v int32) error {
	b := make([]byte, 4)
	ch.order.PutUint32(b, uint32(v))
	return ch.WriteBlock(b)
}

// ReadInt reads a 32-bit integer block.
func (ch *Channel) ReadInt() (int32, error) {
	b, err := ch.readSized(4)
	if err != nil {
		return 0, err
	}
	return int32(ch.peer.Uint32(b)), nil
}

// WriteInt64 writes a 64-bit integer as an 8 byte block.
func (ch *Channel) WriteInt64(v int64) error {
	b := make([]byte, 8)
	ch.order.PutUint64(b, uint64(v))
	return ch.WriteBlock(b)
}

// ReadInt64 reads a 64-bit integer block.
func (ch *Channel) ReadInt64() (int64, error) {
	b, err := ch.readSized(8)
	if err != nil {
		return 0, err
	}
	return int64(ch.peer.Uint64(b)), nil
}

func (ch *Channel) readSized(size int) ([]byte, error) {
	b, err := ch.ReadBlock()
	if err != nil {
		return nil, err
	}

	if len(b) != size {
		return nil, ch.fail(FramingError{Msg: "bad integer length"})
	}
	return b, nil
}

// WriteString writes s as a block.
func (ch *Channel) WriteString(s string) error {
	return ch.WriteBlock(append([]byte{}, s...))
}

// WriteNull writes a null block.
func (ch *Channel) WriteNull() error {
	return ch.WriteBlock(nil)
}

// WriteOptString writes s, or a null block if ok is false.
func (ch *Channel) WriteOptString(s string, ok bool) error {
	if !ok {
		return ch.WriteNull()
	}
	return ch.WriteString(s)
}

// ReadString reads a string block. A null block reads as the empty string.
func (ch *Channel) ReadString() (string, error) {
	s, _, err := ch.ReadOptString()
	return s, err
}

// ReadOptString reads a string block, reporting whether it was non-null.
func (ch *Channel) ReadOptString() (string, bool, error) {
	b, err := ch.ReadBlock()
	if err != nil {
		return "", false, err
	}
	return string(b), b != nil, nil
}

// WriteStrings writes a count followed by each string.
func (ch *Channel) WriteStrings(list []string) error {
	if err := ch.WriteInt(int32(len(list))); err != nil {
		return err
	}

	for _, s := range list {
		if err := ch.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

// ReadStrings reads a list written by WriteStrings.
func (ch *Channel) ReadStrings() ([]string, error) {
	n, err := ch.ReadInt()
	if err != nil {
		return nil, err
	}

	if n < 0 || n > maxBlockSize {
		return nil, ch.fail(FramingError{Msg: "bad list length"})
	}

	var list []string
	for i := int32(0); i < n; i++ {
		s, err := ch.ReadString()
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

// Close shuts down the connection. If drain is set, our side of the stream
// is closed first and whatever the peer still sends is discarded, so that the
// peer sees a clean end of stream rather than a reset.
func (ch *Channel) Close(drain bool) error {
	ch.flush()
	if drain {
		ch.drain()
	}

	ch.fail(errors.New("channel closed"))
	return ch.conn.Close()
}

func (ch *Channel) drain() {
	// Without a half-close the peer never sees our end of stream, so there
	// is nothing to wait for.
	cw, ok := ch.conn.(interface{ CloseWrite() error })
	if !ok {
		return
	}

	deadliner, ok := ch.conn.(interface{ SetReadDeadline(time.Time) error })
	if !ok {
		return
	}

	if err := cw.CloseWrite(); err != nil {
		log.WithError(err).Debug("Failed to half-close connection")
		return
	}

	if err := deadliner.SetReadDeadline(time.Now().Add(ch.drainTimeout)); err != nil {
		return
	}

	if _, err := io.Copy(io.Discard, ch.r); err != nil {
		log.WithError(err).Debug("Stopped draining connection")
	}
}

func (ch *Channel) writeCount(n int32) error {
	ch.order.PutUint32(ch.buf[:4], uint32(n))
	return ch.put(ch.buf[:4])
}

func (ch *Channel) readCount() (int32, error) {
	if err := ch.get(ch.buf[:4]); err != nil {
		return 0, err
	}
	return int32(ch.peer.Uint32(ch.buf[:4])), nil
}

func (ch *Channel) put(b []byte) error {
	if ch.err != nil {
		return ch.err
	}

	ch.touch()
	if _, err := ch.w.Write(b); err != nil {
		return ch.fail(errors.WithContext(err, "write"))
	}
	return nil
}

func (ch *Channel) get(b []byte) error {
	if ch.err != nil {
		return ch.err
	}

	ch.touch()
	if _, err := io.ReadFull(ch.r, b); err != nil {
		return ch.fail(errors.WithContext(err, "read"))
	}
	return nil
}

func (ch *Channel) flush() error {
	if ch.err != nil {
		return ch.err
	}

	ch.touch()
	if err := ch.w.Flush(); err != nil {
		return ch.fail(errors.WithContext(err, "flush"))
	}
	return nil
}

func (ch *Channel) touch() {
	if ch.idleTimeout <= 0 {
		return
	}

	if d, ok := ch.conn.(interface{ SetDeadline(time.Time) error }); ok {
		d.SetDeadline(time.Now().Add(ch.idleTimeout))
	}
}
