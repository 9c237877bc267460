package wire

import (
	"fmt"

	"github.com/sidkik/sup/pkg/errors"
)

var (
	// ErrBadMagic is returned when the first word on a connection isn't the
	// byte order magic in either byte order.
	ErrBadMagic = errors.New("bad byte order magic")

	// ErrUnexpectedEnd is returned when a message ends before all the
	// expected blocks were read.
	ErrUnexpectedEnd = errors.New("message ended early")

	// ErrNoCipher is returned when encryption is enabled before a cipher was
	// configured.
	ErrNoCipher = errors.New("no cipher configured")

	errGoAwaySent = errors.New("session aborted")
)

// FramingError is returned when the peer sends data that doesn't follow the
// message framing.
type FramingError struct {
	Msg string
}

func (err FramingError) Error() string {
	return fmt.Sprintf("framing error: %s", err.Msg)
}

// UnexpectedTagError is returned when a message arrives that doesn't match
// the protocol state.
type UnexpectedTagError struct {
	Want, Got Tag
}

func (err UnexpectedTagError) Error() string {
	return fmt.Sprintf("expected message %d, got %d", err.Want, err.Got)
}

// GoAwayError is returned when the peer aborted the session. Reason is the
// explanation sent by the peer.
type GoAwayError struct {
	Reason string
}

func (err *GoAwayError) Error() string {
	return fmt.Sprintf("peer aborted session: %s", err.Reason)
}

// FriendlyMessage returns the peer's reason so that both ends log the same
// explanation.
func (err *GoAwayError) FriendlyMessage() string {
	return fmt.Sprintf("The remote end aborted the session: %s", err.Reason)
}
