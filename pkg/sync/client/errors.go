package client

import (
	"context"
	"fmt"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/proto"
	"github.com/sidkik/sup/pkg/wire"
)

var (
	// ErrTimeout is returned when no host accepted the session before the
	// collection's timeout expired.
	ErrTimeout = errors.NewFriendlyError("Timed out waiting for a server to accept the session")

	// ErrCryptMismatch is returned when the server decrypted the crypt test
	// to something else, which means the two sides use different keys.
	ErrCryptMismatch = errors.NewFriendlyError("Encryption test failed: the server uses a different key")

	// ErrClearLogin is returned when a client with a key would have to send
	// its login to a server that doesn't encrypt the session.
	ErrClearLogin = errors.NewFriendlyError("The server doesn't encrypt this collection, " +
		"so the login would be sent in the clear")
)

// SetupError is returned when the server rejects the session during setup.
type SetupError struct {
	Host   string
	Status proto.SetupStatus
	Reason string
}

func (err *SetupError) Error() string {
	msg := fmt.Sprintf("%s refused the session: %s", err.Host, err.Status)
	if err.Reason != "" {
		msg += fmt.Sprintf(" (%s)", err.Reason)
	}
	return msg
}

// FriendlyMessage returns the rejection as shown to the operator.
func (err *SetupError) FriendlyMessage() string {
	return err.Error()
}

// Retryable returns whether another host, or the same host later, may accept
// the session.
func (err *SetupError) Retryable() bool {
	return err.Status == proto.SetupBusy
}

// LoginError is returned when the server rejects the login.
type LoginError struct {
	Host   string
	Reason string
}

func (err *LoginError) Error() string {
	return fmt.Sprintf("%s rejected the login: %s", err.Host, err.Reason)
}

// FriendlyMessage returns the rejection as shown to the operator.
func (err *LoginError) FriendlyMessage() string {
	return err.Error()
}

// retryable returns whether err may go away by trying another host or
// waiting. Connection and transport failures are retryable. Anything the
// server or the client decided on purpose isn't.
func retryable(err error) bool {
	var setupErr *SetupError
	if errors.As(err, &setupErr) {
		return setupErr.Retryable()
	}

	var goAway *wire.GoAwayError
	var loginErr *LoginError
	var friendly errors.FriendlyError
	switch {
	case errors.As(err, &goAway), errors.As(err, &loginErr), errors.As(err, &friendly):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
