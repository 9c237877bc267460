package util

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sup/pkg/errors"
)

// Mocked out for unit testing.
var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

// HandleFatalError prints the operator-facing message for err and exits.
// The full error is logged at debug level, since the friendly message hides
// the context it was wrapped in.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintf(stderr, "Error: %s\n", errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic logs a panic along with its stack trace, and exits. It must be
// deferred directly by the goroutine that may panic.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		exit(1)
	}
}

// SignalContext returns a context that's cancelled when the process is
// interrupted or terminated.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
