package client

import (
	"context"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sup/pkg/config"
	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/wire"
)

// State is where a Manager is in establishing a session.
type State int

const (
	Idle State = iota
	Connecting
	HandshakeSignon
	HandshakeSetup
	HandshakeCrypto
	HandshakeLogin
	Ready
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case HandshakeSignon:
		return "signon"
	case HandshakeSetup:
		return "setup"
	case HandshakeCrypto:
		return "crypt"
	case HandshakeLogin:
		return "login"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

const (
	// backoffUnit is the longest wait after the first pass over the hosts.
	backoffUnit = 30 * time.Second

	// maxBackoffMultiplier caps the exponential growth of the wait.
	maxBackoffMultiplier = 32
)

// Mocked out for unit testing.
var (
	dial  = (&net.Dialer{Timeout: time.Minute}).DialContext
	clock = clockwork.NewRealClock()

	randDuration = func(max time.Duration) time.Duration {
		if max <= 0 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(max)))
	}
)

// Target describes the session a Manager establishes.
type Target struct {
	Hosts      []string
	Collection string
	Release    string
	Hostname   string
	Prefix     string

	// When is the server time of the last successful sync.
	When time.Time

	Compress bool
	Crypt    string
	Login    string
	Password string

	// Timeout bounds the time spent retrying. Zero retries forever.
	Timeout time.Duration

	// IdleTimeout fails the session when the server makes no progress for
	// this long. Zero uses config.DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// Session is an established connection to a server.
type Session struct {
	Host          string
	Protocol      int32
	ServerVersion string
	ServerName    string
	Compress      bool
	Encrypted     bool

	ch *wire.Channel
}

// Manager finds a host that accepts the session, cycling through the
// configured hosts and backing off when none of them does.
type Manager struct {
	target  Target
	state   State
	session *Session
	log     *log.Entry
}

// NewManager creates a manager for target.
func NewManager(target Target) *Manager {
	return &Manager{
		target: target,
		log:    log.WithField("collection", target.Collection),
	}
}

// State returns the manager's current state.
func (m *Manager) State() State {
	return m.state
}

func (m *Manager) setState(s State) {
	m.state = s
	m.log.WithField("state", s).Debug("Connection state changed")
}

// Connect returns a session with the first host that accepts it. Busy or
// unreachable hosts are skipped. Once every host was tried, Connect sleeps
// for a random time that grows with each pass, and tries again until the
// target's timeout expires.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	if len(m.target.Hosts) == 0 {
		m.setState(Failed)
		return nil, errors.NewFriendlyError("No hosts configured for collection %s",
			m.target.Collection)
	}

	var deadline time.Time
	if m.target.Timeout > 0 {
		deadline = clock.Now().Add(m.target.Timeout)
	}

	multiplier := 1
	for {
		for _, host := range m.target.Hosts {
			sess, err := m.attempt(ctx, host)
			if err == nil {
				m.session = sess
				m.setState(Ready)
				return sess, nil
			}

			if ctx.Err() != nil {
				m.setState(Failed)
				return nil, ctx.Err()
			}

			if !retryable(err) {
				m.setState(Failed)
				return nil, err
			}
			m.log.WithError(err).WithField("host", host).Info("Host unavailable")
		}

		var remaining time.Duration
		if !deadline.IsZero() {
			remaining = deadline.Sub(clock.Now())
			if remaining <= 0 {
				m.setState(Failed)
				return nil, ErrTimeout
			}
		}

		wait := randDuration(backoffUnit * time.Duration(multiplier))
		if multiplier < maxBackoffMultiplier {
			multiplier *= 2
		}

		if !deadline.IsZero() && wait > remaining {
			wait = remaining
		}

		m.setState(Idle)
		m.log.Infof("No host accepted the session, retrying in %s", wait.Round(time.Second))
		select {
		case <-clock.After(wait):
		case <-ctx.Done():
			m.setState(Failed)
			return nil, ctx.Err()
		}
	}
}

// attempt connects to host and runs the handshake. The connection is closed
// if anything fails.
func (m *Manager) attempt(ctx context.Context, host string) (*Session, error) {
	m.setState(Connecting)
	conn, err := dial(ctx, "tcp", address(host))
	if err != nil {
		return nil, errors.WithContext(err, "dial")
	}

	idle := m.target.IdleTimeout
	if idle <= 0 {
		idle = time.Duration(config.DefaultIdleTimeout)
	}

	sess := &Session{Host: host, ch: wire.New(conn, wire.WithIdleTimeout(idle))}
	if err := m.handshake(sess); err != nil {
		sess.ch.Close(true)
		return nil, err
	}
	return sess, nil
}

// Close ends the established session gracefully.
func (m *Manager) Close() error {
	if m.session == nil {
		return nil
	}

	err := m.session.ch.Close(true)
	m.session = nil
	m.setState(Closed)
	return err
}

// Abort tells the server why the session is being dropped, and closes it.
func (m *Manager) Abort(reason string) {
	if m.session == nil {
		return
	}

	m.session.ch.GoAway(reason)
	m.session.ch.Close(true)
	m.session = nil
	m.setState(Failed)
}

// address adds the default port to host if it doesn't have one.
func address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), config.DefaultPort)
}
