package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sidkik/sup/pkg/config"
	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/proto"
	"github.com/sidkik/sup/pkg/scan"
	"github.com/sidkik/sup/pkg/version"
	"github.com/sidkik/sup/pkg/wire"
)

// testCollection returns a collection served from a fresh temporary root.
func testCollection(t *testing.T, name string) config.ServedCollection {
	return config.ServedCollection{
		Name:        name,
		Root:        t.TempDir(),
		StateDir:    t.TempDir(),
		Releases:    []string{config.DefaultRelease},
		Upgrade:     []string{"."},
		MaxSessions: 2,
	}
}

func newTestServer(t *testing.T, cfg config.Server, colls ...config.ServedCollection) *Server {
	cfg.Hostname = "server"
	cfg.Collections = colls
	srv, err := New(cfg)
	require.NoError(t, err)
	return srv
}

type testClient struct {
	t  *testing.T
	ch *wire.Channel
}

// connect starts a session on srv over an in-memory connection.
func connect(t *testing.T, srv *Server) *testClient {
	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeConn(context.Background(), serverConn)
	}()

	t.Cleanup(func() {
		clientConn.Close()
		<-done
	})

	ch := wire.New(clientConn)
	require.NoError(t, ch.Handshake(true))
	return &testClient{t: t, ch: ch}
}

func (c *testClient) send(m proto.Message) {
	require.NoError(c.t, proto.Send(c.ch, m))
}

func (c *testClient) recv(m proto.Message) {
	require.NoError(c.t, proto.Recv(c.ch, m))
}

func (c *testClient) signon() proto.SignonAck {
	c.send(&proto.Signon{Protocol: version.Protocol, Version: "1.0.0", Hostname: "client"})
	var ack proto.SignonAck
	c.recv(&ack)
	return ack
}

func (c *testClient) setup(req proto.Setup) proto.SetupAck {
	if req.Release == "" {
		req.Release = config.DefaultRelease
	}
	if req.Hostname == "" {
		req.Hostname = "client"
	}
	c.send(&req)

	var ack proto.SetupAck
	c.recv(&ack)
	return ack
}

func (c *testClient) login(user, password string) proto.LoginAck {
	c.send(&proto.Login{User: user, Password: password})
	var ack proto.LoginAck
	c.recv(&ack)
	return ack
}

// open runs the handshake up to a successful login.
func (c *testClient) open(setup proto.Setup) {
	c.signon()
	require.Equal(c.t, proto.SetupOK, c.setup(setup).Status)

	c.send(&proto.Crypt{})
	var ack proto.CryptAck
	c.recv(&ack)
	require.False(c.t, ack.Enabled)

	require.True(c.t, c.login("", "").OK)
}

func TestSignon(t *testing.T) {
	srv := newTestServer(t, config.Server{}, testCollection(t, "src"))
	c := connect(t, srv)

	ack := c.signon()
	assert.Equal(t, int32(version.Protocol), ack.Protocol)
	assert.Equal(t, "server", ack.Hostname)
	assert.Equal(t, version.Program(), ack.Version)
}

func TestSignonOldProtocol(t *testing.T) {
	srv := newTestServer(t, config.Server{}, testCollection(t, "src"))
	c := connect(t, srv)

	c.send(&proto.Signon{Protocol: version.MinProtocol - 1, Version: "0.1.0"})
	err := proto.Recv(c.ch, &proto.SignonAck{})

	var goAway *wire.GoAwayError
	require.True(t, errors.As(err, &goAway))
	assert.Contains(t, goAway.Reason, "too old")
}

func TestUnknownCollection(t *testing.T) {
	srv := newTestServer(t, config.Server{}, testCollection(t, "src"))
	c := connect(t, srv)

	c.signon()
	c.send(&proto.Setup{Collection: "missing", Release: config.DefaultRelease})
	err := proto.Recv(c.ch, &proto.SetupAck{})

	var goAway *wire.GoAwayError
	require.True(t, errors.As(err, &goAway))
	assert.Equal(t, "collection missing is not served by server", goAway.Reason)
}

func TestSetupWithoutCollection(t *testing.T) {
	srv := newTestServer(t, config.Server{}, testCollection(t, "src"))
	c := connect(t, srv)

	c.signon()
	c.send(&proto.Setup{Release: config.DefaultRelease})
	err := proto.Recv(c.ch, &proto.SetupAck{})

	var goAway *wire.GoAwayError
	require.True(t, errors.As(err, &goAway))
	assert.Equal(t, "missing required field: collection", goAway.Reason)
}

func TestSetupStatus(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.Server
		modify    func(*config.ServedCollection)
		prepare   func(*testing.T, *Server, config.ServedCollection)
		setup     func(config.ServedCollection) proto.Setup
		expStatus proto.SetupStatus
	}{
		{
			name:      "OK",
			expStatus: proto.SetupOK,
		},
		{
			name: "HostDenied",
			modify: func(coll *config.ServedCollection) {
				coll.AllowHosts = []string{"10.0.0.0/8"}
			},
			expStatus: proto.SetupHostDenied,
		},
		{
			name:      "ClientTooOld",
			cfg:       config.Server{MinClientVersion: "2.0.0"},
			expStatus: proto.SetupClientTooOld,
		},
		{
			name: "InvalidRelease",
			setup: func(coll config.ServedCollection) proto.Setup {
				return proto.Setup{Collection: coll.Name, Release: "beta"}
			},
			expStatus: proto.SetupInvalidRelease,
		},
		{
			name: "SameHostAndPath",
			setup: func(coll config.ServedCollection) proto.Setup {
				return proto.Setup{
					Collection: coll.Name,
					Hostname:   "server",
					Prefix:     coll.Root + "/",
				}
			},
			expStatus: proto.SetupSameHostAndPath,
		},
		{
			name: "TooManySessions",
			modify: func(coll *config.ServedCollection) {
				coll.MaxSessions = 1
			},
			prepare: func(t *testing.T, srv *Server, coll config.ServedCollection) {
				require.True(t, srv.collections[coll.Name].sessions.TryAcquire(1))
			},
			expStatus: proto.SetupBusy,
		},
		{
			name: "BeingRescanned",
			prepare: func(t *testing.T, _ *Server, coll config.ServedCollection) {
				l := flock.New(scan.LockPath(coll))
				require.NoError(t, l.Lock())
				t.Cleanup(func() { l.Unlock() })
			},
			expStatus: proto.SetupBusy,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			coll := testCollection(t, "setup-"+test.name)
			if test.modify != nil {
				test.modify(&coll)
			}

			srv := newTestServer(t, test.cfg, coll)
			if test.prepare != nil {
				test.prepare(t, srv, coll)
			}

			setup := proto.Setup{Collection: coll.Name, Compress: true}
			if test.setup != nil {
				setup = test.setup(coll)
			}

			busyBefore := testutil.ToFloat64(busyRejections.WithLabelValues(coll.Name))

			c := connect(t, srv)
			c.signon()
			ack := c.setup(setup)
			assert.Equal(t, test.expStatus, ack.Status)
			assert.Equal(t, test.expStatus == proto.SetupOK, ack.Compress)

			if test.expStatus != proto.SetupOK {
				assert.NotEmpty(t, ack.Reason)
			}

			busy := testutil.ToFloat64(busyRejections.WithLabelValues(coll.Name)) - busyBefore
			if test.expStatus == proto.SetupBusy {
				assert.Equal(t, float64(1), busy)
			} else {
				assert.Zero(t, busy)
			}
		})
	}
}

func TestSessionSlotReleased(t *testing.T) {
	coll := testCollection(t, "slots")
	coll.MaxSessions = 1
	srv := newTestServer(t, config.Server{}, coll)

	for i := 0; i < 2; i++ {
		clientConn, serverConn := net.Pipe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			srv.ServeConn(context.Background(), serverConn)
		}()

		ch := wire.New(clientConn)
		require.NoError(t, ch.Handshake(true))
		c := &testClient{t: t, ch: ch}
		c.signon()
		assert.Equal(t, proto.SetupOK, c.setup(proto.Setup{Collection: coll.Name}).Status)

		clientConn.Close()
		<-done
	}
	assert.Zero(t, testutil.ToFloat64(sessionsActive.WithLabelValues(coll.Name)))
}

func TestCrypt(t *testing.T) {
	coll := testCollection(t, "crypt")
	coll.Crypt = "key"
	srv := newTestServer(t, config.Server{}, coll)

	t.Run("SameKey", func(t *testing.T) {
		c := connect(t, srv)
		c.signon()
		require.Equal(t, proto.SetupOK, c.setup(proto.Setup{Collection: coll.Name}).Status)

		nonce, err := wire.NewNonce()
		require.NoError(t, err)
		c.send(&proto.Crypt{Nonce: nonce})

		var ack proto.CryptAck
		c.recv(&ack)
		require.True(t, ack.Enabled)

		cipher, err := wire.NewCipher("key", nonce, true)
		require.NoError(t, err)
		c.ch.SetCipher(cipher)
		require.NoError(t, c.ch.SetCrypt(true))

		c.send(&proto.CryptTest{Text: proto.CryptTestString})
		var test proto.CryptTest
		c.recv(&test)
		assert.Equal(t, proto.CryptTestString, test.Text)

		assert.True(t, c.login("", "").OK)
	})

	t.Run("DifferentKey", func(t *testing.T) {
		c := connect(t, srv)
		c.signon()
		require.Equal(t, proto.SetupOK, c.setup(proto.Setup{Collection: coll.Name}).Status)

		nonce, err := wire.NewNonce()
		require.NoError(t, err)
		c.send(&proto.Crypt{Nonce: nonce})
		c.recv(&proto.CryptAck{})

		cipher, err := wire.NewCipher("other", nonce, true)
		require.NoError(t, err)
		c.ch.SetCipher(cipher)
		require.NoError(t, c.ch.SetCrypt(true))

		c.send(&proto.CryptTest{Text: proto.CryptTestString})
		var test proto.CryptTest
		c.recv(&test)
		assert.NotEqual(t, proto.CryptTestString, test.Text)
	})

	t.Run("NoKey", func(t *testing.T) {
		c := connect(t, srv)
		c.signon()
		require.Equal(t, proto.SetupOK, c.setup(proto.Setup{Collection: coll.Name}).Status)

		c.send(&proto.Crypt{})
		err := proto.Recv(c.ch, &proto.CryptAck{})

		var goAway *wire.GoAwayError
		require.True(t, errors.As(err, &goAway))
		assert.Equal(t, "collection crypt requires encryption", goAway.Reason)
	})
}

func TestLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.Server{
		Accounts: map[string]string{
			"alice": string(hash),
			"bob":   string(hash),
		},
	}

	tests := []struct {
		name          string
		requireLogin  bool
		allowAccounts []string
		user          string
		password      string
		expOK         bool
		expReason     string
	}{
		{
			name:  "Anonymous",
			expOK: true,
		},
		{
			name:         "AnonymousRequired",
			requireLogin: true,
			expReason:    "login required",
		},
		{
			name:     "Account",
			user:     "alice",
			password: "secret",
			expOK:    true,
		},
		{
			name:      "WrongPassword",
			user:      "alice",
			password:  "guess",
			expReason: "invalid login",
		},
		{
			name:      "UnknownAccount",
			user:      "mallory",
			password:  "secret",
			expReason: "invalid login",
		},
		{
			name:          "AccountNotAllowed",
			allowAccounts: []string{"alice"},
			user:          "bob",
			password:      "secret",
			expReason:     "account bob may not sync login-AccountNotAllowed",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			coll := testCollection(t, "login-"+test.name)
			coll.RequireLogin = test.requireLogin
			coll.AllowAccounts = test.allowAccounts
			srv := newTestServer(t, cfg, coll)

			c := connect(t, srv)
			c.signon()
			require.Equal(t, proto.SetupOK, c.setup(proto.Setup{Collection: coll.Name}).Status)
			c.send(&proto.Crypt{})
			c.recv(&proto.CryptAck{})

			ack := c.login(test.user, test.password)
			assert.Equal(t, test.expOK, ack.OK)
			assert.Equal(t, test.expReason, ack.Reason)
		})
	}
}

type staticAuth struct {
	err error
}

func (a staticAuth) Authenticate(string, string) error {
	return a.err
}

func TestCustomAuthenticator(t *testing.T) {
	coll := testCollection(t, "auth")
	srv, err := New(config.Server{Hostname: "server", Collections: []config.ServedCollection{coll}},
		WithAuthenticator(staticAuth{errors.NewFriendlyError("account expired")}))
	require.NoError(t, err)

	c := connect(t, srv)
	c.signon()
	require.Equal(t, proto.SetupOK, c.setup(proto.Setup{Collection: coll.Name}).Status)
	c.send(&proto.Crypt{})
	c.recv(&proto.CryptAck{})

	ack := c.login("alice", "secret")
	assert.False(t, ack.OK)
	assert.Equal(t, "account expired", ack.Reason)
}

func TestNewInvalidRules(t *testing.T) {
	coll := testCollection(t, "bad")
	coll.AllowHosts = []string{"[bad"}
	_, err := New(config.Server{Hostname: "server", Collections: []config.ServedCollection{coll}})
	assert.Error(t, err)
}

func TestIdleClient(t *testing.T) {
	srv, err := New(config.Server{Hostname: "server"}, WithIdleTimeout(50*time.Millisecond))
	require.NoError(t, err)

	// The client connects, but never sends anything.
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeConn(context.Background(), serverConn)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session didn't time out")
	}
}
