package client

import (
	"context"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/proto"
	"github.com/sidkik/sup/pkg/version"
	"github.com/sidkik/sup/pkg/wire"
)

// fakeServer answers the handshake with canned responses.
type fakeServer struct {
	protocol int32
	status   proto.SetupStatus
	reason   string
	key      string
	reject   string
}

func (s fakeServer) serve(conn net.Conn) {
	ch := wire.New(conn)
	defer ch.Close(false)

	if ch.Handshake(false) != nil {
		return
	}

	protocol := s.protocol
	if protocol == 0 {
		protocol = version.Protocol
	}

	var signon proto.Signon
	if proto.Recv(ch, &signon) != nil {
		return
	}
	proto.Send(ch, &proto.SignonAck{Protocol: protocol, Version: "1.0.0", Hostname: "server"})
	if protocol < version.MinProtocol {
		proto.Recv(ch, &proto.Setup{})
		return
	}

	var setup proto.Setup
	if proto.Recv(ch, &setup) != nil {
		return
	}
	proto.Send(ch, &proto.SetupAck{Status: s.status, Reason: s.reason, Compress: setup.Compress})
	if s.status != proto.SetupOK {
		return
	}

	var crypt proto.Crypt
	if proto.Recv(ch, &crypt) != nil {
		return
	}
	enabled := s.key != "" && crypt.Nonce != nil
	proto.Send(ch, &proto.CryptAck{Enabled: enabled})
	if enabled {
		cipher, err := wire.NewCipher(s.key, crypt.Nonce, false)
		if err != nil {
			return
		}
		ch.SetCipher(cipher)
		ch.SetCrypt(true)
		if proto.Recv(ch, &proto.CryptTest{}) != nil {
			return
		}
		proto.Send(ch, &proto.CryptTest{Text: proto.CryptTestString})
	}

	var login proto.Login
	if proto.Recv(ch, &login) != nil {
		return
	}
	proto.Send(ch, &proto.LoginAck{OK: s.reject == "", Reason: s.reject})
}

// mockDial routes dials to the fake servers by address. Addresses without a
// server refuse the connection. It returns the dialed addresses.
func mockDial(servers map[string][]fakeServer) *[]string {
	var dialed []string
	dial = func(_ context.Context, _, addr string) (net.Conn, error) {
		dialed = append(dialed, addr)
		queue := servers[addr]
		if len(queue) == 0 {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
		}

		server := queue[0]
		if len(queue) > 1 {
			servers[addr] = queue[1:]
		}

		client, serverConn := net.Pipe()
		go server.serve(serverConn)
		return client, nil
	}
	return &dialed
}

func mockBackoff(t *testing.T) (clockwork.FakeClock, *[]time.Duration) {
	fakeClock := clockwork.NewFakeClock()
	clock = fakeClock

	var sleeps []time.Duration
	randDuration = func(max time.Duration) time.Duration {
		sleeps = append(sleeps, max)
		return max
	}

	t.Cleanup(func() {
		clock = clockwork.NewRealClock()
	})
	return fakeClock, &sleeps
}

func TestFirstHostRefuses(t *testing.T) {
	_, sleeps := mockBackoff(t)
	dialed := mockDial(map[string][]fakeServer{
		"h2:871": {{}},
	})

	mgr := NewManager(Target{Hosts: []string{"h1", "h2"}, Collection: "src"})
	sess, err := mgr.Connect(context.Background())
	require.NoError(t, err)
	defer mgr.Close()

	assert.Equal(t, "h2", sess.Host)
	assert.Equal(t, []string{"h1:871", "h2:871"}, *dialed)
	assert.Empty(t, *sleeps)
	assert.Equal(t, Ready, mgr.State())
	assert.Equal(t, int32(version.Protocol), sess.Protocol)
	assert.Equal(t, "1.0.0", sess.ServerVersion)
}

func TestBusyBacksOffOnce(t *testing.T) {
	fakeClock, sleeps := mockBackoff(t)
	dialed := mockDial(map[string][]fakeServer{
		"h1:871": {{status: proto.SetupBusy}, {}},
	})

	mgr := NewManager(Target{Hosts: []string{"h1"}, Collection: "src",
		Timeout: 10 * time.Minute})

	type result struct {
		sess *Session
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := mgr.Connect(context.Background())
		done <- result{sess, err}
	}()

	fakeClock.BlockUntil(1)
	fakeClock.Advance(backoffUnit)

	res := <-done
	require.NoError(t, res.err)
	defer mgr.Close()

	assert.Equal(t, "h1", res.sess.Host)
	assert.Equal(t, []time.Duration{backoffUnit}, *sleeps)
	assert.Len(t, *dialed, 2)
}

func TestBusyUntilTimeout(t *testing.T) {
	fakeClock, sleeps := mockBackoff(t)
	dialed := mockDial(map[string][]fakeServer{
		"h1:871": {{status: proto.SetupBusy}},
		"h2:871": {{status: proto.SetupBusy}},
	})

	mgr := NewManager(Target{Hosts: []string{"h1", "h2"}, Collection: "src",
		Timeout: 10 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Connect(context.Background())
		done <- err
	}()

	// The sleep is truncated to the time left before the timeout.
	fakeClock.BlockUntil(1)
	fakeClock.Advance(10 * time.Second)

	err := <-done
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, []time.Duration{backoffUnit}, *sleeps)
	assert.Equal(t, []string{"h1:871", "h2:871", "h1:871", "h2:871"}, *dialed)
	assert.Equal(t, Failed, mgr.State())
}

func TestBackoffGrowth(t *testing.T) {
	fakeClock, sleeps := mockBackoff(t)
	mockDial(map[string][]fakeServer{})

	ctx, cancel := context.WithCancel(context.Background())
	mgr := NewManager(Target{Hosts: []string{"h1"}, Collection: "src"})

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Connect(ctx)
		done <- err
	}()

	for i := 0; i < 7; i++ {
		fakeClock.BlockUntil(1)
		fakeClock.Advance(backoffUnit * maxBackoffMultiplier)
	}
	fakeClock.BlockUntil(1)
	cancel()

	assert.Equal(t, context.Canceled, <-done)
	assert.Equal(t, []time.Duration{
		backoffUnit, 2 * backoffUnit, 4 * backoffUnit, 8 * backoffUnit,
		16 * backoffUnit, 32 * backoffUnit, 32 * backoffUnit, 32 * backoffUnit,
	}, *sleeps)
}

func TestFatalSetupStatus(t *testing.T) {
	tests := []proto.SetupStatus{
		proto.SetupSameHostAndPath,
		proto.SetupHostDenied,
		proto.SetupClientTooOld,
		proto.SetupInvalidRelease,
	}

	for _, status := range tests {
		t.Run(status.String(), func(t *testing.T) {
			_, sleeps := mockBackoff(t)
			dialed := mockDial(map[string][]fakeServer{
				"h1:871": {{status: status, reason: "go away"}},
				"h2:871": {{}},
			})

			mgr := NewManager(Target{Hosts: []string{"h1", "h2"}, Collection: "src"})
			_, err := mgr.Connect(context.Background())

			var setupErr *SetupError
			require.True(t, errors.As(err, &setupErr))
			assert.Equal(t, status, setupErr.Status)
			assert.Equal(t, "go away", setupErr.Reason)
			assert.Contains(t, errors.GetPrintableMessage(err), "go away")
			assert.Equal(t, []string{"h1:871"}, *dialed)
			assert.Empty(t, *sleeps)
			assert.Equal(t, Failed, mgr.State())
		})
	}
}

func TestProtocolTooOld(t *testing.T) {
	mockBackoff(t)
	mockDial(map[string][]fakeServer{
		"h1:871": {{protocol: version.MinProtocol - 1}},
	})

	mgr := NewManager(Target{Hosts: []string{"h1"}, Collection: "src"})
	_, err := mgr.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too old")
}

func TestCryptHandshake(t *testing.T) {
	tests := []struct {
		name         string
		clientKey    string
		serverKey    string
		login        string
		expEncrypted bool
		expErr       error
	}{
		{name: "SameKey", clientKey: "secret", serverKey: "secret", expEncrypted: true},
		{name: "WrongKey", clientKey: "secret", serverKey: "other", expErr: ErrCryptMismatch},
		{name: "ServerClear", clientKey: "secret"},
		{name: "ServerClearWithLogin", clientKey: "secret", login: "kim", expErr: ErrClearLogin},
		{name: "SameKeyWithLogin", clientKey: "secret", serverKey: "secret", login: "kim",
			expEncrypted: true},
		{name: "BothClear"},
		{name: "BothClearWithLogin", login: "kim"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mockBackoff(t)
			dialed := mockDial(map[string][]fakeServer{
				"h1:871": {{key: test.serverKey}},
			})

			mgr := NewManager(Target{Hosts: []string{"h1"}, Collection: "src",
				Crypt: test.clientKey, Login: test.login})
			sess, err := mgr.Connect(context.Background())
			if test.expErr != nil {
				assert.True(t, errors.Is(err, test.expErr))
				assert.Len(t, *dialed, 1)
				return
			}

			require.NoError(t, err)
			defer mgr.Close()
			assert.Equal(t, test.expEncrypted, sess.Encrypted)
		})
	}
}

func TestLoginRejected(t *testing.T) {
	mockBackoff(t)
	dialed := mockDial(map[string][]fakeServer{
		"h1:871": {{reject: "bad password"}},
		"h2:871": {{}},
	})

	mgr := NewManager(Target{Hosts: []string{"h1", "h2"}, Collection: "src",
		Login: "kim", Password: "wrong"})
	_, err := mgr.Connect(context.Background())

	var loginErr *LoginError
	require.True(t, errors.As(err, &loginErr))
	assert.Equal(t, "bad password", loginErr.Reason)
	assert.Len(t, *dialed, 1)
}

func TestIdleServer(t *testing.T) {
	// The server accepts the connection, but never answers.
	var peers []net.Conn
	dial = func(context.Context, string, string) (net.Conn, error) {
		client, server := net.Pipe()
		peers = append(peers, server)
		return client, nil
	}
	defer func() {
		for _, peer := range peers {
			peer.Close()
		}
	}()

	mgr := NewManager(Target{Hosts: []string{"h1"}, Collection: "src",
		Timeout: time.Millisecond, IdleTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := mgr.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, peers, 1)
	assert.Equal(t, Failed, mgr.State())
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "sup.example.com:871", address("sup.example.com"))
	assert.Equal(t, "sup.example.com:8871", address("sup.example.com:8871"))
	assert.Equal(t, "[::1]:871", address("[::1]"))
	assert.Equal(t, "[::1]:99", address("[::1]:99"))
}
