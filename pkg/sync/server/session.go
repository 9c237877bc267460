package server

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/exclude"
	"github.com/sidkik/sup/pkg/proto"
	"github.com/sidkik/sup/pkg/registry"
	"github.com/sidkik/sup/pkg/scan"
	"github.com/sidkik/sup/pkg/sync"
	supVersion "github.com/sidkik/sup/pkg/version"
	"github.com/sidkik/sup/pkg/wire"
)

// idCacheSize bounds the uid and gid names a session remembers.
const idCacheSize = 256

// errRejected ends a session whose client was already told why.
var errRejected = errors.New("session rejected")

type session struct {
	ctx  context.Context
	srv  *Server
	conn net.Conn
	ch   *wire.Channel
	log  *log.Entry

	signon   proto.Signon
	setup    proto.Setup
	coll     *collection
	compress bool

	// held is released when the session ends.
	held    bool
	lock    *flock.Flock
	ids     *sync.IDCache
	started time.Time
}

func newSession(ctx context.Context, srv *Server, conn net.Conn) *session {
	return &session{
		ctx:  ctx,
		srv:  srv,
		conn: conn,
		ch:   wire.New(conn, wire.WithIdleTimeout(srv.idleTimeout)),
		log: log.WithFields(log.Fields{
			"session": uuid.NewString(),
			"peer":    remoteAddr(conn),
		}),
		ids:     sync.NewIDCache(idCacheSize),
		started: time.Now(),
	}
}

func (sess *session) run() error {
	steps := []struct {
		name string
		run  func() error
	}{
		{"signon", sess.handleSignon},
		{"setup", sess.handleSetup},
		{"crypt", sess.handleCrypt},
		{"login", sess.handleLogin},
		{"transfer", sess.transfer},
	}

	for _, step := range steps {
		if err := step.run(); err != nil {
			return errors.WithContext(err, step.name)
		}
	}
	return nil
}

// abort tells the client why the session failed, unless the client is the
// one that gave up.
func (sess *session) abort(err error) {
	var goAway *wire.GoAwayError
	switch {
	case errors.As(err, &goAway):
		sess.log.WithField("reason", goAway.Reason).Info("Client aborted session")
	case errors.Is(err, errRejected):
		sess.log.WithError(err).Debug("Session rejected")
	default:
		sess.log.WithError(err).Warn("Session failed")
		sess.ch.GoAway(errors.GetPrintableMessage(err))
	}
}

func (sess *session) close() {
	sess.ch.Close(true)

	if sess.lock != nil {
		if err := sess.lock.Unlock(); err != nil {
			sess.log.WithError(err).Warn("Failed to release collection lock")
		}
	}

	if sess.held {
		sess.coll.sessions.Release(1)
		sessionsActive.WithLabelValues(sess.coll.Name).Dec()
	}
}

// reject aborts the session with a reason for the client.
func (sess *session) reject(format string, a ...interface{}) error {
	reason := fmt.Sprintf(format, a...)
	sess.log.WithField("reason", reason).Info("Rejecting session")
	sess.ch.GoAway(reason)
	return errRejected
}

func (sess *session) handleSignon() error {
	if err := sess.ch.Handshake(false); err != nil {
		return errors.WithContext(err, "handshake")
	}

	if err := proto.Recv(sess.ch, &sess.signon); err != nil {
		return errors.WithContext(err, "read signon")
	}

	sess.log = sess.log.WithFields(log.Fields{
		"client":  sess.signon.Hostname,
		"version": sess.signon.Version,
	})

	if sess.signon.Protocol < supVersion.MinProtocol {
		return sess.reject("protocol %d is too old, need at least %d",
			sess.signon.Protocol, supVersion.MinProtocol)
	}

	err := proto.Send(sess.ch, &proto.SignonAck{
		Protocol: min(sess.signon.Protocol, supVersion.Protocol),
		Version:  supVersion.Program(),
		Hostname: sess.srv.hostname,
	})
	return errors.WithContext(err, "send signon")
}

func (sess *session) handleSetup() error {
	if err := proto.Recv(sess.ch, &sess.setup); err != nil {
		return errors.WithContext(err, "read setup")
	}

	if sess.setup.Collection == "" {
		return sess.reject("%s", errors.MissingFieldError{Field: "collection"})
	}

	coll, ok := sess.srv.collections[sess.setup.Collection]
	if !ok {
		return sess.reject("collection %s is not served by %s",
			sess.setup.Collection, sess.srv.hostname)
	}
	sess.coll = coll
	sess.log = sess.log.WithFields(log.Fields{
		"collection": coll.Name,
		"release":    sess.setup.Release,
	})

	status, reason := sess.checkSetup()
	if status == proto.SetupBusy {
		busyRejections.WithLabelValues(coll.Name).Inc()
	}

	sess.compress = sess.setup.Compress
	err := proto.Send(sess.ch, &proto.SetupAck{
		Status:   status,
		Reason:   reason,
		Compress: sess.compress && status == proto.SetupOK,
	})
	if err != nil {
		return errors.WithContext(err, "send setup")
	}

	if status != proto.SetupOK {
		sess.log.WithFields(log.Fields{
			"status": status,
			"reason": reason,
		}).Info("Refused session")
		return errRejected
	}
	return nil
}

// checkSetup decides whether the client may sync the requested collection.
// On success, the session holds a slot and the collection lock.
func (sess *session) checkSetup() (proto.SetupStatus, string) {
	coll := sess.coll
	if !coll.hosts.permitted(sess.conn.RemoteAddr()) {
		return proto.SetupHostDenied, fmt.Sprintf("%s may not sync %s",
			remoteAddr(sess.conn), coll.Name)
	}

	if oldest := sess.srv.minClient; oldest != nil {
		clientVersion, err := version.NewVersion(sess.signon.Version)
		if err != nil || clientVersion.LessThan(oldest) {
			return proto.SetupClientTooOld, fmt.Sprintf("need at least version %s", oldest)
		}
	}

	if !coll.HasRelease(sess.setup.Release) {
		return proto.SetupInvalidRelease, fmt.Sprintf("release %s doesn't exist",
			sess.setup.Release)
	}

	if sess.setup.Hostname == sess.srv.hostname &&
		filepath.Clean(sess.setup.Prefix) == filepath.Clean(coll.Root) {
		return proto.SetupSameHostAndPath, fmt.Sprintf("%s is the collection itself",
			sess.setup.Prefix)
	}

	if !coll.sessions.TryAcquire(1) {
		return proto.SetupBusy, "too many sessions"
	}
	sess.held = true
	sessionsActive.WithLabelValues(coll.Name).Inc()

	l, err := lock(scan.LockPath(coll.ServedCollection), false)
	if err != nil {
		if !errors.Is(err, sync.ErrLocked) {
			sess.log.WithError(err).Warn("Failed to lock collection")
		}
		return proto.SetupBusy, "collection is being rescanned"
	}
	sess.lock = l
	return proto.SetupOK, ""
}

func (sess *session) handleCrypt() error {
	var req proto.Crypt
	if err := proto.Recv(sess.ch, &req); err != nil {
		return errors.WithContext(err, "read crypt")
	}

	key := sess.coll.Crypt
	if key == "" {
		return errors.WithContext(
			proto.Send(sess.ch, &proto.CryptAck{Enabled: false}), "send crypt")
	}

	if req.Nonce == nil {
		return sess.reject("collection %s requires encryption", sess.coll.Name)
	}

	cipher, err := wire.NewCipher(key, req.Nonce, false)
	if err != nil {
		return sess.reject("bad encryption nonce: %s", err)
	}

	if err := proto.Send(sess.ch, &proto.CryptAck{Enabled: true}); err != nil {
		return errors.WithContext(err, "send crypt")
	}

	sess.ch.SetCipher(cipher)
	if err := sess.ch.SetCrypt(true); err != nil {
		return errors.WithContext(err, "enable encryption")
	}

	var test proto.CryptTest
	if err := proto.Recv(sess.ch, &test); err != nil {
		return errors.WithContext(err, "read crypt test")
	}

	// Our test is sent even on a mismatch, so that the client reports the
	// key mismatch itself.
	if err := proto.Send(sess.ch, &proto.CryptTest{Text: proto.CryptTestString}); err != nil {
		return errors.WithContext(err, "send crypt test")
	}

	if test.Text != proto.CryptTestString {
		sess.log.Warn("Client uses a different encryption key")
		return errRejected
	}
	return nil
}

func (sess *session) handleLogin() error {
	var req proto.Login
	if err := proto.Recv(sess.ch, &req); err != nil {
		return errors.WithContext(err, "read login")
	}

	reason := sess.checkLogin(req)
	ack := &proto.LoginAck{OK: reason == "", Reason: reason}
	if err := proto.Send(sess.ch, ack); err != nil {
		return errors.WithContext(err, "send login")
	}

	if !ack.OK {
		sess.log.WithFields(log.Fields{
			"account": req.User,
			"reason":  reason,
		}).Info("Rejected login")
		return errRejected
	}

	if req.User != "" {
		sess.log = sess.log.WithField("account", req.User)
	}
	return nil
}

// checkLogin returns why the login is rejected, or an empty string.
func (sess *session) checkLogin(req proto.Login) string {
	coll := sess.coll
	if req.User == "" {
		if coll.RequireLogin {
			return "login required"
		}
		return ""
	}

	if len(coll.AllowAccounts) != 0 && !contains(coll.AllowAccounts, req.User) {
		return fmt.Sprintf("account %s may not sync %s", req.User, coll.Name)
	}

	if err := sess.srv.auth.Authenticate(req.User, req.Password); err != nil {
		return errors.GetPrintableMessage(err)
	}
	return ""
}

// transfer runs the session from the refuse list to DONE.
func (sess *session) transfer() error {
	var refuseMsg proto.Refuse
	if err := proto.Recv(sess.ch, &refuseMsg); err != nil {
		return errors.WithContext(err, "read refuse list")
	}

	refuse, err := exclude.NewRecursiveSet(refuseMsg.Patterns...)
	if err != nil {
		return sess.reject("bad refuse pattern: %s", err)
	}

	listing, when, err := sess.listing(refuse)
	if err != nil {
		return errors.WithContext(err, "build listing")
	}

	list := &proto.List{When: when, Records: listing.Records(registry.Forward)}
	if err := proto.Send(sess.ch, list); err != nil {
		return errors.WithContext(err, "send listing")
	}

	var needs proto.NeedList
	if err := proto.Recv(sess.ch, &needs); err != nil {
		return errors.WithContext(err, "read needs")
	}

	serve, denied := sess.resolveNeeds(listing, needs.Needs)
	if err := proto.Send(sess.ch, &proto.Deny{Paths: denied}); err != nil {
		return errors.WithContext(err, "send deny list")
	}
	filesDenied.WithLabelValues(sess.coll.Name).Add(float64(len(denied)))

	stats, err := sess.send(serve)
	if err != nil {
		return err
	}

	var done proto.Done
	if err := proto.Recv(sess.ch, &done); err != nil {
		return errors.WithContext(err, "read done")
	}

	if err := proto.Send(sess.ch, &proto.DoneAck{}); err != nil {
		return errors.WithContext(err, "send done")
	}

	fields := log.Fields{
		"listed":   listing.Len(),
		"sent":     stats.files,
		"denied":   len(denied),
		"bytes":    humanize.Bytes(uint64(stats.bytes)),
		"duration": time.Since(sess.started).Round(time.Millisecond),
	}
	if done.Errors != 0 {
		sess.log.WithFields(fields).WithField("errors", done.Errors).Warnf(
			"Client finished with errors:\n%s", done.Error)
	} else {
		sess.log.WithFields(fields).Info("Session complete")
	}
	return nil
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

func contains(list []string, s string) bool {
	for _, elem := range list {
		if elem == s {
			return true
		}
	}
	return false
}
