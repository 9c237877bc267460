// Package server answers sync sessions for the collections a host offers.
//
// Every connection is served by its own goroutine, strictly in protocol
// order. Each collection caps its concurrent sessions with a semaphore, and
// sessions hold the collection lock shared so that `sup scan` can't replace
// the scan file under them. Clients that can't get either are told the
// server is busy rather than queued.
package server

import (
	"context"
	"net"
	"os"
	goSync "sync"
	"time"

	"github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/sidkik/sup/cmd/util"
	"github.com/sidkik/sup/pkg/config"
	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/scan"
	"github.com/sidkik/sup/pkg/sync"
)

// Mocked out for unit testing.
var (
	fs       = afero.NewOsFs()
	hostname = os.Hostname
	lock     = sync.Lock
)

// collection is a served collection with its compiled rules and limits.
type collection struct {
	config.ServedCollection

	rules    *scan.Rules
	hosts    hostFilter
	sessions *semaphore.Weighted
}

// Server serves the collections in a server config.
type Server struct {
	hostname    string
	minClient   *version.Version
	auth        Authenticator
	idleTimeout time.Duration

	collections map[string]*collection
}

// Option configures a Server.
type Option func(*Server)

// WithAuthenticator replaces the account table from the config.
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) {
		s.auth = auth
	}
}

// WithIdleTimeout sets how long a session may go without progress.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// New compiles the server config.
func New(cfg config.Server, opts ...Option) (*Server, error) {
	s := &Server{
		hostname:    cfg.Hostname,
		auth:        Accounts(cfg.Accounts),
		idleTimeout: time.Duration(config.DefaultIdleTimeout),
		collections: map[string]*collection{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.hostname == "" {
		name, err := hostname()
		if err != nil {
			return nil, errors.WithContext(err, "get hostname")
		}
		s.hostname = name
	}

	if cfg.MinClientVersion != "" {
		oldest, err := version.NewVersion(cfg.MinClientVersion)
		if err != nil {
			return nil, errors.WithContext(err, "parse minimum client version")
		}
		s.minClient = oldest
	}

	for _, coll := range cfg.Collections {
		rules, err := scan.NewRules(coll)
		if err != nil {
			return nil, errors.WithContext(err, "collection "+coll.Name)
		}

		hosts, err := newHostFilter(coll.AllowHosts, coll.DenyHosts)
		if err != nil {
			return nil, errors.WithContext(err, "collection "+coll.Name)
		}

		maxSessions := coll.MaxSessions
		if maxSessions <= 0 {
			maxSessions = config.DefaultMaxSessions
		}

		s.collections[coll.Name] = &collection{
			ServedCollection: coll,
			rules:            rules,
			hosts:            hosts,
			sessions:         semaphore.NewWeighted(int64(maxSessions)),
		}
	}
	return s, nil
}

// Run listens on the configured address and serves sessions until ctx is
// cancelled.
func Run(ctx context.Context, cfg config.Server) error {
	var opts []Option
	if cfg.IdleTimeout > 0 {
		opts = append(opts, WithIdleTimeout(time.Duration(cfg.IdleTimeout)))
	}

	s, err := New(cfg, opts...)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.WithContext(err, "listen")
	}

	if cfg.MetricsAddress != "" {
		metrics := startMetricsServer(cfg.MetricsAddress)
		defer metrics.Close()
	}

	log.WithFields(log.Fields{
		"address":     lis.Addr().String(),
		"collections": len(s.collections),
	}).Info("sup server is ready")
	return s.Serve(ctx, lis)
}

// Serve accepts sessions on lis until ctx is cancelled, and then waits for
// the running sessions to finish. lis is closed when Serve returns.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer util.HandlePanic()
		<-ctx.Done()
		lis.Close()
	}()

	var wg goSync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithContext(err, "accept")
		}

		wg.Add(1)
		go func() {
			defer util.HandlePanic()
			defer wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs one session on conn, and closes it.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	sess := newSession(ctx, s, conn)
	defer sess.close()

	// Cancelling ctx closes the connection so the session unblocks.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if err := sess.run(); err != nil {
		sess.abort(err)
	}
}
