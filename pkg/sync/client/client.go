package client

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/sup/pkg/config"
	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/exclude"
	"github.com/sidkik/sup/pkg/notify"
	"github.com/sidkik/sup/pkg/proto"
	"github.com/sidkik/sup/pkg/registry"
	"github.com/sidkik/sup/pkg/sync"
)

// Mocked out for unit testing.
var (
	fs   = afero.NewOsFs()
	lock = sync.Lock
)

// Client keeps one collection in sync with its servers.
type Client struct {
	coll     config.Collection
	hostname string
	state    stateDir
}

// Result is the outcome of a session that reached the end of the protocol.
type Result struct {
	Host     string
	Stats    sync.Stats
	Problems []sync.Problem

	// When is the server time the listing was built at. It's only persisted
	// when there were no problems.
	When time.Time
}

// New creates a client for coll. hostname is sent to servers so they can
// tell whether the client runs on the same machine.
func New(coll config.Collection, hostname string) *Client {
	return &Client{
		coll:     coll,
		hostname: hostname,
		state:    newStateDir(coll.Base, coll.Name, coll.Release),
	}
}

// Run syncs the collection once. Per-file failures are reported in the
// result. An error means the session didn't complete, and the local state
// describing the last sync is left as it was.
func (c *Client) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	report := notify.New(c.coll.NotifyURL, c.coll.Name)

	result, err := c.run(ctx)
	for _, problem := range result.Problems {
		report.Problem(problem.String())
	}
	report.Send(notify.Summary{
		Host:     result.Host,
		Release:  c.coll.Release,
		Duration: time.Since(start),
		Fetched:  result.Stats.Fetched,
		Updated:  result.Stats.Updated,
		Linked:   result.Stats.Linked,
		Created:  result.Stats.Created,
		Deleted:  result.Stats.Deleted,
		Denied:   result.Stats.Denied,
		Bytes:    result.Stats.Bytes,
	}, err)
	return result, err
}

func (c *Client) run(ctx context.Context) (Result, error) {
	stateLock, err := lock(c.state.lockPath(), true)
	if err != nil {
		if errors.Is(err, sync.ErrLocked) {
			return Result{}, errors.NewFriendlyError(
				"Collection %s is already being synced by another process", c.coll.Name)
		}
		return Result{}, errors.WithContext(err, "lock state directory")
	}
	defer unlock(stateLock)

	last, err := registry.ReadListing(fs, c.state.lastPath())
	if err != nil {
		return Result{}, err
	}

	when, err := registry.ReadWhen(fs, c.state.whenPath())
	if err != nil {
		return Result{}, err
	}

	refuse, err := c.refuseSet()
	if err != nil {
		return Result{}, err
	}

	mgr := NewManager(Target{
		Hosts:       c.coll.Hosts,
		Collection:  c.coll.Name,
		Release:     c.coll.Release,
		Hostname:    c.hostname,
		Prefix:      c.coll.Prefix,
		When:        when,
		Compress:    c.coll.Compress,
		Crypt:       c.coll.Crypt,
		Login:       c.coll.Login,
		Password:    c.coll.Password,
		Timeout:     time.Duration(c.coll.Timeout),
		IdleTimeout: time.Duration(c.coll.IdleTimeout),
	})

	sess, err := mgr.Connect(ctx)
	if err != nil {
		return Result{}, err
	}

	log.WithFields(log.Fields{
		"collection": c.coll.Name,
		"host":       sess.Host,
		"server":     sess.ServerVersion,
		"protocol":   sess.Protocol,
		"encrypted":  sess.Encrypted,
	}).Info("Connected")

	out, err := c.transfer(sess, last, refuse)
	if err != nil {
		mgr.Abort(errors.GetPrintableMessage(err))
		return Result{Host: sess.Host}, err
	}
	mgr.Close()

	result := Result{
		Host:     sess.Host,
		Stats:    out.engine.Stats(),
		Problems: out.engine.Problems(),
		When:     out.when,
	}

	next := out.engine.NextLast(out.listing, last, refuse)
	if err := registry.WriteListing(fs, c.state.lastPath(), next); err != nil {
		return result, err
	}

	if len(result.Problems) == 0 {
		if err := registry.WriteWhen(fs, c.state.whenPath(), out.when); err != nil {
			return result, err
		}
	}

	log.WithFields(log.Fields{
		"collection": c.coll.Name,
		"fetched":    result.Stats.Fetched,
		"updated":    result.Stats.Updated,
		"deleted":    result.Stats.Deleted,
		"received":   humanize.Bytes(uint64(result.Stats.Bytes)),
		"problems":   len(result.Problems),
	}).Info("Sync complete")
	return result, nil
}

func unlock(l *flock.Flock) {
	if err := l.Unlock(); err != nil {
		log.WithError(err).Warn("Failed to release state directory lock")
	}
}

// refuseSet merges the configured refuse patterns with the ones in the
// collection's refuse file.
func (c *Client) refuseSet() (*exclude.Set, error) {
	fromFile, err := registry.ReadLines(fs, c.state.refusePath())
	if err != nil {
		return nil, errors.WithContext(err, "read refuse file")
	}

	patterns := append(append([]string{}, c.coll.Refuse...), fromFile...)
	set, err := exclude.NewRecursiveSet(patterns...)
	if err != nil {
		return nil, errors.WithContext(err, "parse refuse patterns")
	}
	return set, nil
}

func (c *Client) options() sync.Options {
	return sync.Options{
		All:         c.coll.All,
		OldFiles:    c.coll.OldFiles,
		Keep:        c.coll.Keep,
		Delete:      c.coll.Delete,
		Backup:      c.coll.Backup,
		NoOwnership: c.coll.NoOwnership,
		NoExec:      c.coll.NoExec,
		TempDirs:    c.coll.TempDirs,
	}
}

type transferOutput struct {
	engine  *sync.Engine
	listing *registry.Registry
	when    time.Time
}

// transfer runs the session from the refuse list to DONE.
func (c *Client) transfer(sess *Session, last *registry.Registry, refuse *exclude.Set) (
	transferOutput, error) {

	ch := sess.ch
	if err := proto.Send(ch, &proto.Refuse{Patterns: refuse.Patterns()}); err != nil {
		return transferOutput{}, errors.WithContext(err, "send refuse list")
	}

	var list proto.List
	if err := proto.Recv(ch, &list); err != nil {
		return transferOutput{}, errors.WithContext(err, "read listing")
	}
	listing := list.Registry()

	engine := sync.New(fs, c.coll.Prefix, c.options())
	plan := engine.Plan(listing, last, refuse)
	log.WithFields(log.Fields{
		"collection": c.coll.Name,
		"listed":     listing.Len(),
		"needed":     len(plan.Needs),
		"deletes":    len(plan.Deletes),
	}).Debug("Planned session")

	needs := &proto.NeedList{}
	for _, rec := range plan.Needs {
		needs.Needs = append(needs.Needs, proto.Need{Path: rec.Path, Flags: rec.Flags})
	}
	if err := proto.Send(ch, needs); err != nil {
		return transferOutput{}, errors.WithContext(err, "send needs")
	}

	var deny proto.Deny
	if err := proto.Recv(ch, &deny); err != nil {
		return transferOutput{}, errors.WithContext(err, "read deny list")
	}
	engine.Deny(deny.Paths)

	if err := receive(sess, engine); err != nil {
		return transferOutput{}, err
	}

	engine.RunHooks()
	engine.Delete(plan.Deletes)

	problems := engine.Problems()
	done := &proto.Done{Errors: int32(len(problems)), Error: summarize(problems)}
	if err := proto.Send(ch, done); err != nil {
		return transferOutput{}, errors.WithContext(err, "send done")
	}

	if err := proto.Recv(ch, &proto.DoneAck{}); err != nil {
		return transferOutput{}, errors.WithContext(err, "read done")
	}

	return transferOutput{engine: engine, listing: listing, when: list.When}, nil
}

// receive installs every entry the server sends, until the end marker.
func receive(sess *Session, engine *sync.Engine) error {
	ch := sess.ch
	for {
		if err := ch.ReadMessage(proto.TagRecv); err != nil {
			return errors.WithContext(err, "read file")
		}

		h, err := proto.ReadFileHeader(ch)
		if err != nil {
			return errors.WithContext(err, "read file header")
		}

		if h.End {
			return errors.WithContext(ch.ReadEnd(), "read end of files")
		}

		var payload sync.Payload
		if h.HasPayload {
			payload = sess.readPayload
		}

		// Per-file failures are recorded by the engine. Only a broken
		// channel stops the session.
		engine.Receive(h, payload)
		if err := ch.Err(); err != nil {
			return errors.WithContext(err, fmt.Sprintf("receive %s", h.Path))
		}

		if err := ch.ReadEnd(); err != nil {
			return errors.WithContext(err, fmt.Sprintf("receive %s", h.Path))
		}
	}
}

// readPayload streams a file's contents into w and reads the trailer that
// follows them.
func (s *Session) readPayload(w io.Writer) (int64, error) {
	n, err := s.ch.ReadFile(w, s.Compress)
	if chErr := s.ch.Err(); chErr != nil {
		return n, chErr
	}

	trailer, trailerErr := proto.ReadTrailer(s.ch)
	if trailerErr != nil {
		return n, trailerErr
	}

	if err == nil && !trailer.OK {
		err = errors.New("server failed to read the file: %s", trailer.Reason)
	}
	return n, err
}

const maxSummarized = 10

func summarize(problems []sync.Problem) string {
	var lines []string
	for i, problem := range problems {
		if i == maxSummarized {
			lines = append(lines, fmt.Sprintf("and %d more", len(problems)-i))
			break
		}
		lines = append(lines, problem.String())
	}
	return strings.Join(lines, "\n")
}

type stateDir struct {
	dir     string
	release string
}

// newStateDir returns the paths of a collection's sync state, which lives
// in <base>/sup/<collection>.
func newStateDir(base, collection, release string) stateDir {
	return stateDir{
		dir:     filepath.Join(base, "sup", collection),
		release: release,
	}
}

func (s stateDir) lastPath() string {
	return filepath.Join(s.dir, "last."+s.release)
}

func (s stateDir) whenPath() string {
	return filepath.Join(s.dir, "when."+s.release)
}

func (s stateDir) refusePath() string {
	return filepath.Join(s.dir, "refuse")
}

func (s stateDir) lockPath() string {
	return filepath.Join(s.dir, "lock")
}
