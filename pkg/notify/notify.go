package notify

import (
	"bytes"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/version"
)

// Mocked out for unit testing.
var httpPost = http.Post

const contentType = "application/json"

// reportFormatter formats the report posted to the webhook.
var reportFormatter = &logrus.JSONFormatter{
	FieldMap: logrus.FieldMap{
		logrus.FieldKeyTime:  "timestamp",
		logrus.FieldKeyLevel: "status",
		logrus.FieldKeyMsg:   "message",
	},
}

// maxProblems bounds the diagnostics included in one report.
const maxProblems = 100

// Summary is what a session did.
type Summary struct {
	Host     string
	Release  string
	Duration time.Duration

	Fetched, Updated, Linked, Created, Deleted, Denied int
	Bytes                                              int64
}

// Reporter collects the diagnostics of one session and emits a single
// report when the session ends.
type Reporter struct {
	collection string
	logger     *logrus.Logger
	problems   []string
	dropped    int
}

// New creates a reporter for a session of collection. If url is set, the
// report is also posted there as JSON.
func New(url, collection string) *Reporter {
	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)
	if url != "" {
		logger.AddHook(&hook{url: url})
	}

	return &Reporter{collection: collection, logger: logger}
}

// Problem records a per-file diagnostic.
func (r *Reporter) Problem(msg string) {
	if len(r.problems) == maxProblems {
		r.dropped++
		return
	}
	r.problems = append(r.problems, msg)
}

// Send emits the report. err is the reason the session failed, if it did.
func (r *Reporter) Send(summary Summary, err error) {
	fields := logrus.Fields{
		"collection": r.collection,
		"release":    summary.Release,
		"host":       summary.Host,
		"duration":   summary.Duration.Round(time.Millisecond).String(),
		"fetched":    summary.Fetched,
		"updated":    summary.Updated,
		"linked":     summary.Linked,
		"created":    summary.Created,
		"deleted":    summary.Deleted,
		"denied":     summary.Denied,
		"received":   humanize.Bytes(uint64(summary.Bytes)),
		"version":    version.Program(),
	}

	switch {
	case err != nil:
		fields["error"] = errors.GetPrintableMessage(err)
		logrus.WithFields(fields).Warn("Sync failed")
		r.logger.WithFields(fields).Error("Sync failed")
	case len(r.problems) != 0:
		for _, problem := range r.problems {
			logrus.WithField("collection", r.collection).Warn(problem)
		}

		fields["problems"] = r.problems
		if r.dropped != 0 {
			fields["droppedProblems"] = r.dropped
		}
		logrus.WithFields(logrus.Fields{
			"collection": r.collection,
			"problems":   len(r.problems) + r.dropped,
		}).Warn("Sync completed with errors")
		r.logger.WithFields(fields).Warn("Sync completed with errors")
	default:
		r.logger.WithFields(fields).Info("Sync completed")
	}
}

type hook struct {
	url string
}

func (h *hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *hook) Fire(entry *logrus.Entry) error {
	jsonBytes, err := reportFormatter.Format(entry)
	if err != nil {
		logrus.WithError(err).Debug("Failed to marshal session report")
		return nil
	}

	resp, err := httpPost(h.url, contentType, bytes.NewReader(jsonBytes))
	if err != nil {
		logrus.WithError(err).Warn("Failed to post session report")
	} else {
		// Close the body to avoid leaking resources.
		resp.Body.Close()
	}

	// Returning an error makes logrus print it to stderr, and a failed
	// notification is already logged.
	return nil
}
