package sync

import (
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sup/pkg/errors"
	"github.com/sidkik/sup/pkg/registry"
)

// Mocked out for unit testing.
var runCommand = func(dir, command string) ([]byte, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

func (e *Engine) queueHooks(rec *registry.FileRecord) {
	for _, command := range rec.Exec {
		if e.hookSeen[command] {
			continue
		}
		e.hookSeen[command] = true
		e.hooks = append(e.hooks, command)
	}
}

// RunHooks runs the commands attached to the installed entries. Each command
// runs once, in the prefix, in the order it was first queued. A failing
// command is recorded as a problem.
func (e *Engine) RunHooks() {
	for _, command := range e.hooks {
		out, err := runCommand(e.prefix, command)
		logger := log.WithField("command", command)
		if trimmed := strings.TrimSpace(string(out)); trimmed != "" {
			logger = logger.WithField("output", trimmed)
		}

		if err != nil {
			e.problem(command, "run", errors.WithContext(err, "command failed"))
			continue
		}
		logger.Info("Ran post-update command")
	}
	e.hooks = nil
}
