package config

import (
	"net"
	"path/filepath"

	"github.com/hashicorp/go-version"

	"github.com/sidkik/sup/pkg/errors"
)

const (
	// InitialServerConfigVersion is the first version of the server config.
	InitialServerConfigVersion = "v1alpha1"

	// SupportedServerConfigVersion is the server config version understood
	// by this binary.
	SupportedServerConfigVersion = "v1alpha1"

	// DefaultMaxSessions is the number of concurrent sessions a collection
	// serves when the config doesn't say.
	DefaultMaxSessions = 8
)

// Server contains the collections a server offers.
type Server struct {
	Version string `json:"version,omitempty"`

	// Listen is the address to accept sessions on.
	Listen string `json:"listen,omitempty"`

	// Hostname overrides the local hostname used to detect clients syncing
	// a collection onto itself.
	Hostname string `json:"hostname,omitempty"`

	// MinClientVersion rejects clients running an older program version.
	MinClientVersion string `json:"minClientVersion,omitempty"`

	// MetricsAddress serves Prometheus metrics when set.
	MetricsAddress string `json:"metricsAddress,omitempty"`

	// IdleTimeout fails a session if the client makes no progress for this
	// long. Defaults to DefaultIdleTimeout.
	IdleTimeout Duration `json:"idleTimeout,omitempty"`

	// Accounts maps login names to bcrypt password hashes.
	Accounts map[string]string `json:"accounts,omitempty"`

	// Base is where collection state is kept when a collection doesn't set
	// StateDir.
	Base string `json:"base,omitempty"`

	Collections []ServedCollection `json:"collections"`

	path string
}

// ServedCollection configures one collection offered by the server.
type ServedCollection struct {
	Name string `json:"name"` // Required.
	Root string `json:"root"` // Required.

	// Releases names the releases clients may request. Defaults to
	// DefaultRelease. A release is only a name: every release of the
	// collection serves the same Root and rules, and clients keep separate
	// sync state per release.
	Releases []string `json:"releases,omitempty"`

	MaxSessions int `json:"maxSessions,omitempty"`

	// Crypt is the pre-shared key. When set, clients must encrypt.
	Crypt string `json:"crypt,omitempty"`

	// AllowHosts and DenyHosts contain CIDRs, IPs or hostname globs.
	AllowHosts []string `json:"allowHosts,omitempty"`
	DenyHosts  []string `json:"denyHosts,omitempty"`

	// AllowAccounts restricts which accounts may log in.
	AllowAccounts []string `json:"allowAccounts,omitempty"`
	RequireLogin  bool     `json:"requireLogin,omitempty"`

	// Upgrade lists the subtrees of Root that are offered. Defaults to the
	// whole root.
	Upgrade []string `json:"upgrade,omitempty"`

	Omit    []string `json:"omit,omitempty"`
	OmitAny []string `json:"omitAny,omitempty"`
	Always  []string `json:"always,omitempty"`
	Backup  []string `json:"backup,omitempty"`

	Execute []ExecuteRule `json:"execute,omitempty"`

	// Symlink lists symlinks that are followed rather than sent as links.
	Symlink []string `json:"symlink,omitempty"`

	// RSymlink lists directories under which every symlink is followed.
	RSymlink []string `json:"rsymlink,omitempty"`

	// UseScanFile lists the collection from the file written by `sup scan`
	// instead of walking the root for every session.
	UseScanFile bool `json:"useScanFile,omitempty"`

	StateDir string `json:"stateDir,omitempty"`
}

// ExecuteRule runs Command on the client after any entry matching Pattern is
// updated. "%s" in Command is replaced with the entry's path.
type ExecuteRule struct {
	Pattern string `json:"pattern"`
	Command string `json:"command"`
}

func (s Server) getVersion() string {
	return s.Version
}

// GetPath returns the filepath that the config was parsed from.
func (s Server) GetPath() string {
	return s.path
}

// ParseServer parses the server config at path.
func ParseServer(path string) (Server, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return Server{}, errors.WithContext(err, "expand config path")
	}

	config := Server{Version: InitialServerConfigVersion, path: path}
	if err := parseConfig(path, &config, SupportedServerConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Server{}, errors.NewFriendlyError("The sup server config "+
				"file doesn't exist at %q.", path)
		}
		return Server{}, errors.WithContext(err, "parse")
	}

	if config.Listen == "" {
		config.Listen = net.JoinHostPort("", DefaultPort)
	}

	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}

	if config.MinClientVersion != "" {
		if _, err := version.NewVersion(config.MinClientVersion); err != nil {
			return Server{}, errors.NewFriendlyError("The minimum client "+
				"version %q in %q isn't a valid version: %s",
				config.MinClientVersion, path, err)
		}
	}

	if config.Base, err = expandPath(path, config.Base); err != nil {
		return Server{}, errors.WithContext(err, "base")
	}

	seen := map[string]bool{}
	for i := range config.Collections {
		coll := &config.Collections[i]
		if err := coll.normalize(path, config.Base); err != nil {
			return Server{}, err
		}

		if seen[coll.Name] {
			return Server{}, errors.NewFriendlyError(
				"Collection %q is defined more than once in %q.", coll.Name, path)
		}
		seen[coll.Name] = true
	}
	return config, nil
}

func (coll *ServedCollection) normalize(configPath, base string) error {
	if coll.Name == "" {
		return errors.NewFriendlyError("A collection in %q does not have a "+
			"name set. The name field is required.", configPath)
	}

	if coll.Root == "" {
		return errors.NewFriendlyError("Collection %q in %q does not have a "+
			"root directory set. The root field is required.", coll.Name, configPath)
	}

	var err error
	if coll.Root, err = expandPath(configPath, coll.Root); err != nil {
		return errors.WithContext(err, "root")
	}

	switch {
	case coll.StateDir != "":
		if coll.StateDir, err = expandPath(configPath, coll.StateDir); err != nil {
			return errors.WithContext(err, "state dir")
		}
	case base != "":
		coll.StateDir = filepath.Join(base, "sup", coll.Name)
	default:
		return errors.NewFriendlyError("Collection %q in %q does not have a "+
			"state directory. Set either stateDir or the server's base.",
			coll.Name, configPath)
	}

	if len(coll.Releases) == 0 {
		coll.Releases = []string{DefaultRelease}
	}

	if len(coll.Upgrade) == 0 {
		coll.Upgrade = []string{"."}
	}

	if coll.MaxSessions <= 0 {
		coll.MaxSessions = DefaultMaxSessions
	}

	for _, rule := range coll.Execute {
		if rule.Pattern == "" || rule.Command == "" {
			return errors.NewFriendlyError("Collection %q in %q has an "+
				"execute rule without a pattern or command.", coll.Name, configPath)
		}
	}
	return nil
}

// HasRelease returns whether clients may request the release. The release
// doesn't change what's served.
func (coll ServedCollection) HasRelease(release string) bool {
	for _, r := range coll.Releases {
		if r == release {
			return true
		}
	}
	return false
}
