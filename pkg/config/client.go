package config

import (
	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/sup/pkg/errors"
)

const (
	// ClientConfigPath is the default path to the client config.
	ClientConfigPath = "~/.sup.yaml"

	// InitialClientConfigVersion is the first version of the client config.
	// Config files that do not specify a version will default to this
	// version.
	InitialClientConfigVersion = "v1alpha1"

	// SupportedClientConfigVersion is the client config version understood
	// by this binary.
	SupportedClientConfigVersion = "v1alpha1"

	// DefaultRelease is the release synced when a collection doesn't name
	// one.
	DefaultRelease = "current"

	// DefaultPort is the port servers listen on, and clients dial when a host
	// doesn't include one.
	DefaultPort = "871"
)

// Client contains the collections a client keeps in sync.
type Client struct {
	Version string `json:"version,omitempty"`

	// Hostname overrides the local hostname sent to servers.
	Hostname string `json:"hostname,omitempty"`

	Collections []Collection `json:"collections"`

	// Only populated and consumed by sup. Never set by user.
	path string
}

// Collection configures how one collection is synced.
type Collection struct {
	Name string `json:"name"` // Required.

	// Hosts are tried in order until one accepts the session.
	Hosts []string `json:"hosts"` // Required.

	// Base is where the collection's sync state is kept, in
	// <base>/sup/<name>. Required.
	Base string `json:"base"`

	// Prefix is the directory the collection is installed in. Defaults to
	// Base.
	Prefix string `json:"prefix,omitempty"`

	Release string `json:"release,omitempty"`

	Login    string `json:"login,omitempty"`
	Password string `json:"password,omitempty"`

	// Crypt is the pre-shared key used to encrypt the session.
	Crypt string `json:"crypt,omitempty"`

	// Delete removes files that were removed on the server.
	Delete bool `json:"delete,omitempty"`

	// Keep doesn't replace local files whose mtime differs from the
	// server's unless the server says they must always be synced.
	Keep bool `json:"keep,omitempty"`

	// OldFiles also considers files that haven't changed on the server since
	// the last sync.
	OldFiles bool `json:"oldFiles,omitempty"`

	// All fetches every file, regardless of the local state.
	All bool `json:"all,omitempty"`

	Backup      bool `json:"backup,omitempty"`
	Compress    bool `json:"compress,omitempty"`
	NoOwnership bool `json:"noOwnership,omitempty"`
	NoExec      bool `json:"noExec,omitempty"`

	// Timeout bounds the time spent retrying busy or unreachable hosts.
	// Zero retries forever.
	Timeout Duration `json:"timeout,omitempty"`

	// IdleTimeout fails the session if the server makes no progress for
	// this long. Defaults to DefaultIdleTimeout.
	IdleTimeout Duration `json:"idleTimeout,omitempty"`

	// Refuse lists patterns that are never accepted from the server, in
	// addition to the patterns in <base>/sup/<name>/refuse.
	Refuse []string `json:"refuse,omitempty"`

	// TempDirs are used for temporary files when the target directory
	// isn't writable.
	TempDirs []string `json:"tempDirs,omitempty"`

	// NotifyURL receives a JSON report at the end of each session.
	NotifyURL string `json:"notifyURL,omitempty"`
}

func (c Client) getVersion() string {
	return c.Version
}

// GetPath returns the filepath that the config was parsed from.
func (c Client) GetPath() string {
	return c.path
}

// ParseClient parses the client config at path. An empty path selects
// ClientConfigPath.
func ParseClient(path string) (Client, error) {
	if path == "" {
		path = ClientConfigPath
	}

	path, err := homedirExpand(path)
	if err != nil {
		return Client{}, errors.WithContext(err, "expand config path")
	}

	config := Client{Version: InitialClientConfigVersion, path: path}
	if err := parseConfig(path, &config, SupportedClientConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Client{}, errors.NewFriendlyError("The sup client config "+
				"file doesn't exist at %q.", path)
		}
		return Client{}, errors.WithContext(err, "parse")
	}

	seen := map[string]bool{}
	for i := range config.Collections {
		coll := &config.Collections[i]
		if err := coll.normalize(path); err != nil {
			return Client{}, err
		}

		if seen[coll.Name] {
			return Client{}, errors.NewFriendlyError(
				"Collection %q is defined more than once in %q.", coll.Name, path)
		}
		seen[coll.Name] = true
	}
	return config, nil
}

func (coll *Collection) normalize(configPath string) error {
	if coll.Name == "" {
		return errors.NewFriendlyError("A collection in %q does not have a "+
			"name set. The name field is required.", configPath)
	}

	if len(coll.Hosts) == 0 {
		return errors.NewFriendlyError("Collection %q in %q does not have "+
			"any hosts. At least one host is required.", coll.Name, configPath)
	}

	if coll.Base == "" {
		return errors.NewFriendlyError("Collection %q in %q does not have a "+
			"base directory set. The base field is required.", coll.Name, configPath)
	}

	var err error
	if coll.Base, err = expandPath(configPath, coll.Base); err != nil {
		return errors.WithContext(err, "base")
	}

	if coll.Prefix == "" {
		coll.Prefix = coll.Base
	} else if coll.Prefix, err = expandPath(configPath, coll.Prefix); err != nil {
		return errors.WithContext(err, "prefix")
	}

	for i, dir := range coll.TempDirs {
		if coll.TempDirs[i], err = expandPath(configPath, dir); err != nil {
			return errors.WithContext(err, "temp dir")
		}
	}

	if coll.Release == "" {
		coll.Release = DefaultRelease
	}

	if coll.IdleTimeout <= 0 {
		coll.IdleTimeout = DefaultIdleTimeout
	}
	return nil
}

// Select returns the collections with the given names, in the order they
// were requested. No names selects every collection.
func (c Client) Select(names ...string) ([]Collection, error) {
	if len(names) == 0 {
		return c.Collections, nil
	}

	var selected []Collection
	for _, name := range names {
		coll, ok := c.find(name)
		if !ok {
			return nil, errors.NewFriendlyError("Collection %q isn't "+
				"defined in %q.", name, c.path)
		}
		selected = append(selected, coll)
	}
	return selected, nil
}

func (c Client) find(name string) (Collection, bool) {
	for _, coll := range c.Collections {
		if coll.Name == name {
			return coll, true
		}
	}
	return Collection{}, false
}

// WriteClient writes the given client config to path.
func WriteClient(path string, cfg Client) error {
	cfg.Version = SupportedClientConfigVersion
	path, err := homedirExpand(path)
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0600); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}
