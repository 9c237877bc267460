package server

import (
	"net"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/sidkik/sup/pkg/errors"
)

// Mocked out for unit testing.
var lookupAddr = net.LookupAddr

// ErrBadLogin is returned by Authenticators for unknown accounts and wrong
// passwords alike, so that clients can't discover account names.
var ErrBadLogin = errors.New("invalid login")

// Authenticator checks the credentials a client sends in LOGIN.
type Authenticator interface {
	Authenticate(user, password string) error
}

// Accounts authenticates against a table of bcrypt password hashes, keyed by
// account name.
type Accounts map[string]string

// Authenticate implements Authenticator.
func (a Accounts) Authenticate(user, password string) error {
	hash, ok := a[user]
	if !ok {
		return ErrBadLogin
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadLogin
	}
	return nil
}

// hostRule matches a client by network, address or hostname glob.
type hostRule struct {
	network *net.IPNet
	ip      net.IP
	glob    string
}

func parseHostRules(patterns []string) ([]hostRule, error) {
	var rules []hostRule
	for _, pattern := range patterns {
		if _, network, err := net.ParseCIDR(pattern); err == nil {
			rules = append(rules, hostRule{network: network})
			continue
		}

		if ip := net.ParseIP(pattern); ip != nil {
			rules = append(rules, hostRule{ip: ip})
			continue
		}

		glob := strings.ToLower(strings.TrimSuffix(pattern, "."))
		if !doublestar.ValidatePattern(glob) {
			return nil, errors.New("invalid host pattern %q", pattern)
		}
		rules = append(rules, hostRule{glob: glob})
	}
	return rules, nil
}

func (r hostRule) match(ip net.IP, names []string) bool {
	switch {
	case r.network != nil:
		return ip != nil && r.network.Contains(ip)
	case r.ip != nil:
		return ip != nil && r.ip.Equal(ip)
	}

	for _, name := range names {
		if ok, _ := doublestar.Match(r.glob, name); ok {
			return true
		}
	}
	return false
}

// hostFilter decides which clients may sync a collection. A client matching
// a deny rule is always refused. When there are allow rules, the client must
// match one of them.
type hostFilter struct {
	allow, deny []hostRule
}

func newHostFilter(allow, deny []string) (hostFilter, error) {
	var f hostFilter
	var err error
	if f.allow, err = parseHostRules(allow); err != nil {
		return f, errors.WithContext(err, "allowHosts")
	}
	if f.deny, err = parseHostRules(deny); err != nil {
		return f, errors.WithContext(err, "denyHosts")
	}
	return f, nil
}

func (f hostFilter) permitted(addr net.Addr) bool {
	if len(f.allow) == 0 && len(f.deny) == 0 {
		return true
	}

	var ip net.IP
	if addr != nil {
		if host, _, err := net.SplitHostPort(addr.String()); err == nil {
			ip = net.ParseIP(host)
		}
	}

	var names []string
	if ip != nil && f.needsNames() {
		// A failed reverse lookup leaves only the address rules to match.
		found, _ := lookupAddr(ip.String())
		for _, name := range found {
			names = append(names, strings.ToLower(strings.TrimSuffix(name, ".")))
		}
	}

	for _, rule := range f.deny {
		if rule.match(ip, names) {
			return false
		}
	}

	if len(f.allow) == 0 {
		return true
	}

	for _, rule := range f.allow {
		if rule.match(ip, names) {
			return true
		}
	}
	return false
}

func (f hostFilter) needsNames() bool {
	for _, rules := range [][]hostRule{f.allow, f.deny} {
		for _, rule := range rules {
			if rule.glob != "" {
				return true
			}
		}
	}
	return false
}
