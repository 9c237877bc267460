package sync

import (
	"os/user"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultIDCacheSize = 256

// Mocked out for unit testing.
var (
	lookupUserID  = user.LookupId
	lookupGroupID = user.LookupGroupId
	lookupUser    = user.Lookup
	lookupGroup   = user.LookupGroup
)

// IDCache resolves user and group ids to names and back. Failed lookups are
// cached too, so each id or name is looked up at most once while it stays in
// the cache.
type IDCache struct {
	userNames, groupNames *lru.Cache[int, string]
	userIDs, groupIDs     *lru.Cache[string, int]
}

// NewIDCache creates a cache holding up to size entries of each kind.
func NewIDCache(size int) *IDCache {
	if size <= 0 {
		size = defaultIDCacheSize
	}

	return &IDCache{
		userNames:  newLRU[int, string](size),
		groupNames: newLRU[int, string](size),
		userIDs:    newLRU[string, int](size),
		groupIDs:   newLRU[string, int](size),
	}
}

func newLRU[K comparable, V any](size int) *lru.Cache[K, V] {
	cache, err := lru.New[K, V](size)
	if err != nil {
		// Only possible for non-positive sizes.
		panic(err)
	}
	return cache
}

// UserName returns the name of the user, or "" if it's unknown.
func (c *IDCache) UserName(uid int) string {
	if name, ok := c.userNames.Get(uid); ok {
		return name
	}

	var name string
	if u, err := lookupUserID(strconv.Itoa(uid)); err == nil {
		name = u.Username
	}
	c.userNames.Add(uid, name)
	return name
}

// GroupName returns the name of the group, or "" if it's unknown.
func (c *IDCache) GroupName(gid int) string {
	if name, ok := c.groupNames.Get(gid); ok {
		return name
	}

	var name string
	if g, err := lookupGroupID(strconv.Itoa(gid)); err == nil {
		name = g.Name
	}
	c.groupNames.Add(gid, name)
	return name
}

// UserID returns the local id of the named user, or fallback if the name is
// empty or unknown.
func (c *IDCache) UserID(name string, fallback int) int {
	if name == "" {
		return fallback
	}

	id, ok := c.userIDs.Get(name)
	if !ok {
		id = -1
		if u, err := lookupUser(name); err == nil {
			if parsed, err := strconv.Atoi(u.Uid); err == nil {
				id = parsed
			}
		}
		c.userIDs.Add(name, id)
	}

	if id < 0 {
		return fallback
	}
	return id
}

// GroupID returns the local id of the named group, or fallback if the name
// is empty or unknown.
func (c *IDCache) GroupID(name string, fallback int) int {
	if name == "" {
		return fallback
	}

	id, ok := c.groupIDs.Get(name)
	if !ok {
		id = -1
		if g, err := lookupGroup(name); err == nil {
			if parsed, err := strconv.Atoi(g.Gid); err == nil {
				id = parsed
			}
		}
		c.groupIDs.Add(name, id)
	}

	if id < 0 {
		return fallback
	}
	return id
}
