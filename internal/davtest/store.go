package davtest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type object struct {
	body     []byte
	etag     string
	modified time.Time
}

type change struct {
	seq     int
	deleted bool
}

type collection struct {
	displayName string
	description string
	color       string
	objects     map[string]*object
	// changes records the last change of every resource name ever seen.
	changes map[string]change
	seq     int
	// validFrom is the lowest sequence a client token may carry.
	validFrom int
}

func newCollection(displayName string) *collection {
	return &collection{
		displayName: displayName,
		objects:     make(map[string]*object),
		changes:     make(map[string]change),
	}
}

// bump advances the collection sequence and records name as changed.
func (c *collection) bump(name string, deleted bool, seq int) {
	c.seq = seq
	c.changes[name] = change{seq: seq, deleted: deleted}
}

func (c *collection) ctag() string {
	return strconv.Itoa(c.seq)
}

const tokenPrefix = "http://davtest.invalid/sync/"

func syncToken(seq int) string {
	return tokenPrefix + strconv.Itoa(seq)
}

func parseSyncToken(token string) (int, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return 0, fmt.Errorf("foreign token %q", token)
	}
	return strconv.Atoi(strings.TrimPrefix(token, tokenPrefix))
}

// changedSince lists resource names changed after seq, sorted.
func (c *collection) changedSince(seq int) []string {
	var names []string
	for name, ch := range c.changes {
		if ch.seq > seq {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *collection) objectNames() []string {
	names := make([]string, 0, len(c.objects))
	for name := range c.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// currentToken returns the token a sync report would issue now.
func (s *Server) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return syncToken(s.seq)
}
