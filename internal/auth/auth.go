// Package auth consumes authorization decisions that gate every operation
// able to trigger orchestration. The policy lives outside the core; this
// package only defines the decision shape and two small authorizers.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "auth")

// DefaultTTLOverride is the decision lifetime, in seconds, when the
// authorizer does not say otherwise.
const DefaultTTLOverride = 3600

var ErrUnauthorized = errors.New("unauthorized")

// Decision is the external authorization result.
type Decision struct {
	IsAuthorized bool     `json:"isAuthorized"`
	DeniedFields []string `json:"deniedFields"`
	TTLOverride  int      `json:"ttlOverride"`
}

// Authorizer turns a bearer credential into a decision.
type Authorizer interface {
	Authorize(ctx context.Context, credential string) (Decision, error)
}

// AllowAll authorizes everything. Used when auth is disabled.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string) (Decision, error) {
	return Decision{IsAuthorized: true, DeniedFields: []string{}, TTLOverride: DefaultTTLOverride}, nil
}

// Static compares the credential against a single configured token.
type Static struct {
	token string
	ttl   int
}

// NewStatic returns a static authorizer. ttl <= 0 uses DefaultTTLOverride.
func NewStatic(token string, ttl int) *Static {
	if ttl <= 0 {
		ttl = DefaultTTLOverride
	}
	return &Static{token: token, ttl: ttl}
}

func (s *Static) Authorize(_ context.Context, credential string) (Decision, error) {
	ok := s.token != "" && subtle.ConstantTimeCompare([]byte(credential), []byte(s.token)) == 1
	return Decision{IsAuthorized: ok, DeniedFields: []string{}, TTLOverride: s.ttl}, nil
}

// Caching memoizes granted decisions for their TTLOverride. Denials are
// never cached, and expired entries are dropped on lookup and by a sweep
// run at most once per pruneEvery from the insert path.
type Caching struct {
	next Authorizer
	now  func() time.Time

	// MaxEntries caps the cache; grants beyond it are not cached.
	MaxEntries int

	mu        sync.Mutex
	entries   map[string]cached
	lastPrune time.Time
}

// DefaultMaxEntries bounds a Caching authorizer built by NewCaching.
const DefaultMaxEntries = 1024

const pruneEvery = time.Minute

type cached struct {
	decision Decision
	until    time.Time
}

func NewCaching(next Authorizer) *Caching {
	return &Caching{next: next, now: time.Now, MaxEntries: DefaultMaxEntries, entries: make(map[string]cached)}
}

func (c *Caching) Authorize(ctx context.Context, credential string) (Decision, error) {
	now := c.now()

	c.mu.Lock()
	if hit, ok := c.entries[credential]; ok {
		if now.Before(hit.until) {
			c.mu.Unlock()
			return hit.decision, nil
		}
		delete(c.entries, credential)
	}
	c.mu.Unlock()

	d, err := c.next.Authorize(ctx, credential)
	if err != nil {
		return d, err
	}
	if d.IsAuthorized && d.TTLOverride > 0 {
		c.store(credential, d, now)
	}
	return d, nil
}

func (c *Caching) store(credential string, d Decision, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastPrune) >= pruneEvery {
		c.pruneLocked(now)
	}
	if c.MaxEntries > 0 && len(c.entries) >= c.MaxEntries {
		c.pruneLocked(now)
		if len(c.entries) >= c.MaxEntries {
			log.WithField("entries", len(c.entries)).Debug("decision cache full, not caching")
			return
		}
	}
	c.entries[credential] = cached{decision: d, until: now.Add(time.Duration(d.TTLOverride) * time.Second)}
}

func (c *Caching) pruneLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.until) {
			delete(c.entries, k)
		}
	}
	c.lastPrune = now
}

// Len reports how many decisions are cached.
func (c *Caching) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// BearerToken extracts the credential from an Authorization header value.
// A bare value without the scheme is accepted as-is.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// Check authorizes a credential and returns ErrUnauthorized on denial.
func Check(ctx context.Context, a Authorizer, credential string) (Decision, error) {
	d, err := a.Authorize(ctx, credential)
	if err != nil {
		return d, err
	}
	if !d.IsAuthorized {
		log.Debug("authorization denied")
		return d, ErrUnauthorized
	}
	return d, nil
}
