// Package marshal hands out opaque, TTL-governed external handles bound to
// staging identifiers. External callers never see slot addresses directly;
// they resolve a token and the fabric does the rest.
package marshal

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// tokenBytes gives 192 bits of entropy per token.
const tokenBytes = 24

// Token is one live handle.
type Token struct {
	Value     string    `json:"token"`
	StagingID string    `json:"staging_id"`
	CreatedAt time.Time `json:"created_at"`
	TTL       time.Duration
	Origin    string `json:"origin,omitempty"`
	Submitter string `json:"submitter,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// Resolution is the external view of a token lookup. Expired tokens resolve
// with Expired=true until they age past twice their TTL, after which they
// are gone entirely.
type Resolution struct {
	StagingID string        `json:"staging_id"`
	Elapsed   time.Duration `json:"elapsed"`
	Remaining time.Duration `json:"remaining"`
	Expired   bool          `json:"expired"`
	Origin    string        `json:"origin,omitempty"`
	Submitter string        `json:"submitter,omitempty"`
	AgentID   string        `json:"agent_id,omitempty"`
}

// Registry is the token table. Mutations run under its own lock; purging
// piggybacks on every mint.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]*Token

	now func() time.Time // injectable clock for tests
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tokens: make(map[string]*Token), now: time.Now}
}

// Mint creates a token bound to a staging id. Expired-beyond-grace tokens
// are purged on the way in.
func (r *Registry) Mint(stagingID string, ttl time.Duration, origin, submitter, agentID string) *Token {
	value := newTokenValue()
	t := &Token{
		Value:     value,
		StagingID: stagingID,
		CreatedAt: r.now().UTC(),
		TTL:       ttl,
		Origin:    origin,
		Submitter: submitter,
		AgentID:   agentID,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked()
	r.tokens[value] = t
	return t
}

// Restore re-installs a persisted token with its remaining TTL. Used on
// checkpoint restore; the creation time is rebased so the remaining window
// starts now.
func (r *Registry) Restore(value, stagingID string, remaining time.Duration, origin, submitter, agentID string) *Token {
	t := &Token{
		Value:     value,
		StagingID: stagingID,
		CreatedAt: r.now().UTC(),
		TTL:       remaining,
		Origin:    origin,
		Submitter: submitter,
		AgentID:   agentID,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[value] = t
	return t
}

// Resolve looks a token up. Nil means unknown or past the grace window.
func (r *Registry) Resolve(value string) *Resolution {
	r.mu.RLock()
	t, ok := r.tokens[value]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	elapsed := r.now().Sub(t.CreatedAt)
	if elapsed > 2*t.TTL {
		r.mu.Lock()
		delete(r.tokens, value)
		r.mu.Unlock()
		return nil
	}

	remaining := t.TTL - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return &Resolution{
		StagingID: t.StagingID,
		Elapsed:   elapsed,
		Remaining: remaining,
		Expired:   elapsed >= t.TTL,
		Origin:    t.Origin,
		Submitter: t.Submitter,
		AgentID:   t.AgentID,
	}
}

// FindByStagingID returns the live (unexpired) token for a staging id, if
// one exists.
func (r *Registry) FindByStagingID(stagingID string) *Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tokens {
		if t.StagingID == stagingID && r.now().Sub(t.CreatedAt) < t.TTL {
			cp := *t
			return &cp
		}
	}
	return nil
}

// Live returns copies of every token still inside its TTL, for
// checkpointing.
func (r *Registry) Live() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Token
	for _, t := range r.tokens {
		if r.now().Sub(t.CreatedAt) < t.TTL {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// Count reports the table size, purged or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

// purgeLocked drops tokens past twice their TTL. Caller holds the write
// lock.
func (r *Registry) purgeLocked() {
	now := r.now()
	for value, t := range r.tokens {
		if now.Sub(t.CreatedAt) > 2*t.TTL {
			delete(r.tokens, value)
		}
	}
}

func newTokenValue() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
