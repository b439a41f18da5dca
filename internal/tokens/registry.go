// ============================================================================
// Stagecoach Callback Token Registry
// ============================================================================
//
// Package: internal/tokens
// File: registry.go
// Purpose: Issue opaque one-time tokens bound to a pending unit of deferred
//          work, and redeem each of them at most once.
//
// Token lifecycle:
//   pending --Redeem (before deadline)--> redeemed
//   pending --Redeem/Sweep (after deadline)--> expired
//
// Transitions of one token are serialized by its entry lock, so two
// concurrent redeemers can never both win. Redeem order of checks:
//   redeemed -> ErrAlreadyRedeemed
//   expired  -> ErrExpired
//   overdue  -> expired, ErrExpired
//   pending  -> apply (the job advance); on success -> redeemed
// A settled state is journalled before it is visible to readers.
//
// Tokens are 32 bytes from crypto/rand, base64url encoded. Records are keyed
// by the token's SHA-256 digest and only the digest is journalled or
// exported, so a WAL or snapshot never leaks a redeemable credential.
//
// ============================================================================

package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "tokens")

// TokenBytes is the entropy of an issued token.
const TokenBytes = 32

var (
	ErrValidation      = errors.New("validation failed")
	ErrInvalidTTL      = fmt.Errorf("%w: ttl must be positive", ErrValidation)
	ErrUnknownToken    = errors.New("unknown token")
	ErrAlreadyRedeemed = errors.New("token already redeemed")
	ErrExpired         = errors.New("token expired")
)

const (
	statePending int32 = iota
	stateRedeemed
	stateExpired
)

var stateNames = map[int32]types.TokenState{
	statePending:  types.TokenPending,
	stateRedeemed: types.TokenRedeemed,
	stateExpired:  types.TokenExpired,
}

// Journal persists token transitions. The record's State tells which one.
type Journal interface {
	AppendToken(rec types.TokenRecord) error
}

// IssueRequest binds a new token to one unit of work.
type IssueRequest struct {
	JobID    types.JobID
	Pipeline string
	Stage    types.StageName
	Work     string
	TTL      time.Duration
}

// Issued is returned once; the raw token is not retrievable afterwards.
type Issued struct {
	Token  string
	Record types.TokenRecord
}

// Redemption describes a redeem attempt. JustExpired is set when this call
// was the one that moved an overdue token to expired, so the caller can
// report the orphan.
type Redemption struct {
	JobID       types.JobID
	Record      types.TokenRecord
	JustExpired bool
}

// entry state is read lock-free; transitions happen under mu.
type entry struct {
	mu        sync.Mutex
	rec       types.TokenRecord // immutable after issue except State/SettledAt
	state     atomic.Int32
	settledAt atomic.Int64
}

func (e *entry) record() types.TokenRecord {
	rec := e.rec
	rec.State = stateNames[e.state.Load()]
	rec.SettledAt = e.settledAt.Load()
	return rec
}

// Registry holds every token issued by this process or restored from disk.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry // digest -> entry
	journal Journal
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

func WithJournal(j Journal) Option { return func(r *Registry) { r.journal = j } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Digest is the storage key for a token.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue records a pending token with deadline now+ttl. It never blocks on
// redemption.
func (r *Registry) Issue(ctx context.Context, req IssueRequest) (Issued, error) {
	if req.JobID == "" {
		return Issued{}, fmt.Errorf("%w: job id is required", ErrValidation)
	}
	if req.TTL <= 0 {
		return Issued{}, fmt.Errorf("%w: got %s", ErrInvalidTTL, req.TTL)
	}
	if err := ctx.Err(); err != nil {
		return Issued{}, err
	}

	token, err := newToken()
	if err != nil {
		return Issued{}, err
	}

	now := r.now()
	e := &entry{rec: types.TokenRecord{
		Digest:    Digest(token),
		JobID:     req.JobID,
		Pipeline:  req.Pipeline,
		Stage:     req.Stage,
		Work:      req.Work,
		WorkID:    uuid.NewString(),
		State:     types.TokenPending,
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(req.TTL).UnixMilli(),
	}}

	// journal and insert under one lock so an export never sees the
	// journal record without the entry
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.journal != nil {
		if err := r.journal.AppendToken(e.rec); err != nil {
			return Issued{}, fmt.Errorf("journal token: %w", err)
		}
	}
	r.entries[e.rec.Digest] = e

	return Issued{Token: token, Record: e.record()}, nil
}

// Redeem moves a pending token to redeemed exactly once.
func (r *Registry) Redeem(ctx context.Context, token string) (Redemption, error) {
	return r.RedeemWith(ctx, token, nil)
}

// RedeemWith runs apply on a pending, unexpired token and settles the token
// as redeemed only if apply succeeds. When apply fails the token stays
// pending and apply's error is returned unchanged. Concurrent redemptions
// of the same token are serialized, so apply runs at most once per
// successful redemption.
func (r *Registry) RedeemWith(ctx context.Context, token string, apply func(rec types.TokenRecord) error) (Redemption, error) {
	if err := ctx.Err(); err != nil {
		return Redemption{}, err
	}

	e := r.get(Digest(token))
	if e == nil {
		return Redemption{}, ErrUnknownToken
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state.Load() {
	case stateRedeemed:
		return Redemption{JobID: e.rec.JobID, Record: e.record()}, ErrAlreadyRedeemed
	case stateExpired:
		return Redemption{JobID: e.rec.JobID, Record: e.record()}, ErrExpired
	}

	now := r.now().UnixMilli()
	if now > e.rec.ExpiresAt {
		rec, err := r.settle(e, stateExpired, now)
		if err != nil {
			log.WithError(err).WithField("job_id", rec.JobID).Warn("token expiry not journaled")
		}
		return Redemption{JobID: rec.JobID, Record: rec, JustExpired: true}, ErrExpired
	}

	candidate := e.record()
	candidate.State = types.TokenRedeemed
	candidate.SettledAt = now
	if apply != nil {
		if err := apply(candidate); err != nil {
			return Redemption{JobID: e.rec.JobID, Record: e.record()}, err
		}
	}

	rec, err := r.settle(e, stateRedeemed, now)
	if err != nil {
		// the job already moved; a retry with the same output is a
		// duplicate advance and settles the token then
		return Redemption{JobID: rec.JobID, Record: rec}, fmt.Errorf("journal redemption: %w", err)
	}
	return Redemption{JobID: rec.JobID, Record: rec}, nil
}

// settle journals a pending entry's transition and only then publishes it,
// so neither readers nor Export ever observe an unjournaled state. Caller
// holds e.mu. An expiry is published even when the journal fails: replay
// re-derives it from ExpiresAt.
func (r *Registry) settle(e *entry, to int32, at int64) (types.TokenRecord, error) {
	rec := e.record()
	rec.State = stateNames[to]
	rec.SettledAt = at

	r.mu.RLock()
	defer r.mu.RUnlock()
	err := r.appendSettled(rec)
	if err != nil && to != stateExpired {
		return e.record(), err
	}
	e.settledAt.Store(at)
	e.state.Store(to)
	return rec, err
}

func (r *Registry) appendSettled(rec types.TokenRecord) error {
	if r.journal == nil {
		return nil
	}
	return r.journal.AppendToken(rec)
}

// Lookup returns the record for a token.
func (r *Registry) Lookup(token string) (types.TokenRecord, error) {
	e := r.get(Digest(token))
	if e == nil {
		return types.TokenRecord{}, ErrUnknownToken
	}
	return e.record(), nil
}

func (r *Registry) get(digest string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[digest]
}

// Sweep expires every overdue pending token and returns the records it
// transitioned. Each orphan is returned by exactly one Sweep (or reported by
// the Redeem that expired it).
func (r *Registry) Sweep(now time.Time) []types.TokenRecord {
	var expired []types.TokenRecord
	for _, e := range r.snapshotEntries() {
		if rec, ok := r.expire(e, now.UnixMilli()); ok {
			expired = append(expired, rec)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt < expired[j].ExpiresAt })
	return expired
}

func (r *Registry) expire(e *entry, now int64) (types.TokenRecord, bool) {
	if e.state.Load() != statePending || now <= e.rec.ExpiresAt {
		return types.TokenRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Load() != statePending {
		return types.TokenRecord{}, false
	}
	rec, err := r.settle(e, stateExpired, now)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"job_id":  rec.JobID,
			"work_id": rec.WorkID,
		}).Error("token expiry not journaled")
	}
	return rec, true
}

// Prune drops settled records settled before the cutoff and returns how
// many were removed. Pending tokens are never pruned.
func (r *Registry) Prune(before time.Time) int {
	cutoff := before.UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for digest, e := range r.entries {
		if e.state.Load() == statePending {
			continue
		}
		if at := e.settledAt.Load(); at > 0 && at < cutoff {
			delete(r.entries, digest)
			removed++
		}
	}
	return removed
}

// Pending returns all pending records ordered by deadline.
func (r *Registry) Pending() []types.TokenRecord {
	var out []types.TokenRecord
	for _, e := range r.snapshotEntries() {
		if e.state.Load() == statePending {
			out = append(out, e.record())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt < out[j].ExpiresAt })
	return out
}

// Stats counts records by state.
func (r *Registry) Stats() map[types.TokenState]int {
	stats := map[types.TokenState]int{types.TokenPending: 0, types.TokenRedeemed: 0, types.TokenExpired: 0}
	for _, e := range r.snapshotEntries() {
		stats[stateNames[e.state.Load()]]++
	}
	return stats
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// ============================================================================
// Durability
// ============================================================================

// Export returns every record ordered by issue time. It excludes every
// transition window, so each exported state is already in the journal.
func (r *Registry) Export() []types.TokenRecord {
	r.mu.Lock()
	out := make([]types.TokenRecord, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.record())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt == out[j].IssuedAt {
			return out[i].Digest < out[j].Digest
		}
		return out[i].IssuedAt < out[j].IssuedAt
	})
	return out
}

// Restore replaces all records.
func (r *Registry) Restore(records []types.TokenRecord) {
	entries := make(map[string]*entry, len(records))
	for _, rec := range records {
		entries[rec.Digest] = newEntry(rec)
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
}

// Apply folds a journalled record back in during recovery. States only move
// forward: a settled record is never reverted to pending.
func (r *Registry) Apply(rec types.TokenRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[rec.Digest]
	if !ok {
		r.entries[rec.Digest] = newEntry(rec)
		return
	}
	if rec.State == types.TokenPending {
		return
	}
	if e.state.CompareAndSwap(statePending, stateOf(rec.State)) {
		e.settledAt.Store(rec.SettledAt)
	}
}

func newEntry(rec types.TokenRecord) *entry {
	e := &entry{rec: rec}
	e.state.Store(stateOf(rec.State))
	e.settledAt.Store(rec.SettledAt)
	return e
}

func stateOf(s types.TokenState) int32 {
	switch s {
	case types.TokenRedeemed:
		return stateRedeemed
	case types.TokenExpired:
		return stateExpired
	default:
		return statePending
	}
}
