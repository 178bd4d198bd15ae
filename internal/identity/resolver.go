// Package identity resolves which branch, organization, and terminal this
// daemon acts for. Three sources can disagree or be stale: the operator's
// session, the local cache, and the remote terminal configuration service.
// The resolver merges them per field and guarantees that a slow early
// refresh can never clobber the result of a later one.
package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kiwari-pos/terminal/internal/bus"
	"github.com/kiwari-pos/terminal/internal/localstore"
)

// Identity is one atomic snapshot of the terminal's resolved identity.
// An empty field means unknown; placeholder sentinels never appear here.
type Identity struct {
	BranchID       string `json:"branch_id"`
	OrganizationID string `json:"organization_id"`
	TerminalID     string `json:"terminal_id"`
}

// Placeholder sentinels some backends hand out before a terminal is
// configured. Treated as absent everywhere.
var placeholders = map[string]struct{}{
	"default-branch":   {},
	"default-org":      {},
	"default-terminal": {},
	"null":             {},
	"undefined":        {},
	"0":                {},
}

func usable(v string) bool {
	if v == "" {
		return false
	}
	_, bad := placeholders[v]
	return !bad
}

// Require selects which fields a caller needs before it can proceed.
type Require int

const (
	RequireBranch Require = 1 << iota
	RequireOrganization

	RequireBoth = RequireBranch | RequireOrganization
)

func (r Require) satisfiedBy(id Identity) bool {
	if r&RequireBranch != 0 && !usable(id.BranchID) {
		return false
	}
	if r&RequireOrganization != 0 && !usable(id.OrganizationID) {
		return false
	}
	return true
}

// ConfigService is the remote terminal configuration collaborator.
type ConfigService interface {
	FetchIdentity(ctx context.Context) (Identity, error)
}

// Cache persists the last good identity across restarts.
// Satisfied by *localstore.Store; narrow interface for testability.
type Cache interface {
	GetIdentity(ctx context.Context) (localstore.CachedIdentity, error)
	PutIdentity(ctx context.Context, ci localstore.CachedIdentity) error
	ClearIdentity(ctx context.Context) error
}

// Options controls a single Resolve call.
type Options struct {
	// ForceRefresh always issues a remote refresh, even when every
	// required field is already present.
	ForceRefresh bool
	// Block waits for the remote refresh (bounded by the resolver
	// timeout) instead of returning the best-effort snapshot.
	Block bool
	// Require names the fields the caller cannot proceed without.
	Require Require
}

// Resolver merges identity sources and serves snapshots. Safe for
// concurrent use.
type Resolver struct {
	remote  ConfigService
	cache   Cache
	events  *bus.Bus
	timeout time.Duration
	log     *zap.Logger

	// token stamps each refresh; a refresh whose token is no longer the
	// latest discards its result instead of overwriting fresher state.
	token atomic.Int64

	mu        sync.Mutex
	session   Identity
	current   Identity
	resolving bool
}

// New creates a Resolver. timeout bounds every remote refresh; production
// runs with 1.6s.
func New(remote ConfigService, cache Cache, events *bus.Bus, timeout time.Duration, log *zap.Logger) *Resolver {
	return &Resolver{
		remote:  remote,
		cache:   cache,
		events:  events,
		timeout: timeout,
		log:     log,
	}
}

// SetSession records identity values carried by the operator's session.
// Session values take priority over both cache and remote.
func (r *Resolver) SetSession(id Identity) {
	r.mu.Lock()
	r.session = id
	r.current = merge(r.session, r.current)
	r.mu.Unlock()
}

// Current returns the latest published snapshot.
func (r *Resolver) Current() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Resolving reports whether a foreground resolution is in flight. It is
// not raised for background refreshes when the required fields were
// already present, so the UI never flashes a loading state over a usable
// identity.
func (r *Resolver) Resolving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolving
}

// Resolve returns the best identity available right now and, when needed,
// triggers a remote refresh. Callable repeatedly and concurrently with
// itself; the token scheme makes the last-issued call win regardless of
// completion order.
func (r *Resolver) Resolve(ctx context.Context, opts Options) Identity {
	cached := r.loadCache(ctx)

	r.mu.Lock()
	r.current = merge(r.session, merge(cached, r.current))
	snapshot := r.current
	missing := !opts.Require.satisfiedBy(snapshot)

	if !missing && !opts.ForceRefresh {
		r.mu.Unlock()
		return snapshot
	}

	token := r.token.Add(1)
	if missing {
		r.resolving = true
	}
	r.mu.Unlock()

	if opts.Block {
		r.refresh(ctx, token)
		return r.Current()
	}

	go r.refresh(context.Background(), token)
	return snapshot
}

// Reset forgets everything: session, published snapshot, and cache.
// Called on logout and cache invalidation. Outstanding refreshes are
// invalidated via the token.
func (r *Resolver) Reset(ctx context.Context) error {
	r.token.Add(1)
	r.mu.Lock()
	r.session = Identity{}
	r.current = Identity{}
	r.resolving = false
	r.mu.Unlock()

	if err := r.cache.ClearIdentity(ctx); err != nil {
		return err
	}
	return nil
}

// Run re-resolves whenever the terminal is reconfigured upstream.
// Blocks until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context) {
	ch, cancel := r.events.Subscribe(bus.TopicIdentityChanged)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			r.invalidate(ctx)
			r.Resolve(ctx, Options{ForceRefresh: true, Require: RequireBoth})
		}
	}
}

// invalidate drops the published snapshot and the cache so the next
// refresh can replace already-resolved fields instead of merging under
// them; session values survive. Outstanding refreshes are discarded via
// the token.
func (r *Resolver) invalidate(ctx context.Context) {
	r.token.Add(1)
	r.mu.Lock()
	r.current = r.session
	r.mu.Unlock()

	if err := r.cache.ClearIdentity(ctx); err != nil {
		r.log.Warn("identity cache clear failed", zap.Error(err))
	}
}

func (r *Resolver) loadCache(ctx context.Context) Identity {
	ci, err := r.cache.GetIdentity(ctx)
	if err != nil {
		if !errors.Is(err, localstore.ErrNotFound) {
			r.log.Warn("identity cache read failed", zap.Error(err))
		}
		return Identity{}
	}
	return Identity{BranchID: ci.BranchID, OrganizationID: ci.OrgID, TerminalID: ci.TerminalID}
}

// refresh fetches from the configuration service and publishes the merged
// result, unless a newer Resolve call has been issued meanwhile. Failures
// degrade silently: whatever identity is already published stays.
func (r *Resolver) refresh(ctx context.Context, token int64) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fetched, err := r.remote.FetchIdentity(ctx)

	r.mu.Lock()
	if token != r.token.Load() {
		r.mu.Unlock()
		return
	}
	r.resolving = false
	if err != nil {
		r.mu.Unlock()
		r.log.Warn("identity refresh failed, keeping cached identity", zap.Error(err))
		return
	}
	r.current = merge(r.session, merge(r.current, fetched))
	snapshot := r.current
	r.mu.Unlock()

	if err := r.cache.PutIdentity(context.WithoutCancel(ctx), localstore.CachedIdentity{
		BranchID:   snapshot.BranchID,
		OrgID:      snapshot.OrganizationID,
		TerminalID: snapshot.TerminalID,
	}); err != nil {
		r.log.Warn("identity cache write failed", zap.Error(err))
	}
}

// merge prefers hi's fields, falling back to lo per field. Placeholders
// count as absent on both sides.
func merge(hi, lo Identity) Identity {
	out := lo
	if usable(hi.BranchID) {
		out.BranchID = hi.BranchID
	}
	if usable(hi.OrganizationID) {
		out.OrganizationID = hi.OrganizationID
	}
	if usable(hi.TerminalID) {
		out.TerminalID = hi.TerminalID
	}
	if !usable(out.BranchID) {
		out.BranchID = ""
	}
	if !usable(out.OrganizationID) {
		out.OrganizationID = ""
	}
	if !usable(out.TerminalID) {
		out.TerminalID = ""
	}
	return out
}
