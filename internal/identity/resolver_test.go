package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kiwari-pos/terminal/internal/bus"
	"github.com/kiwari-pos/terminal/internal/localstore"
)

type fakeConfigService struct {
	fetchFunc func(ctx context.Context) (Identity, error)
}

func (f *fakeConfigService) FetchIdentity(ctx context.Context) (Identity, error) {
	return f.fetchFunc(ctx)
}

type fakeCache struct {
	mu     sync.Mutex
	stored localstore.CachedIdentity
	has    bool
}

func (f *fakeCache) GetIdentity(ctx context.Context) (localstore.CachedIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.has {
		return localstore.CachedIdentity{}, localstore.ErrNotFound
	}
	return f.stored, nil
}

func (f *fakeCache) PutIdentity(ctx context.Context, ci localstore.CachedIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = ci
	f.has = true
	return nil
}

func (f *fakeCache) ClearIdentity(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = localstore.CachedIdentity{}
	f.has = false
	return nil
}

func newTestResolver(remote ConfigService, cache Cache) *Resolver {
	return New(remote, cache, bus.New(), time.Second, zap.NewNop())
}

func TestResolveMergesSessionOverCacheOverRemote(t *testing.T) {
	remote := &fakeConfigService{
		fetchFunc: func(ctx context.Context) (Identity, error) {
			return Identity{BranchID: "remote-branch", OrganizationID: "remote-org", TerminalID: "term-9"}, nil
		},
	}
	cache := &fakeCache{stored: localstore.CachedIdentity{BranchID: "cached-branch"}, has: true}

	r := newTestResolver(remote, cache)
	r.SetSession(Identity{OrganizationID: "session-org"})

	got := r.Resolve(context.Background(), Options{ForceRefresh: true, Block: true, Require: RequireBoth})

	if got.BranchID != "cached-branch" {
		t.Errorf("BranchID = %q, want cached-branch", got.BranchID)
	}
	if got.OrganizationID != "session-org" {
		t.Errorf("OrganizationID = %q, want session-org", got.OrganizationID)
	}
	if got.TerminalID != "term-9" {
		t.Errorf("TerminalID = %q, want term-9", got.TerminalID)
	}
}

func TestResolveTreatsPlaceholdersAsAbsent(t *testing.T) {
	remote := &fakeConfigService{
		fetchFunc: func(ctx context.Context) (Identity, error) {
			return Identity{BranchID: "default-branch", OrganizationID: "org-1"}, nil
		},
	}
	cache := &fakeCache{stored: localstore.CachedIdentity{BranchID: "branch-7", OrgID: "null"}, has: true}

	r := newTestResolver(remote, cache)
	got := r.Resolve(context.Background(), Options{ForceRefresh: true, Block: true})

	if got.BranchID != "branch-7" {
		t.Errorf("BranchID = %q, want branch-7 (placeholder must not clobber)", got.BranchID)
	}
	if got.OrganizationID != "org-1" {
		t.Errorf("OrganizationID = %q, want org-1", got.OrganizationID)
	}
}

func TestResolveSkipsRefreshWhenSatisfied(t *testing.T) {
	calls := 0
	remote := &fakeConfigService{
		fetchFunc: func(ctx context.Context) (Identity, error) {
			calls++
			return Identity{}, nil
		},
	}
	cache := &fakeCache{stored: localstore.CachedIdentity{BranchID: "b", OrgID: "o"}, has: true}

	r := newTestResolver(remote, cache)
	got := r.Resolve(context.Background(), Options{Require: RequireBoth})

	if calls != 0 {
		t.Errorf("remote fetched %d times, want 0", calls)
	}
	if got.BranchID != "b" || got.OrganizationID != "o" {
		t.Errorf("got %+v, want cached identity", got)
	}
	if r.Resolving() {
		t.Error("Resolving() = true after satisfied resolve")
	}
}

func TestResolveDegradesSilentlyOnFetchFailure(t *testing.T) {
	remote := &fakeConfigService{
		fetchFunc: func(ctx context.Context) (Identity, error) {
			return Identity{}, errors.New("connection refused")
		},
	}
	cache := &fakeCache{stored: localstore.CachedIdentity{BranchID: "branch-1"}, has: true}

	r := newTestResolver(remote, cache)
	got := r.Resolve(context.Background(), Options{ForceRefresh: true, Block: true, Require: RequireBranch})

	if got.BranchID != "branch-1" {
		t.Errorf("BranchID = %q, want branch-1 kept after failed refresh", got.BranchID)
	}
	if r.Resolving() {
		t.Error("Resolving() = true after refresh completed")
	}
}

// A refresh issued earlier but completing later must not overwrite the
// result of a refresh issued after it.
func TestLaterResolveWinsOverSlowEarlierRefresh(t *testing.T) {
	release := make(chan struct{})
	slowDone := make(chan struct{})
	call := 0
	var mu sync.Mutex

	remote := &fakeConfigService{
		fetchFunc: func(ctx context.Context) (Identity, error) {
			mu.Lock()
			call++
			n := call
			mu.Unlock()
			if n == 1 {
				defer close(slowDone)
				<-release
				return Identity{BranchID: "stale-branch"}, nil
			}
			return Identity{BranchID: "fresh-branch"}, nil
		},
	}

	r := newTestResolver(remote, &fakeCache{})

	// First resolve: refresh hangs in the background.
	r.Resolve(context.Background(), Options{Require: RequireBranch})

	// Second resolve completes while the first is still in flight.
	got := r.Resolve(context.Background(), Options{ForceRefresh: true, Block: true, Require: RequireBranch})
	if got.BranchID != "fresh-branch" {
		t.Fatalf("BranchID = %q, want fresh-branch", got.BranchID)
	}

	// Let the stale refresh finish; its result must be discarded.
	close(release)
	<-slowDone
	time.Sleep(20 * time.Millisecond)

	if got := r.Current().BranchID; got != "fresh-branch" {
		t.Errorf("BranchID = %q after stale refresh landed, want fresh-branch", got)
	}
}

func TestResolvingFlagOnlyForMissingFields(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	remote := &fakeConfigService{
		fetchFunc: func(ctx context.Context) (Identity, error) {
			close(started)
			<-release
			return Identity{BranchID: "b2"}, nil
		},
	}
	cache := &fakeCache{stored: localstore.CachedIdentity{BranchID: "b1", OrgID: "o1"}, has: true}

	r := newTestResolver(remote, cache)

	// Forced background refresh with everything already present: the
	// loading state must not flash.
	r.Resolve(context.Background(), Options{ForceRefresh: true, Require: RequireBoth})
	<-started
	if r.Resolving() {
		t.Error("Resolving() = true during background refresh of a usable identity")
	}
	close(release)
}

// An upstream reconfiguration must actually replace previously resolved
// fields; the per-field merge alone would keep the old branch forever.
func TestIdentityChangedAppliesReconfiguration(t *testing.T) {
	var mu sync.Mutex
	branch := "branch-1"
	remote := &fakeConfigService{
		fetchFunc: func(ctx context.Context) (Identity, error) {
			mu.Lock()
			defer mu.Unlock()
			return Identity{BranchID: branch, OrganizationID: "org-1"}, nil
		},
	}
	cache := &fakeCache{}
	events := bus.New()
	r := New(remote, cache, events, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	got := r.Resolve(context.Background(), Options{ForceRefresh: true, Block: true, Require: RequireBoth})
	if got.BranchID != "branch-1" {
		t.Fatalf("BranchID = %q, want branch-1", got.BranchID)
	}

	// The terminal is moved to another branch upstream.
	mu.Lock()
	branch = "branch-2"
	mu.Unlock()
	events.Publish(bus.TopicIdentityChanged, struct{}{})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Current().BranchID == "branch-2" {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := r.Current().BranchID; got != "branch-2" {
		t.Fatalf("BranchID = %q after reconfiguration, want branch-2", got)
	}
	if ci, err := cache.GetIdentity(context.Background()); err != nil || ci.BranchID != "branch-2" {
		t.Errorf("cache = %+v, %v, want branch-2 persisted", ci, err)
	}
}

func TestResetClearsEverything(t *testing.T) {
	remote := &fakeConfigService{
		fetchFunc: func(ctx context.Context) (Identity, error) {
			return Identity{BranchID: "b"}, nil
		},
	}
	cache := &fakeCache{stored: localstore.CachedIdentity{BranchID: "b"}, has: true}

	r := newTestResolver(remote, cache)
	r.SetSession(Identity{BranchID: "session-b"})
	r.Resolve(context.Background(), Options{ForceRefresh: true, Block: true})

	if err := r.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := r.Current(); got != (Identity{}) {
		t.Errorf("Current() = %+v after reset, want zero", got)
	}
	if _, err := cache.GetIdentity(context.Background()); !errors.Is(err, localstore.ErrNotFound) {
		t.Errorf("cache after reset: err = %v, want ErrNotFound", err)
	}
}
