package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// StateRedundant marks a failed install with no earlier release to fall
	// back on.
	StateRedundant State = "redundant"
)

var (
	ErrInstallFailed     = errors.New("install failed")
	ErrInstallInProgress = errors.New("install already in progress")
	ErrNothingToActivate = errors.New("no installed release waiting")
)

// Lifecycle moves releases through install and activate. Only the active
// release answers requests; an installed release waits until skip-waiting is
// requested or no controlled client is left.
type Lifecycle struct {
	storage CacheStorage
	fetcher Fetcher
	clients *Clients
	logger  *zap.Logger
	metrics *metrics

	// eager skips the waiting phase and claims clients on activate.
	eager bool

	// onActivate runs after the stale generation sweep.
	onActivate func(ctx context.Context, rel Release, cache Cache)

	mu            sync.Mutex
	state         State
	pending       *Release
	active        *Release
	activeCache   Cache
	skipRequested bool
}

type LifecycleOptions struct {
	EagerActivate bool
	Clients       *Clients
	Logger        *zap.Logger
	OnActivate    func(ctx context.Context, rel Release, cache Cache)

	metrics *metrics
}

func NewLifecycle(storage CacheStorage, fetcher Fetcher, opts LifecycleOptions) *Lifecycle {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clients := opts.Clients
	if clients == nil {
		clients = NewClients(0)
	}
	l := &Lifecycle{
		storage:    storage,
		fetcher:    fetcher,
		clients:    clients,
		logger:     logger,
		metrics:    opts.metrics,
		eager:      opts.EagerActivate,
		onActivate: opts.OnActivate,
		state:      StateIdle,
	}
	l.metrics.setState(StateIdle)
	return l
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Active returns the generation currently answering requests.
func (l *Lifecycle) Active() (Cache, Release, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return nil, Release{}, false
	}
	return l.activeCache, *l.active, true
}

// Version is the name of the generation a page talking to us is served from:
// the active one, or the pending one before the first activation.
func (l *Lifecycle) Version() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.active != nil:
		return l.active.Name
	case l.pending != nil:
		return l.pending.Name
	}
	return ""
}

func (l *Lifecycle) activeName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return ""
	}
	return l.active.Name
}

func (l *Lifecycle) setStateLocked(st State) {
	l.state = st
	l.metrics.setState(st)
}

// Resume adopts a generation persisted by a previous run without refetching
// its seeds. It reports false when storage has no such generation.
func (l *Lifecycle) Resume(rel Release) (bool, error) {
	ok, err := l.storage.Has(rel.Name)
	if err != nil || !ok {
		return false, err
	}
	cache, err := l.storage.Open(rel.Name)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	l.active = &rel
	l.activeCache = cache
	l.setStateLocked(StateActivated)
	l.mu.Unlock()
	l.logger.Info("resumed cache generation", zap.String("generation", rel.Name))
	return true, nil
}

// Install precaches every seed of rel. Seeds are fetched in parallel and
// written in one bulk put; a single failed seed fails the whole install and
// leaves the active release untouched.
func (l *Lifecycle) Install(ctx context.Context, rel Release) error {
	l.mu.Lock()
	if l.state == StateInstalling || l.state == StateActivating {
		l.mu.Unlock()
		return ErrInstallInProgress
	}
	l.pending = &rel
	l.skipRequested = l.eager
	l.setStateLocked(StateInstalling)
	l.mu.Unlock()

	log := l.logger.With(zap.String("generation", rel.Name))
	log.Info("installing", zap.Int("seeds", len(rel.Seeds)))

	existed, err := l.storage.Has(rel.Name)
	if err == nil {
		err = l.precache(ctx, rel)
	}
	if err != nil {
		if !existed && rel.Name != l.activeName() {
			if _, derr := l.storage.Delete(rel.Name); derr != nil {
				log.Warn("drop failed generation", zap.Error(derr))
			}
		}
		l.mu.Lock()
		l.abandonPendingLocked()
		l.mu.Unlock()
		l.metrics.observeInstall("failure")
		log.Error("install failed", zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, rel.Name, err)
	}
	l.metrics.observeInstall("success")

	l.mu.Lock()
	l.setStateLocked(StateInstalled)
	activateNow := l.skipRequested || l.active == nil
	l.mu.Unlock()
	log.Info("installed", zap.Bool("skipWaiting", activateNow))

	if !activateNow && l.clients.Controlled() > 0 {
		return nil
	}
	_, err = l.Activate(ctx)
	if errors.Is(err, ErrNothingToActivate) {
		return nil
	}
	return err
}

// abandonPendingLocked drops the pending release. The previous release, if
// any, keeps serving and the state says so.
func (l *Lifecycle) abandonPendingLocked() {
	l.pending = nil
	l.skipRequested = false
	if l.active != nil {
		l.setStateLocked(StateActivated)
		return
	}
	l.setStateLocked(StateRedundant)
}

func (l *Lifecycle) precache(ctx context.Context, rel Release) error {
	entries, err := l.fetchSeeds(ctx, rel.Seeds)
	if err != nil {
		return err
	}
	cache, err := l.storage.Open(rel.Name)
	if err != nil {
		return err
	}
	return cache.PutAll(entries)
}

func (l *Lifecycle) fetchSeeds(ctx context.Context, seeds []string) (map[string]CacheEntry, error) {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	out := make(map[string]CacheEntry, len(seeds))
	for _, seed := range seeds {
		g.Go(func() error {
			req, err := newRequest(http.MethodGet, seed)
			if err != nil {
				return fmt.Errorf("seed %q: %w", seed, err)
			}
			resp, err := l.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("seed %q: %w", seed, err)
			}
			if resp == nil {
				return fmt.Errorf("seed %q: no response", seed)
			}
			if !resp.ok() {
				return fmt.Errorf("seed %q: status %d", seed, resp.Status)
			}
			mu.Lock()
			out[req.Key()] = *resp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Activate makes the installed release current and then sweeps every other
// generation. The switch happens before the sweep, so requests arriving during
// the sweep already see the new generation. It returns the deleted names.
func (l *Lifecycle) Activate(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	if l.state != StateInstalled || l.pending == nil {
		l.mu.Unlock()
		return nil, ErrNothingToActivate
	}
	rel := *l.pending
	l.setStateLocked(StateActivating)
	l.mu.Unlock()

	cache, err := l.storage.Open(rel.Name)
	if err != nil {
		l.mu.Lock()
		l.abandonPendingLocked()
		l.mu.Unlock()
		return nil, fmt.Errorf("activate %s: %w", rel.Name, err)
	}

	l.mu.Lock()
	l.active = &rel
	l.activeCache = cache
	l.pending = nil
	l.skipRequested = false
	l.setStateLocked(StateActivated)
	l.mu.Unlock()

	log := l.logger.With(zap.String("generation", rel.Name))
	if l.eager {
		n := l.clients.Claim()
		log.Debug("claimed clients", zap.Int("clients", n))
	}
	deleted := l.Sweep(rel.Name)
	log.Info("activated", zap.Strings("deleted", deleted))

	if l.onActivate != nil {
		l.onActivate(ctx, rel, cache)
	}
	return deleted, nil
}

// Sweep deletes every generation except keep and a release still installing.
// Failures are logged and skipped so one bad name cannot block the rest.
func (l *Lifecycle) Sweep(keep string) []string {
	names, err := l.storage.Keys()
	if err != nil {
		l.logger.Warn("list cache generations", zap.Error(err))
		return nil
	}
	l.mu.Lock()
	pending := ""
	if l.pending != nil {
		pending = l.pending.Name
	}
	l.mu.Unlock()

	var deleted []string
	for _, name := range names {
		if name == keep || name == pending {
			continue
		}
		if _, err := l.storage.Delete(name); err != nil {
			l.logger.Warn("delete stale generation", zap.String("generation", name), zap.Error(err))
			continue
		}
		l.metrics.observeGenerationDeleted()
		deleted = append(deleted, name)
	}
	return deleted
}

// SkipWaiting activates an installed release right away. During install the
// request is remembered and honored once install succeeds.
func (l *Lifecycle) SkipWaiting(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case StateInstalling:
		l.skipRequested = true
		l.mu.Unlock()
		return nil
	case StateInstalled:
		l.mu.Unlock()
		_, err := l.Activate(ctx)
		if errors.Is(err, ErrNothingToActivate) {
			return nil
		}
		return err
	default:
		l.mu.Unlock()
		return nil
	}
}

// TryActivate activates a waiting release once no controlled client is left.
func (l *Lifecycle) TryActivate(ctx context.Context) (bool, error) {
	if l.State() != StateInstalled || l.clients.Controlled() > 0 {
		return false, nil
	}
	_, err := l.Activate(ctx)
	if errors.Is(err, ErrNothingToActivate) {
		return false, nil
	}
	return err == nil, err
}
