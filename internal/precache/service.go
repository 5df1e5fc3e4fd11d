package precache

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	installRetryEvery = time.Minute
	clientCheckEvery  = 5 * time.Second
)

// Service wires the cache controller, lifecycle, notifications and control
// channel around one storage.
type Service struct {
	cfg    Config
	logger *zap.Logger

	storage    *Storage
	fetcher    *originFetcher
	clients    *Clients
	lifecycle  *Lifecycle
	controller *Controller
	notifier   *Notifier
	messenger  *Messenger
	hub        *Hub
	reval      *revalidator
	metrics    *metrics
	stats      *statsCollector
	discover   *sitemapPrecacher

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	installMu    sync.Mutex
	installRetry time.Duration

	// target is the release the newest installLoop is working towards.
	targetMu sync.Mutex
	target   Release

	handlerOnce sync.Once
	handler     http.Handler
}

func NewService(cfg Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	storage, err := OpenStorage(cfg, logger.Named("storage"))
	if err != nil {
		return nil, err
	}
	svc, err := newServiceWithStorage(cfg, storage, logger)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	return svc, nil
}

func newServiceWithStorage(cfg Config, storage *Storage, logger *zap.Logger) (*Service, error) {
	fetcher, err := newOriginFetcher(cfg.Server.Origin, cfg.Server.fetchTimeoutDur)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		storage: storage,
		fetcher: fetcher,
		clients: NewClients(cfg.Lifecycle.clientIdleDur),
		metrics: newMetrics(),
		stopCh:  make(chan struct{}),

		installRetry: installRetryEvery,
	}
	if cfg.Logging.statsEveryDur > 0 {
		s.stats = newStatsCollector()
	}
	s.reval = newRevalidator(fetcher, logger.Named("revalidate"), cfg.Server.fetchTimeoutDur)

	if len(cfg.Install.Sitemaps) > 0 {
		s.discover = &sitemapPrecacher{
			sitemaps:   cfg.Install.Sitemaps,
			origin:     fetcher.origin,
			rules:      cfg.Rules,
			fetcher:    fetcher,
			httpClient: fetcher.httpClient,
			logger:     logger.Named("sitemap"),
		}
	}

	s.lifecycle = NewLifecycle(storage, fetcher, LifecycleOptions{
		EagerActivate: cfg.Lifecycle.EagerActivate,
		Clients:       s.clients,
		Logger:        logger.Named("lifecycle"),
		OnActivate:    s.afterActivate,
		metrics:       s.metrics,
	})
	s.controller = NewController(fetcher, s.lifecycle, ControllerOptions{
		Rules:     cfg.Rules,
		APIMarker: cfg.Cache.APIMarker,
		Clients:   s.clients,
		Logger:    logger.Named("controller"),
		metrics:   s.metrics,
		stats:     s.stats,
		reval:     s.reval,
	})
	s.messenger = NewMessenger(s.lifecycle, logger.Named("messenger"))
	s.hub = NewHub(s.messenger, logger.Named("channel"))
	s.notifier = NewNotifier(cfg.Notifications, cfg.Server.AppRoot, s.hub, logger.Named("notify"))
	s.notifier.metrics = s.metrics
	s.hub.SetNotifier(s.notifier)
	return s, nil
}

func (s *Service) Lifecycle() *Lifecycle { return s.lifecycle }

// Start adopts a generation left by a previous run or installs the configured
// release, then starts the background loops.
func (s *Service) Start(ctx context.Context) {
	rel := s.cfg.Release()
	resumed, err := s.lifecycle.Resume(rel)
	if err != nil {
		s.logger.Warn("resume generation", zap.String("generation", rel.Name), zap.Error(err))
	}
	if !resumed {
		s.goLoop(func() { s.installLoop(rel) })
	}

	s.goLoop(func() { s.clientsLoop(clientCheckEvery) })
	if s.stats != nil {
		s.goLoop(func() { s.statsLoop(s.cfg.Logging.statsEveryDur) })
	}
	if every := minRefreshInterval(s.cfg.Rules); every > 0 {
		s.logger.Info("refresh tick interval", zap.Duration("every", every))
		s.goLoop(func() { s.refreshLoop(every) })
	}
}

func (s *Service) goLoop(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Close stops the background loops and channel readers before closing
// storage. It is safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.hub.Shutdown()
		s.hub.Wait()
		s.wg.Wait()
		s.reval.wait()
		if err := s.storage.Close(); err != nil {
			s.logger.Warn("close storage", zap.Error(err))
		}
	})
}

// Deploy installs rel. It is what a version bump in the config file triggers.
func (s *Service) Deploy(ctx context.Context, rel Release) error {
	s.installMu.Lock()
	defer s.installMu.Unlock()
	return s.lifecycle.Install(ctx, rel)
}

// installLoop retries a failed install until it succeeds, the service stops,
// or a later installLoop takes over with a different release.
func (s *Service) installLoop(rel Release) {
	s.setTarget(rel)
	for {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		err := s.Deploy(ctx, rel)
		cancel()
		if err == nil {
			return
		}
		if !s.isTarget(rel) {
			return
		}
		s.logger.Warn("install will be retried",
			zap.String("generation", rel.Name),
			zap.Duration("in", s.installRetry),
			zap.Error(err))
		select {
		case <-s.stopCh:
			return
		case <-time.After(s.installRetry):
		}
		if !s.isTarget(rel) {
			s.logger.Info("install superseded", zap.String("generation", rel.Name))
			return
		}
	}
}

func (s *Service) setTarget(rel Release) {
	s.targetMu.Lock()
	s.target = rel
	s.targetMu.Unlock()
}

func (s *Service) isTarget(rel Release) bool {
	s.targetMu.Lock()
	defer s.targetMu.Unlock()
	return sameRelease(s.target, rel)
}

func (s *Service) afterActivate(_ context.Context, rel Release, cache Cache) {
	if s.discover == nil {
		return
	}
	s.goLoop(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		stored, ignored, err := s.discover.run(ctx, cache)
		if err != nil {
			s.logger.Warn("sitemap precache", zap.String("generation", rel.Name), zap.Error(err))
		}
		s.logger.Info("sitemap precache",
			zap.String("generation", rel.Name),
			zap.Int("stored", stored),
			zap.Int("ignored", ignored))
	})
}

// clientsLoop forgets idle clients and activates a waiting release once its
// last client went idle.
func (s *Service) clientsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if n := s.clients.Prune(); n > 0 {
				s.logger.Debug("pruned idle clients", zap.Int("count", n))
			}
			if _, err := s.lifecycle.TryActivate(context.Background()); err != nil {
				s.logger.Warn("activate waiting release", zap.Error(err))
			}
		}
	}
}

func (s *Service) refreshLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	lastRun := map[int]time.Time{}
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-t.C:
			cache, _, ok := s.lifecycle.Active()
			if !ok {
				continue
			}
			n := refreshDue(cache, s.cfg.Rules, s.reval, lastRun, now, s.stopCh)
			s.logger.Debug("refresh tick", zap.Int("scheduled", n))
		}
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.String("generation", s.lifecycle.Version()),
				zap.String("state", string(s.lifecycle.State())),
				zap.Int("clients", s.clients.Len()),
				zap.String("ram", formatBytes(uint64(s.storage.RAMSize()))),
				zap.Uint64("hits", ss.Hits),
				zap.Uint64("misses", ss.Misses),
				zap.Float64("hitRate", ss.HitRate()),
				zap.String("respMinAvgMax", formatBytes(ss.MinRespBytes)+"/"+formatBytes(ss.AvgRespBytes)+"/"+formatBytes(ss.MaxRespBytes)),
			}
			if cache, _, ok := s.lifecycle.Active(); ok {
				if keys, err := cache.Keys(); err == nil {
					fields = append(fields, zap.Int("entries", len(keys)))
				}
			}
			if rss, ok := processRSSBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			s.logger.Info("cache stats", fields...)
		}
	}
}
