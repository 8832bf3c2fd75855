// ABOUTME: Composition root wiring store, session, gate, gateway, cache and endpoints
// ABOUTME: Owns lifecycle so callers only deal with New, Init and Teardown

package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/2389/spendsense/internal/access"
	"github.com/2389/spendsense/internal/api"
	"github.com/2389/spendsense/internal/config"
	"github.com/2389/spendsense/internal/consentcache"
	"github.com/2389/spendsense/internal/credential"
	"github.com/2389/spendsense/internal/events"
	"github.com/2389/spendsense/internal/gateway"
	"github.com/2389/spendsense/internal/session"
)

// ErrUnknownBackend is returned for a credential backend New cannot build.
var ErrUnknownBackend = errors.New("unknown credential backend")

// Console holds the wired core. Fields are safe to use after New returns.
type Console struct {
	Store    credential.Store
	Session  *session.Manager
	Gate     *access.Gate
	Gateway  *gateway.Gateway
	Cache    *consentcache.Cache
	API      *api.Client
	Bus      *events.Bus
	Registry *prometheus.Registry

	cfg      *config.Config
	logger   *slog.Logger
	teardown sync.Once
}

type options struct {
	notifier   gateway.Notifier
	navigator  gateway.Navigator
	httpClient *http.Client
	store      credential.Store
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures New.
type Option func(*options)

// WithNotifier routes user-visible notifications.
func WithNotifier(n gateway.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithNavigator receives forced navigations (session expiry).
func WithNavigator(n gateway.Navigator) Option {
	return func(o *options) { o.navigator = n }
}

// WithHTTPClient replaces the gateway's HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithStore bypasses the configured credential backend.
func WithStore(s credential.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the root logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the time source for credential expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds every component from cfg. Nothing touches the network or the
// credential slot until Init.
func New(cfg *config.Config, opts ...Option) (*Console, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	store := o.store
	if store == nil {
		var err error
		store, err = OpenStore(cfg.Credential)
		if err != nil {
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	bus := events.NewBus(logger)
	var codecOpts []credential.CodecOption
	var sessOpts []session.Option
	if o.now != nil {
		codecOpts = append(codecOpts, credential.WithClock(o.now))
		sessOpts = append(sessOpts, session.WithClock(o.now))
	}
	mgr := session.New(store, credential.NewCodec(codecOpts...), bus, logger, sessOpts...)

	gwOpts := []gateway.Option{
		gateway.WithLoginPath(cfg.Gateway.LoginPath),
		gateway.WithMetrics(gateway.NewMetrics(reg)),
		gateway.WithLogger(logger),
	}
	if o.httpClient != nil {
		gwOpts = append(gwOpts, gateway.WithHTTPClient(o.httpClient))
	} else if cfg.Gateway.Timeout > 0 {
		gwOpts = append(gwOpts, gateway.WithHTTPClient(&http.Client{Timeout: cfg.Gateway.Timeout}))
	}
	if o.notifier != nil {
		gwOpts = append(gwOpts, gateway.WithNotifier(o.notifier))
	}
	if o.navigator != nil {
		gwOpts = append(gwOpts, gateway.WithNavigator(o.navigator))
	}
	gw := gateway.New(cfg.Gateway.URL, mgr, gwOpts...)

	cache := consentcache.New(api.NewLoader(gw).Fetch, mgr, bus, logger,
		consentcache.WithMaxEntries(cfg.Cache.MaxEntries),
		consentcache.WithMaxAge(cfg.Cache.MaxAge),
		consentcache.WithMetrics(consentcache.NewMetrics(reg)),
	)
	mgr.Observe(cache.OnSessionChange)

	paths := access.DefaultPaths
	paths.Login = cfg.Gateway.LoginPath
	gate := access.NewGate(paths, access.StewardPolicy(cfg.Access.StewardOnSubjectRoutes), access.DefaultRoutes)

	return &Console{
		Store:    store,
		Session:  mgr,
		Gate:     gate,
		Gateway:  gw,
		Cache:    cache,
		API:      api.NewClient(gw, cache, mgr, logger),
		Bus:      bus,
		Registry: reg,
		cfg:      cfg,
		logger:   logger.With("component", "console"),
	}, nil
}

// OpenStore builds the credential store named by cfg.Backend.
func OpenStore(cfg config.CredentialConfig) (credential.Store, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		path := cfg.Path
		if path == "" {
			path = credential.DefaultTokenPath()
		}
		return credential.NewFileStore(path), nil
	case config.BackendSQLite:
		s, err := credential.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite credential store: %w", err)
		}
		return s, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		key := cfg.Redis.Key
		if key == "" {
			key = credential.DefaultRedisKey
		}
		return credential.NewRedisStore(client, key, cfg.Redis.TTL), nil
	case config.BackendMemory:
		return credential.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// Init restores the session from the store, then installs the configured
// token if one was supplied. The session is ready when Init returns, even on error.
func (c *Console) Init(ctx context.Context) error {
	if err := c.Session.Init(ctx); err != nil {
		c.logger.Warn("session restore failed", "error", err)
		return fmt.Errorf("restoring session: %w", err)
	}
	if c.cfg.Token != "" {
		if err := c.Session.Login(ctx, c.cfg.Token); err != nil {
			return fmt.Errorf("installing %s: %w", config.EnvToken, err)
		}
	}
	state := c.Session.State()
	c.logger.Debug("console ready", "status", state.Status(), "epoch", state.Epoch)
	return nil
}

// Route decides what the current principal may do at path. A credential
// past its exp is torn down first, with the usual notification.
func (c *Console) Route(path string) access.Decision {
	c.Gateway.CheckExpiry(context.Background())
	return c.Gate.DecidePath(c.Session.State(), path)
}

// Teardown waits for background refetches, then releases the bus and store.
// Safe to call more than once.
func (c *Console) Teardown() {
	c.teardown.Do(func() {
		c.Cache.Wait()
		c.Session.Teardown()
		c.Bus.Close()
		if err := c.Store.Close(); err != nil {
			c.logger.Warn("closing credential store", "error", err)
		}
	})
}
