package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	apexlog "github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/deptusers"
	"github.com/unkn0wn-root/deptusers/apiclient"
	asynchook "github.com/unkn0wn-root/deptusers/hooks/async"
	promhooks "github.com/unkn0wn-root/deptusers/hooks/prom"
	apexadapter "github.com/unkn0wn-root/deptusers/log/apex"
	logrusadapter "github.com/unkn0wn-root/deptusers/log/logrus"
	slogadapter "github.com/unkn0wn-root/deptusers/log/slog"
	zapadapter "github.com/unkn0wn-root/deptusers/log/zap"
	pr "github.com/unkn0wn-root/deptusers/provider"
	bcprov "github.com/unkn0wn-root/deptusers/provider/bigcache"
	"github.com/unkn0wn-root/deptusers/provider/file"
	redisprov "github.com/unkn0wn-root/deptusers/provider/redis"
	rprov "github.com/unkn0wn-root/deptusers/provider/ristretto"
	"github.com/unkn0wn-root/deptusers/sloghooks"
	ss "github.com/unkn0wn-root/deptusers/stampstore"
	"github.com/unkn0wn-root/deptusers/swr"
)

// Logger builds the swr.Logger selected by Log.Adapter, writing to w.
func (c *Config) Logger(w io.Writer) (swr.Logger, error) {
	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		level = "error"
	}

	switch strings.ToLower(c.Log.Adapter) {
	case "", "apex":
		lvl, err := apexlog.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		return apexadapter.Logger{L: &apexlog.Logger{Handler: apexadapter.NewHandler(w), Level: lvl}}, nil

	case "zap":
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		core := zapcore.NewCore(enc, zapcore.AddSync(w), lvl)
		return zapadapter.ZapLogger{L: zap.New(core)}, nil

	case "logrus":
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		l := logrus.New()
		l.SetOutput(w)
		l.SetLevel(lvl)
		return logrusadapter.LogrusLogger{E: logrus.NewEntry(l)}, nil

	case "slog":
		l, err := c.Slog(w)
		if err != nil {
			return nil, err
		}
		return slogadapter.Logger{L: l}, nil
	}
	return nil, fmt.Errorf("log.adapter: unknown adapter %q", c.Log.Adapter)
}

// Slog returns a text slog.Logger at Log.Level. sloghooks always log
// through slog, whichever adapter the cache uses.
func (c *Config) Slog(w io.Writer) (*slog.Logger, error) {
	level := strings.TrimSpace(c.Log.Level)
	if level == "" {
		level = "error"
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func (c *Config) RedisClient() goredis.UniversalClient {
	return goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    c.Cache.Redis.Addrs,
		Username: c.Cache.Redis.Username,
		Password: c.Cache.Redis.Password,
		DB:       c.Cache.Redis.DB,
	})
}

// Provider builds the byte store named by Cache.Provider. rdb is required
// only for "redis" and is not closed by the provider.
func (c *Config) Provider(ctx context.Context, rdb goredis.UniversalClient) (pr.Provider, error) {
	switch c.Cache.Provider {
	case "file":
		dir, err := c.FileDir()
		if err != nil {
			return nil, err
		}
		return file.New(file.Config{Dir: dir})
	case "redis":
		return redisprov.New(redisprov.Config{
			Client: rdb,
			Prefix: c.Cache.Redis.KeyPrefix,
			MaxTTL: c.Cache.Redis.MaxTTL,
		})
	case "bigcache":
		return bcprov.New(ctx, bcprov.Config{
			LifeWindow:         c.Cache.Policy.Expire,
			MaxEntrySize:       c.Cache.BigCache.MaxEntrySize,
			HardMaxCacheSizeMB: c.Cache.BigCache.HardMaxCacheSizeMB,
		})
	case "ristretto":
		return rprov.New(rprov.Config{
			NumCounters: c.Cache.Ristretto.NumCounters,
			MaxCost:     c.Cache.Ristretto.MaxCost,
			BufferItems: c.Cache.Ristretto.BufferItems,
		})
	}
	return nil, fmt.Errorf("cache.provider: unknown provider %q", c.Cache.Provider)
}

// StampStore returns the shared Redis stamp store, or nil for "local" so
// the cache creates and owns an in-process one.
func (c *Config) StampStore(rdb goredis.UniversalClient) ss.Store {
	if c.Cache.Stamps == "redis" {
		return ss.NewRedis(rdb, c.Namespace(), false)
	}
	return nil
}

// App is an assembled Service with everything it owns.
type App struct {
	Config   *Config
	Service  *deptusers.Service
	Cache    swr.Cache
	Provider pr.Provider
	Logger   swr.Logger

	closers []func(context.Context) error
}

// Close stops background work and releases stores, last built first.
func (a *App) Close(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// BuildOptions carry process-level collaborators Build does not own.
type BuildOptions struct {
	LogOutput  io.Writer             // nil => os.Stderr
	Registerer prometheus.Registerer // required when Metrics.Enabled
	HTTPClient *http.Client          // nil => apiclient default
}

// Build validates cfg and assembles the App it describes.
func Build(ctx context.Context, cfg *Config, opts BuildOptions) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}

	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	if a.Logger, err = cfg.Logger(opts.LogOutput); err != nil {
		return nil, err
	}

	var rdb goredis.UniversalClient
	if cfg.Cache.Provider == "redis" || cfg.Cache.Stamps == "redis" {
		rdb = cfg.RedisClient()
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	}

	hooks, err := buildHooks(cfg, opts, a)
	if err != nil {
		return nil, err
	}

	if a.Provider, err = cfg.Provider(ctx, rdb); err != nil {
		return nil, err
	}
	cache, err := swr.New(swr.Options{
		Namespace:      cfg.Namespace(),
		Provider:       a.Provider,
		StampStore:     cfg.StampStore(rdb),
		Logger:         a.Logger,
		Hooks:          hooks,
		RefreshTimeout: cfg.Cache.RefreshTimeout,
		Disabled:       cfg.Cache.Disabled,
	})
	if err != nil {
		_ = a.Provider.Close(ctx)
		return nil, err
	}
	a.Cache = cache
	a.closers = append(a.closers, cache.Close)

	header := make(http.Header, len(cfg.API.Headers))
	for k, v := range cfg.API.Headers {
		header.Set(k, v)
	}
	api, err := apiclient.New(apiclient.Config{
		BaseURL:    cfg.APIBaseURL(),
		HTTPClient: opts.HTTPClient,
		Timeout:    cfg.API.Timeout,
		Header:     header,
		MaxBody:    cfg.API.MaxBody,
	})
	if err != nil {
		return nil, err
	}

	a.Service, err = deptusers.New(api, cache, cfg.WebURL, deptusers.Options{
		Logger:         a.Logger,
		Codec:          cfg.Cache.Codec,
		Policy:         cfg.Policy(),
		MaxDecodeBytes: cfg.Cache.MaxDecodeBytes,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func buildHooks(cfg *Config, opts BuildOptions, app *App) (swr.Hooks, error) {
	var hs []swr.Hooks
	if cfg.Hooks.Log {
		l, err := cfg.Slog(opts.LogOutput)
		if err != nil {
			return nil, err
		}
		hs = append(hs, sloghooks.New(l, sloghooks.Options{
			SelfHealEvery: cfg.Hooks.SampleHeal,
			Verbose:       cfg.Hooks.Verbose,
		}))
	}
	if cfg.Metrics.Enabled {
		if opts.Registerer == nil {
			return nil, fmt.Errorf("metrics enabled but no prometheus registerer given")
		}
		ph, err := promhooks.New(opts.Registerer, promhooks.Options{
			Namespace: cfg.Metrics.Namespace,
			Family:    deptusers.KeyOperation,
		})
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		hs = append(hs, ph)
	}

	h := swr.Multi(hs...)
	if cfg.Hooks.Async && len(hs) > 0 {
		ah := asynchook.New(h, 1, cfg.Hooks.QueueLen)
		// cache closers run first, so queued events are drained after the
		// last background refresh
		app.closers = append(app.closers, func(context.Context) error {
			ah.Close()
			return nil
		})
		return ah, nil
	}
	return h, nil
}
