package config

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/deptusers/provider/file"
	"github.com/unkn0wn-root/deptusers/swr"
)

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	t.Setenv(EnvPath, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, swr.DefaultPolicy, cfg.Policy())
	assert.Equal(t, "deptusers:json", cfg.Namespace())
}

func TestLoadFullFile(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "full.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "https://contoso.sharepoint.com", cfg.WebURL)
	assert.Equal(t, "https://intranet.contoso.com/", cfg.APIBaseURL())
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, map[string]string{"X-Tenant": "contoso"}, cfg.API.Headers)
	assert.Equal(t, "intranet:cbor", cfg.Namespace())
	assert.Equal(t, swr.Policy{Expire: 4 * time.Hour, Refresh: 15 * time.Minute, RefreshDelay: 30 * time.Second}, cfg.Policy())
	assert.Equal(t, time.Minute, cfg.Cache.RefreshTimeout)
	assert.Equal(t, []string{"redis-1:6379", "redis-2:6379"}, cfg.Cache.Redis.Addrs)
	assert.Equal(t, 2, cfg.Cache.Redis.DB)
	assert.Equal(t, "zap", cfg.Log.Adapter)
	assert.True(t, cfg.Hooks.Async)
	assert.Equal(t, 256, cfg.Hooks.QueueLen)
	assert.True(t, cfg.Metrics.Enabled)
	// untouched sections keep their defaults
	assert.Equal(t, int64(64), cfg.Cache.Ristretto.BufferItems)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvPath(t *testing.T) {
	t.Setenv(EnvPath, filepath.Join("testdata", "full.yaml"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("testdata", "full.yaml"), cfg.Source)
}

func TestLoadErrorsNameTheFile(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")

	_, err = Load(filepath.Join("testdata", "broken.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "invalid.yaml"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"invalid.yaml", "webUrl", "memcached", "etcd", "invalid policy", "glog"} {
		assert.Contains(t, msg, want)
	}
	assert.ErrorIs(t, err, swr.ErrInvalidPolicy)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DEPTUSERS_WEB_URL", "https://env.example")
	t.Setenv("DEPTUSERS_LOG", "debug")
	t.Setenv("DEPTUSERS_CACHE_DIR", "/tmp/du")
	t.Setenv("DEPTUSERS_REDIS_ADDR", "a:1,b:2")
	t.Setenv("DEPTUSERS_REDIS_PASSWORD", "")

	cfg := Default()
	ApplyEnv(cfg)
	assert.Equal(t, "https://env.example", cfg.WebURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Cache.Redis.Addrs)
	dir, err := cfg.FileDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/du", dir)
	assert.Equal(t, "https://env.example", cfg.APIBaseURL())
}

func TestLoggerAdapters(t *testing.T) {
	for _, adapter := range []string{"apex", "zap", "logrus", "slog"} {
		t.Run(adapter, func(t *testing.T) {
			cfg := Default()
			cfg.Log = LogConfig{Adapter: adapter, Level: "warn"}

			var buf bytes.Buffer
			l, err := cfg.Logger(&buf)
			require.NoError(t, err)
			l.Info("quiet", swr.Fields{"k": 1})
			l.Warn("loud", swr.Fields{"key": "DepartmentUsers.getDepartments"})

			out := buf.String()
			assert.NotContains(t, out, "quiet")
			assert.Contains(t, out, "loud")
			assert.Contains(t, out, "DepartmentUsers.getDepartments")
		})
	}

	cfg := Default()
	cfg.Log.Level = "chatty"
	_, err := cfg.Logger(io.Discard)
	assert.Error(t, err)
}

func TestProvidersBuild(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"file", "bigcache", "ristretto"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Cache.Provider = name
			cfg.Cache.File.Dir = t.TempDir()

			p, err := cfg.Provider(ctx, nil)
			require.NoError(t, err)
			defer p.Close(ctx)

			ok, err := p.Set(ctx, "swr:test:k", []byte("v"), 1, time.Hour)
			require.NoError(t, err)
			if !ok {
				t.Skip("provider rejected the write under admission policy")
			}
			got, hit, err := p.Get(ctx, "swr:test:k")
			require.NoError(t, err)
			require.True(t, hit)
			assert.Equal(t, []byte("v"), got)
		})
	}

	cfg := Default()
	cfg.Cache.Provider = "memcached"
	_, err := cfg.Provider(ctx, nil)
	assert.Error(t, err)
}

func TestBuildServesFromCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "contoso", r.Header.Get("X-Tenant"))
		_, _ = io.WriteString(w, `["HR","Sales"]`)
	}))
	defer srv.Close()

	cfg := Default()
	cfg.WebURL = "https://contoso.sharepoint.com"
	cfg.API.BaseURL = srv.URL
	cfg.API.Headers = map[string]string{"X-Tenant": "contoso"}
	cfg.Cache.File.Dir = t.TempDir()
	cfg.Hooks = HooksConfig{Log: true, Verbose: true, Async: true, QueueLen: 64}
	cfg.Metrics.Enabled = true
	cfg.Log.Level = "debug"

	reg := prometheus.NewRegistry()
	var logs bytes.Buffer
	ctx := context.Background()
	app, err := Build(ctx, cfg, BuildOptions{LogOutput: &syncWriter{w: &logs}, Registerer: reg})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		depts, err := app.Service.Departments(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"HR", "Sales"}, depts)
	}
	assert.Equal(t, int32(1), hits.Load())

	_, isFile := app.Provider.(*file.Provider)
	assert.True(t, isFile)
	e, ok, err := app.Cache.Peek(ctx, "DepartmentUsers.getDepartments")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `["HR","Sales"]`, string(e.Payload))

	require.NoError(t, app.Close(ctx))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "deptusers_cache_lookups_total")
	assert.True(t, strings.Contains(logs.String(), "swr.hit"), "hook log output missing: %s", logs.String())
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := Default()
	_, err := Build(context.Background(), cfg, BuildOptions{LogOutput: io.Discard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webUrl")

	cfg.WebURL = "https://contoso.sharepoint.com"
	cfg.Cache.File.Dir = t.TempDir()
	cfg.Metrics.Enabled = true
	app, err := Build(context.Background(), cfg, BuildOptions{LogOutput: io.Discard})
	require.Error(t, err)
	assert.Nil(t, app)
	assert.Contains(t, err.Error(), "registerer")
}

func TestBuildFailuresReturnErrors(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.WebURL = "https://contoso.sharepoint.com"
		cfg.Cache.File.Dir = t.TempDir()
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Log.Level = "loud" },
			want:   "log.level",
		},
		{
			name:   "metrics without registerer",
			mutate: func(c *Config) { c.Metrics.Enabled = true },
			want:   "registerer",
		},
		{
			// fails after the provider and cache are open
			name:   "non-http api base url",
			mutate: func(c *Config) { c.API.BaseURL = "ftp://contoso" },
			want:   "http or https",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			var app *App
			var err error
			require.NotPanics(t, func() {
				app, err = Build(context.Background(), cfg, BuildOptions{LogOutput: io.Discard})
			})
			require.Error(t, err)
			assert.Nil(t, app)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
