package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/deptusers/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

// Redis stores entries in Redis. Entries outlive the process and are shared
// by every process using the same server, prefix and cache namespace.
type Redis struct {
	rdb         goredis.UniversalClient
	prefix      string
	maxTTL      time.Duration
	closeClient bool
}

var _ pr.Provider = (*Redis)(nil)

type Config struct {
	Client goredis.UniversalClient
	// Prefix is prepended to every key, e.g. "intranet:" when several
	// sites share one server.
	Prefix string
	// MaxTTL caps the TTL of every write; 0 leaves TTLs as given. Entries
	// written without a TTL get MaxTTL so a shared server never keeps
	// directory data forever.
	MaxTTL      time.Duration
	CloseClient bool // set true only if this provider exclusively owns the client
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{
		rdb:         cfg.Client,
		prefix:      cfg.Prefix,
		maxTTL:      cfg.MaxTTL,
		closeClient: cfg.CloseClient,
	}, nil
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, p.prefix+key).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return b, true, nil
}

func (p *Redis) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if err := p.rdb.Set(ctx, p.prefix+key, value, p.ttl(ttl)).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Redis) ttl(ttl time.Duration) time.Duration {
	if ttl < 0 {
		ttl = 0
	}
	if p.maxTTL > 0 && (ttl == 0 || ttl > p.maxTTL) {
		return p.maxTTL
	}
	return ttl
}

func (p *Redis) Del(ctx context.Context, key string) error {
	return p.rdb.Del(ctx, p.prefix+key).Err()
}

// Close closes the client when the provider owns it. Repeated calls are
// no-ops.
func (p *Redis) Close(context.Context) error {
	if !p.closeClient {
		return nil
	}
	if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
