package stampstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares refresh stamps across processes. A claim is a SET NX with a
// PX expiry equal to the gap, so Redis both arbitrates concurrent claimers
// and expires stamps on its own.
type Redis struct {
	rdb         redis.UniversalClient
	ns          string // should match the cache namespace
	closeClient bool
}

var _ Store = (*Redis)(nil)

// NewRedis creates a Redis-backed stamp store. closeClient controls whether
// Close also closes client; set it only when the store owns the client.
func NewRedis(client redis.UniversalClient, namespace string, closeClient bool) *Redis {
	return &Redis{rdb: client, ns: namespace, closeClient: closeClient}
}

func (s *Redis) key(k string) string { return "stamp:" + s.ns + ":" + k }

func (s *Redis) TryClaim(ctx context.Context, key string, now time.Time, gap time.Duration) (bool, error) {
	if gap <= 0 {
		// no spacing; a stamp without expiry would block later claims
		return true, nil
	}
	return s.rdb.SetNX(ctx, s.key(key), now.UnixNano(), gap).Result()
}

func (s *Redis) Last(ctx context.Context, key string) (time.Time, bool, error) {
	res, err := s.rdb.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	n, err := strconv.ParseInt(res, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis stamp parse: %w", err)
	}
	return time.Unix(0, n), true, nil
}

func (s *Redis) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

// Cleanup is not applicable; stamps expire with their gap.
func (s *Redis) Cleanup(time.Duration) {}

func (s *Redis) Close(context.Context) error {
	if s.closeClient {
		return s.rdb.Close()
	}
	return nil
}
