// Package file is a provider that keeps one file per key under a directory,
// so cached directory data survives process restarts without a server.
package file

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/unkn0wn-root/deptusers/internal/util"
	pr "github.com/unkn0wn-root/deptusers/provider"
)

const (
	ext       = ".entry"
	expiryLen = 8
)

// Provider stores each value as <dir>/<sha256(key)>.entry. The file starts
// with the expiry (unix nanos, big endian, 0 = none) followed by the value.
type Provider struct {
	dir string
	now func() time.Time
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	Dir string
	Now func() time.Time // nil => time.Now
}

// DefaultDir resolves <user cache dir>/deptusers.
func DefaultDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "deptusers"), nil
}

func New(cfg Config) (*Provider, error) {
	if cfg.Dir == "" {
		return nil, errors.New("file provider: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("file provider: create %s: %w", cfg.Dir, err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Provider{dir: cfg.Dir, now: now}, nil
}

func (p *Provider) path(key string) string {
	return filepath.Join(p.dir, util.HashKey(key)+ext)
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	path := p.path(key)
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(b) < expiryLen {
		_ = os.Remove(path)
		return nil, false, nil
	}
	if p.expired(b) {
		_ = os.Remove(path)
		return nil, false, nil
	}
	return b[expiryLen:], true, nil
}

// Set writes to a temp file and renames it into place so readers never see
// a partial entry.
func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	buf := make([]byte, expiryLen+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(buf[:expiryLen], uint64(p.now().Add(ttl).UnixNano()))
	}
	copy(buf[expiryLen:], value)

	tmp, err := os.CreateTemp(p.dir, ".tmp-*")
	if err != nil {
		return false, err
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return false, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return false, err
	}
	if err := os.Rename(tmp.Name(), p.path(key)); err != nil {
		os.Remove(tmp.Name())
		return false, err
	}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	if err := os.Remove(p.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (p *Provider) Close(context.Context) error { return nil }

// Sweep removes expired and unreadable entries and returns how many files
// were deleted.
func (p *Provider) Sweep(ctx context.Context) (int, error) {
	removed := 0
	err := filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(path, ext) {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil || len(b) < expiryLen || p.expired(b) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (p *Provider) expired(b []byte) bool {
	exp := int64(binary.BigEndian.Uint64(b[:expiryLen]))
	return exp != 0 && p.now().UnixNano() >= exp
}
