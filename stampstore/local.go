package stampstore

import (
	"context"
	"sync"
	"time"
)

// Local keeps stamps in-process.
// Optional cleanup loop prunes stamps older than retention.
type Local struct {
	mu     sync.Mutex
	stamps map[string]time.Time
	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Store = (*Local)(nil)

func NewLocal(cleanupInterval, retention time.Duration) *Local {
	s := &Local{stamps: make(map[string]time.Time)}
	if cleanupInterval > 0 && retention > 0 {
		s.ticker = time.NewTicker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Local) TryClaim(_ context.Context, key string, now time.Time, gap time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.stamps[key]; ok && now.Sub(last) < gap {
		return false, nil
	}
	s.stamps[key] = now
	return true, nil
}

func (s *Local) Last(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	at, ok := s.stamps[key]
	s.mu.Unlock()
	return at, ok, nil
}

func (s *Local) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.stamps, key)
	s.mu.Unlock()
	return nil
}

func (s *Local) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	for k, at := range s.stamps {
		if at.Before(cutoff) {
			delete(s.stamps, k)
		}
	}
	s.mu.Unlock()
}

func (s *Local) Close(_ context.Context) error {
	s.once.Do(func() {
		if s.stopCh != nil {
			s.ticker.Stop()
			close(s.stopCh)
			s.wg.Wait()
		}
	})
	return nil
}
