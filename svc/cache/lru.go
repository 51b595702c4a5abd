package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"timevault/pkg/domain"
)

// LRU is the in-process tier in front of Redis, keyed by share token.
type LRU struct {
	c  *lru.Cache[string, item]
	mu sync.Mutex
}
type item struct {
	capsule *domain.Capsule
	exp     time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Get(ctx context.Context, shareToken string) *domain.Capsule {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(shareToken)
	if !ok {
		return nil
	}
	if time.Now().After(it.exp) {
		l.c.Remove(shareToken)
		return nil
	}
	return it.capsule
}

func (l *LRU) Set(ctx context.Context, c *domain.Capsule, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(c.ShareToken, item{
		capsule: c,
		exp:     time.Now().Add(ttl),
	})
}

func (l *LRU) Delete(shareToken string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(shareToken)
}
