package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// CachedDirectory reads through a UserCache in front of a Directory.
// Concurrent misses for the same key share one backend lookup. Cache
// failures fall through to the backend; misses are never cached.
type CachedDirectory struct {
	next   Directory
	cache  UserCache
	prefix string
	ttl    time.Duration
	group  singleflight.Group
}

func NewCachedDirectory(next Directory, cache UserCache, prefix string, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		next:   next,
		cache:  cache,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (d *CachedDirectory) keyByUsername(username string) string {
	return fmt.Sprintf("%s:username:%s", d.prefix, username)
}

func (d *CachedDirectory) keyByID(id string) string {
	return fmt.Sprintf("%s:id:%s", d.prefix, id)
}

func (d *CachedDirectory) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	return d.lookup(ctx, d.keyByUsername(username), func(ctx context.Context) (*domain.User, error) {
		return d.next.FindByUsername(ctx, username)
	})
}

func (d *CachedDirectory) FindByID(ctx context.Context, id string) (*domain.User, error) {
	return d.lookup(ctx, d.keyByID(id), func(ctx context.Context) (*domain.User, error) {
		return d.next.FindByID(ctx, id)
	})
}

func (d *CachedDirectory) lookup(ctx context.Context, key string, load func(context.Context) (*domain.User, error)) (*domain.User, error) {
	l := log.Ctx(ctx)

	user, err := d.cache.Get(ctx, key)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		l.Warn().Err(err).Str("key", key).Msg("user cache read failed")
	}

	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		user, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := d.cache.Set(ctx, key, user, d.ttl); err != nil {
			l.Warn().Err(err).Str("key", key).Msg("user cache write failed")
		}
		return user, nil
	})
	if err != nil {
		return nil, err
	}

	// Callers sharing a flight must not share a pointer.
	u := *v.(*domain.User)
	return &u, nil
}
