package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("platform/cache: lock held by another run")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out single-holder locks backed by Redis keys.
type Locker struct {
	client redis.UniversalClient
	prefix string
}

// NewLocker builds a locker whose keys are namespaced by prefix.
func NewLocker(client redis.UniversalClient, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// Lock is a held lock. Release is safe to call more than once.
type Lock struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Acquire takes the named lock for ttl. It fails with ErrLocked when the key
// is already held.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("platform/cache: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{client: l.client, key: key, token: token}, nil
}

// Release deletes the key only while it still carries this lock's token, so
// an expired lock never frees a successor's hold.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.token == "" {
		return nil
	}
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	l.token = ""
	if err != nil {
		return fmt.Errorf("platform/cache: release %s: %w", l.key, err)
	}
	return nil
}
