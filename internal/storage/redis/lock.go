// Package redis provides a lease lock that keeps periodic jobs single-flight
// across replicas.
package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock held by another instance")

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewClient parses url and returns a connected client.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return client, nil
}

// Locker takes named leases with SET NX PX.
type Locker struct {
	client redis.UniversalClient
	prefix string
}

// NewLocker returns a Locker storing keys under prefix.
func NewLocker(client redis.UniversalClient, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// Lease is an acquired lock.
type Lease struct {
	l     *Locker
	key   string
	token string
}

// Acquire takes the named lock for ttl or returns ErrNotAcquired.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "acquire %s", key)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{l: l, key: key, token: token}, nil
}

// Release gives the lock up if it was not taken over after expiry.
func (s *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, s.l.client, []string{s.key}, s.token).Err(); err != nil {
		return errors.Wrapf(err, "release %s", s.key)
	}
	return nil
}
