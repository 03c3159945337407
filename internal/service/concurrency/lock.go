package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	apperrors "github.com/acme/campaign-dispatcher/pkg/errors"
)

// ErrLocked means another runner holds the campaign.
var ErrLocked = fmt.Errorf("%w: campaign is already being dispatched", apperrors.ErrConflict)

// ErrLeaseLost means the lease expired or was taken over before release.
var ErrLeaseLost = errors.New("run lock: lease lost")

// RunLock guarantees at most one dispatch run per campaign.
type RunLock interface {
	Acquire(ctx context.Context, campaignID string) (Lease, error)
	Held(ctx context.Context, campaignID string) (bool, error)
	TTL() time.Duration
}

// Lease is a held campaign lock.
type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

var (
	refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisLock is a RunLock shared by every process using the same Redis.
type RedisLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLock constructs a Redis-backed run lock.
func NewRedisLock(client *redis.Client, prefix string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if prefix == "" {
		prefix = "dispatch:campaign"
	}
	return &RedisLock{client: client, prefix: prefix, ttl: ttl}
}

// TTL reports the lease lifetime.
func (l *RedisLock) TTL() time.Duration { return l.ttl }

// Acquire takes the campaign lock or returns ErrLocked.
func (l *RedisLock) Acquire(ctx context.Context, campaignID string) (Lease, error) {
	key := l.key(campaignID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("run lock acquire: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &redisLease{client: l.client, key: key, token: token, ttl: l.ttl}, nil
}

// Held reports whether any runner holds the campaign lock.
func (l *RedisLock) Held(ctx context.Context, campaignID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(campaignID)).Result()
	if err != nil {
		return false, fmt.Errorf("run lock held: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLock) key(campaignID string) string {
	return lockKey(l.prefix, campaignID)
}

func lockKey(prefix, campaignID string) string {
	return fmt.Sprintf("%s:%s:lock", prefix, campaignID)
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func (l *redisLease) Refresh(ctx context.Context) error {
	res, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("run lock refresh: %w", err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int(); err != nil {
		return fmt.Errorf("run lock release: %w", err)
	}
	return nil
}

// LocalLock is a process-local RunLock for single-process deployments.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]*localLease
}

// NewLocalLock returns an empty process-local lock.
func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]*localLease)}
}

// TTL is zero: local leases never expire.
func (l *LocalLock) TTL() time.Duration { return 0 }

// Acquire takes the campaign lock or returns ErrLocked.
func (l *LocalLock) Acquire(_ context.Context, campaignID string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[campaignID]; ok {
		return nil, ErrLocked
	}
	lease := &localLease{owner: l, campaignID: campaignID}
	l.held[campaignID] = lease
	return lease, nil
}

// Held reports whether the campaign lock is taken.
func (l *LocalLock) Held(_ context.Context, campaignID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[campaignID]
	return ok, nil
}

type localLease struct {
	owner      *LocalLock
	campaignID string
}

func (l *localLease) Refresh(context.Context) error { return nil }

func (l *localLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.held[l.campaignID] == l {
		delete(l.owner.held, l.campaignID)
	}
	return nil
}
