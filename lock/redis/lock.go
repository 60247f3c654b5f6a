// Package redis implements model.DistributedLockProvider over Redis
// using SET NX PX for acquisition, a Lua-scripted compare-and-delete for
// release and a Lua-scripted compare-and-expire for renew, so a lease
// can only be released or extended while its original holder
// (identified by a random token, not just the key) still controls it.
// A background ticker renews the lease on a heartbeat for as long as
// the lock is held.
package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"streamforge.dev/migrator/config"
	"streamforge.dev/migrator/migrateerr"
	"streamforge.dev/migrator/model"
)

const keyPrefix = "migrator:lock:"

// releaseScript deletes key only if its value still matches token, so
// a heartbeat racing a dead holder's replacement cannot release a
// lease it no longer owns.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// renewScript extends key's TTL only if its value still matches token.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Provider acquires locks against a Redis (or Redis-compatible) server.
type Provider struct {
	client *goredis.Client
	logger *logrus.Entry
}

// New builds a Provider from a redis:// connection URL (parsed the way
// go-redis's own ParseURL expects, e.g. "redis://localhost:6379/0").
func New(url string, logger *logrus.Entry) (*Provider, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Provider{client: client, logger: logger}, nil
}

// NewFromClient wraps an already-constructed client (used by tests
// against a miniredis instance).
func NewFromClient(client *goredis.Client, logger *logrus.Entry) *Provider {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Provider{client: client, logger: logger}
}

// NewFromEnv builds a Provider from RedisLockConfig read under prefix
// (see config.LoadRedisLockConfig). The returned RedisLockConfig is
// also returned so callers can reuse AcquireTimeout/HeartbeatInterval/
// Lease without a second environment read.
func NewFromEnv(prefix string, logger *logrus.Entry) (*Provider, config.RedisLockConfig, error) {
	cfg := config.LoadRedisLockConfig(prefix)
	p, err := New(cfg.URL, logger)
	return p, cfg, err
}

// Acquire attempts SET NX PX for key within timeout, polling with
// backoff; returns LockAcquisitionFailed if no lock is obtained before
// timeout elapses. The lease defaults to the acquire timeout; use
// AcquireWithLease to set them independently.
func (p *Provider) Acquire(ctx context.Context, key string, timeout time.Duration) (model.Lock, error) {
	return p.AcquireWithLease(ctx, key, timeout, timeout)
}

// AcquireWithLease is Acquire with an explicit lease TTL for the key,
// decoupled from how long the caller is willing to wait for it.
func (p *Provider) AcquireWithLease(ctx context.Context, key string, timeout, lease time.Duration) (model.Lock, error) {
	if lease <= 0 {
		lease = timeout
	}
	deadline := time.Now().Add(timeout)
	token := uuid.NewString()
	redisKey := keyPrefix + key
	backoff := 20 * time.Millisecond
	const maxBackoff = 250 * time.Millisecond

	for {
		ok, err := p.client.SetNX(ctx, redisKey, token, lease).Result()
		if err != nil {
			return nil, migrateerr.New(migrateerr.Internal, "redis: acquire lock", err)
		}
		if ok {
			now := time.Now()
			l := &heldLock{
				provider:  p,
				id:        token,
				key:       redisKey,
				lease:     lease,
				acquired:  now,
				expiresAt: now.Add(lease),
				valid:     &atomic.Bool{},
			}
			l.valid.Store(true)
			return l, nil
		}
		if time.Now().After(deadline) {
			return nil, migrateerr.New(migrateerr.LockAcquisitionFailed, "timed out waiting for lock "+key, nil)
		}
		select {
		case <-ctx.Done():
			return nil, migrateerr.New(migrateerr.Cancelled, "lock acquisition cancelled", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// heldLock is a lock acquired by Provider.Acquire.
type heldLock struct {
	provider  *Provider
	id        string
	key       string
	lease     time.Duration
	acquired  time.Time
	expiresAt time.Time
	mu        sync.Mutex
	valid     *atomic.Bool

	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
}

func (l *heldLock) ID() string              { return l.id }
func (l *heldLock) Key() string             { return l.key }
func (l *heldLock) AcquiredAt() time.Time   { return l.acquired }
func (l *heldLock) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

func (l *heldLock) IsValid(context.Context) bool { return l.valid.Load() }

// Renew extends the lease, conditional on this lock's token still
// holding the key. Returns false on loss, without error, when another
// holder has since taken the key. A cancelled ctx surfaces as a
// Cancelled error and does not invalidate the lock: nothing is known
// about the lease's fate, only that the caller stopped waiting.
func (l *heldLock) Renew(ctx context.Context) (bool, error) {
	res, err := renewScript.Run(ctx, l.provider.client, []string{l.key}, l.id, l.lease.Milliseconds()).Result()
	if err != nil {
		if ctx.Err() != nil {
			return false, migrateerr.New(migrateerr.Cancelled, "redis: renew lock cancelled", err)
		}
		l.valid.Store(false)
		return false, migrateerr.New(migrateerr.Internal, "redis: renew lock", err)
	}
	n, _ := res.(int64)
	if n == 0 {
		l.valid.Store(false)
		return false, nil
	}
	l.mu.Lock()
	l.expiresAt = time.Now().Add(l.lease)
	l.mu.Unlock()
	return true, nil
}

// Release is idempotent and safe to call from any state, including
// after the lease has already been lost to another holder.
func (l *heldLock) Release(ctx context.Context) error {
	l.StopHeartbeat()
	l.valid.Store(false)
	_, err := releaseScript.Run(ctx, l.provider.client, []string{l.key}, l.id).Result()
	if err != nil {
		return migrateerr.New(migrateerr.Internal, "redis: release lock", err)
	}
	return nil
}

// StartHeartbeat launches a background renewal loop firing every
// interval until the lock is released or renewal fails. onLost is
// called at most once, from the heartbeat goroutine, the first time a
// renew reports the lease is gone.
func (l *heldLock) StartHeartbeat(interval time.Duration, onLost func()) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.heartbeatCancel = cancel
	l.heartbeatDone = make(chan struct{})
	done := l.heartbeatDone
	l.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.Renew(ctx)
				if err != nil {
					if ctx.Err() != nil {
						// StopHeartbeat cancelled an in-flight renew;
						// the lease is being released, not lost.
						return
					}
					l.provider.logger.WithError(err).WithField("key", l.key).Warn("lock heartbeat renew failed; terminating heartbeat")
					if onLost != nil {
						onLost()
					}
					return
				}
				if !ok {
					if onLost != nil {
						onLost()
					}
					return
				}
			}
		}
	}()
}

// StopHeartbeat cancels any running heartbeat and waits for it to exit.
func (l *heldLock) StopHeartbeat() {
	l.mu.Lock()
	cancel := l.heartbeatCancel
	done := l.heartbeatDone
	l.heartbeatCancel = nil
	l.heartbeatDone = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
