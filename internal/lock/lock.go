// Package lock serializes operations on one monitor name.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another operation holds the key.
var ErrLocked = errors.New("operation already in progress")

// Locker acquires key without waiting. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Local holds locks in process memory.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocal() *Local { return &Local{held: map[string]bool{}} }

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("%s: %w", key, ErrLocked)
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// only the holder's token may delete the key
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// the expiry only moves while the key still carries our token
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Redis holds locks as keys with a TTL so a crashed holder cannot block a
// monitor forever. A live holder renews the TTL every third of it until it
// unlocks.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger logging.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, logger logging.Logger) *Redis {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Redis{client: client, ttl: ttl, prefix: "disturbancemonitor:lock:", logger: logger}
}

// Dial connects and pings the server.
func Dial(ctx context.Context, addr, password string, db int, ttl time.Duration, logger logging.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return NewRedis(client, ttl, logger), nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLocked)
	}
	stop, done := make(chan struct{}), make(chan struct{})
	go r.keepAlive(k, key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := unlockScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil {
				r.logger.Warn("unlock failed", "key", key, "error", err)
			}
		})
	}, nil
}

func (r *Redis) keepAlive(k, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := r.ttl / 3
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := extendScript.Run(ctx, r.client, []string{k}, token, r.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			r.logger.Warn("lock renewal failed", "key", key, "error", err)
		case n == 0:
			r.logger.Error("lock lost before unlock", "key", key)
			return
		}
	}
}

func (r *Redis) Close() error { return r.client.Close() }
