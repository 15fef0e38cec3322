package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockKeyPrefix = "colloquy:lock:"

// releaseScript deletes the lock only when this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker guards a conversation against concurrent engine runs. The lock is
// advisory: when the backend is unavailable the locker fails open and the
// run proceeds without protection.
type Locker interface {
	AcquireLock(ctx context.Context, conversationID string) bool
	ReleaseLock(ctx context.Context, conversationID string)
	IsLockedByOther(ctx context.Context, conversationID string) bool
	Close() error
}

// LockRegistry is the shared table behind LocalLocker instances. All
// lockers in one process that should contend with each other must come
// from the same registry.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]string // conversation id -> holder id
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]string)}
}

// NewLocker creates a locker with its own holder identity.
func (r *LockRegistry) NewLocker() *LocalLocker {
	return &LocalLocker{registry: r, holder: uuid.New().String()}
}

// LocalLocker is an in-process Locker for single-node deployments.
type LocalLocker struct {
	registry *LockRegistry
	holder   string
}

func (l *LocalLocker) AcquireLock(_ context.Context, conversationID string) bool {
	l.registry.mu.Lock()
	defer l.registry.mu.Unlock()
	owner, held := l.registry.locks[conversationID]
	if held && owner != l.holder {
		return false
	}
	l.registry.locks[conversationID] = l.holder
	return true
}

func (l *LocalLocker) ReleaseLock(_ context.Context, conversationID string) {
	l.registry.mu.Lock()
	defer l.registry.mu.Unlock()
	if l.registry.locks[conversationID] == l.holder {
		delete(l.registry.locks, conversationID)
	}
}

func (l *LocalLocker) IsLockedByOther(_ context.Context, conversationID string) bool {
	l.registry.mu.Lock()
	defer l.registry.mu.Unlock()
	owner, held := l.registry.locks[conversationID]
	return held && owner != l.holder
}

func (l *LocalLocker) Close() error { return nil }

// RedisLocker coordinates engine runs across processes. Acquisition is
// SetNX with a TTL; a heartbeat goroutine extends the TTL while the lock
// is held, so a crashed holder's lock expires on its own.
type RedisLocker struct {
	client *redis.Client
	holder string
	ttl    time.Duration
	logger *zap.Logger

	mu         sync.Mutex
	heartbeats map[string]context.CancelFunc
}

// NewRedisLocker creates a locker with a fresh holder identity.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:     client,
		holder:     uuid.New().String(),
		ttl:        ttl,
		logger:     logger.With(zap.String("component", "redis_locker")),
		heartbeats: make(map[string]context.CancelFunc),
	}
}

func lockKey(conversationID string) string { return lockKeyPrefix + conversationID }

func (l *RedisLocker) AcquireLock(ctx context.Context, conversationID string) bool {
	key := lockKey(conversationID)
	ok, err := l.client.SetNX(ctx, key, l.holder, l.ttl).Result()
	if err != nil {
		l.logger.Warn("lock backend unavailable, failing open", zap.Error(err))
		return true
	}
	if !ok {
		owner, err := l.client.Get(ctx, key).Result()
		if err == nil && owner == l.holder {
			return true // re-entrant
		}
		return false
	}
	l.startHeartbeat(conversationID, key)
	return true
}

func (l *RedisLocker) startHeartbeat(conversationID, key string) {
	hbCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	if prev, ok := l.heartbeats[conversationID]; ok {
		prev()
	}
	l.heartbeats[conversationID] = cancel
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := l.client.Expire(hbCtx, key, l.ttl).Err(); err != nil && hbCtx.Err() == nil {
					l.logger.Warn("lock heartbeat failed", zap.String("key", key), zap.Error(err))
				}
			}
		}
	}()
}

func (l *RedisLocker) stopHeartbeat(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.heartbeats[conversationID]; ok {
		cancel()
		delete(l.heartbeats, conversationID)
	}
}

func (l *RedisLocker) ReleaseLock(ctx context.Context, conversationID string) {
	l.stopHeartbeat(conversationID)
	if err := releaseScript.Run(ctx, l.client, []string{lockKey(conversationID)}, l.holder).Err(); err != nil && err != redis.Nil {
		l.logger.Warn("lock release failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (l *RedisLocker) IsLockedByOther(ctx context.Context, conversationID string) bool {
	owner, err := l.client.Get(ctx, lockKey(conversationID)).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		l.logger.Warn("lock backend unavailable, failing open", zap.Error(err))
		return false
	}
	return owner != l.holder
}

// Close stops all heartbeats and releases every held lock.
func (l *RedisLocker) Close() error {
	l.mu.Lock()
	held := make([]string, 0, len(l.heartbeats))
	for id, cancel := range l.heartbeats {
		cancel()
		held = append(held, id)
	}
	l.heartbeats = make(map[string]context.CancelFunc)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range held {
		if err := releaseScript.Run(ctx, l.client, []string{lockKey(id)}, l.holder).Err(); err != nil && err != redis.Nil {
			l.logger.Warn("lock release failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	return nil
}
