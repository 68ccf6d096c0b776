package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// 分布式锁：SET key value NX PX 加锁，Lua 脚本校验 value 后删除。
// value 是持有者标识，锁过期后被他人拿走时不会误删。

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// DistributedLock 单把分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 非阻塞加锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞加锁，重试 maxRetries 次
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// Locker 按业务 key 发放锁
type Locker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{
		client:        client,
		ttl:           ttl,
		retryInterval: 50 * time.Millisecond,
		// 等待上限约等于一个 TTL
		maxRetries: int(ttl / (50 * time.Millisecond)),
	}
}

// Acquire 阻塞获取锁，返回的 release 必须调用
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	dl := NewDistributedLock(l.client, key, uuid.NewString(), l.ttl)
	if err := dl.Lock(ctx, l.retryInterval, l.maxRetries); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return release(dl), nil
}

// TryAcquire 非阻塞获取锁，已被占用时 ok=false
func (l *Locker) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	dl := NewDistributedLock(l.client, key, uuid.NewString(), l.ttl)
	ok, err := dl.TryLock(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return release(dl), true, nil
}

func release(dl *DistributedLock) func() {
	return func() {
		// 业务 ctx 可能已取消，解锁单独给超时
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = dl.Unlock(ctx)
	}
}

func BalanceKey(userID int64) string {
	return fmt.Sprintf("balance:lock:user:%d", userID)
}

func WithdrawalKey(txnID string) string {
	return fmt.Sprintf("withdrawal:lock:txn:%s", txnID)
}

func CardKey(cardID string) string {
	return fmt.Sprintf("card:lock:%s", cardID)
}

func SyncJobKey(job string) string {
	return fmt.Sprintf("sync:lock:job:%s", job)
}
