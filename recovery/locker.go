package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaoxuxiansheng/redis_lock"
)

// Locker 集群级别的恢复锁，保证同一时刻只有一个节点执行后台恢复
type Locker interface {
	Lock(ctx context.Context, expireDuration time.Duration) error
	Unlock(ctx context.Context) error
}

// RedisLocker 基于 redis 分布式锁实现的 Locker
type RedisLocker struct {
	key    string
	client *redis_lock.Client
}

func NewRedisLocker(client *redis_lock.Client, key string) *RedisLocker {
	if key == "" {
		key = BuildRecoveryLockKey("")
	}
	return &RedisLocker{
		key:    key,
		client: client,
	}
}

func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

func (r *RedisLocker) Key() string {
	return r.key
}

func (r *RedisLocker) Lock(ctx context.Context, expireDuration time.Duration) error {
	lock := redis_lock.NewRedisLock(r.key, r.client, redis_lock.WithExpireSeconds(int64(expireDuration.Seconds())))
	return lock.Lock(ctx)
}

func (r *RedisLocker) Unlock(ctx context.Context) error {
	lock := redis_lock.NewRedisLock(r.key, r.client)
	return lock.Unlock(ctx)
}

// BuildRecoveryLockKey 构造恢复锁 key，namespace 用于区分共用同一个 redis 的多个集群
func BuildRecoveryLockKey(namespace string) string {
	if namespace == "" {
		return "goxa:recovery:lock"
	}
	return fmt.Sprintf("goxa:%s:recovery:lock", namespace)
}
