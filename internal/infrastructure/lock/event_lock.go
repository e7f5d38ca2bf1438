package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	eventLockTTL = 30 * time.Second
	jobLockTTL   = 10 * time.Minute
)

// EventLocker 按事件ID加锁，防止支付方并发重投同一事件时两个请求同时处理；
// 同时为多实例部署下的后台任务提供单实例执行锁
//
// 数据库中 processed_event / external_ref 的唯一约束才是最终保证，
// 事件锁只是让并发重投尽早返回 409，避免白白回查支付方
type EventLocker struct {
	client *redis.Client
	log    *zap.Logger
}

func NewEventLocker(client *redis.Client, log *zap.Logger) *EventLocker {
	return &EventLocker{client: client, log: log}
}

// Acquire 非阻塞获取事件锁；acquired 为 false 表示另一个请求正在处理
func (e *EventLocker) Acquire(ctx context.Context, eventID string) (func(), bool, error) {
	return e.acquire(ctx, fmt.Sprintf("billing:event:%s", eventID), eventLockTTL)
}

// AcquireJob 非阻塞获取后台任务锁；acquired 为 false 表示其他实例正在执行
func (e *EventLocker) AcquireJob(ctx context.Context, name string) (func(), bool, error) {
	return e.acquire(ctx, fmt.Sprintf("billing:job:%s", name), jobLockTTL)
}

func (e *EventLocker) acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	// 每次加锁使用独立 token，锁过期后旧持有者的释放不会误删新锁
	l := NewDistributedLock(e.client, key, uuid.NewString(), ttl)
	ok, err := l.TryLock(ctx)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// 请求上下文可能已取消，释放锁使用独立的短超时
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Unlock(ctx); err != nil {
			e.log.Warn("释放锁失败", zap.String("key", key), zap.Error(err))
		}
	}
	return release, true, nil
}
