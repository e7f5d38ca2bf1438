package job

import (
	"context"
	"time"

	"creditsync/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// JobLocker 多实例部署时保证同一时刻只有一个实例执行任务
type JobLocker interface {
	AcquireJob(ctx context.Context, name string) (release func(), acquired bool, err error)
}

const retentionJobName = "event-retention"

// EventRetentionJob 清理过期的已处理事件记录
// 支付方的重投窗口远小于保留期；清理之后流水 external_ref 的唯一约束仍然保证不会重复入账
type EventRetentionJob struct {
	eventRepo *repository.ProcessedEventRepository
	locker    JobLocker
	retention time.Duration
	log       *zap.Logger
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewEventRetentionJob(db *gorm.DB, retentionDays int, log *zap.Logger) *EventRetentionJob {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &EventRetentionJob{
		eventRepo: repository.NewProcessedEventRepository(db),
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		log:       log,
		stopCh:    make(chan struct{}),
		interval:  time.Hour,
		batchSize: 500,
		now:       time.Now,
	}
}

// SetLocker 启用 Redis 时设置，未设置则每个实例各自清理
func (j *EventRetentionJob) SetLocker(l JobLocker) {
	j.locker = l
}

func (j *EventRetentionJob) Start(ctx context.Context) {
	j.log.Info("[EventRetentionJob] 事件清理任务启动", zap.Duration("retention", j.retention))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("[EventRetentionJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("[EventRetentionJob] 任务停止")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *EventRetentionJob) Stop() {
	close(j.stopCh)
}

func (j *EventRetentionJob) runOnce(ctx context.Context) {
	if j.locker != nil {
		release, acquired, err := j.locker.AcquireJob(ctx, retentionJobName)
		if err != nil {
			j.log.Warn("[EventRetentionJob] 获取任务锁失败，本轮跳过", zap.Error(err))
			return
		}
		if !acquired {
			return
		}
		defer release()
	}
	j.Prune(ctx)
}

// Prune 分批删除，直到没有过期记录；返回删除总数
func (j *EventRetentionJob) Prune(ctx context.Context) int64 {
	cutoff := j.now().Add(-j.retention)

	var total int64
	for {
		deleted, err := j.eventRepo.DeleteBefore(ctx, cutoff, j.batchSize)
		if err != nil {
			j.log.Error("[EventRetentionJob] 清理过期事件失败", zap.Error(err))
			break
		}
		total += deleted
		if deleted < int64(j.batchSize) || ctx.Err() != nil {
			break
		}
	}

	if total > 0 {
		j.log.Info("[EventRetentionJob] 已清理过期事件", zap.Int64("deleted", total), zap.Time("cutoff", cutoff))
	}
	return total
}
