package task

import (
	"context"
)

// Handler 处理一条任务 ID。返回错误时由队列实现决定是否重新投递，
// 处理器只对可重试失败显式重新发布，因此同一 ID 可能被投递多次。
type Handler func(ctx context.Context, taskID string) error

// Producer 投递待执行的任务 ID。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以 workerCount 个并发 worker 消费任务，阻塞到 ctx 取消。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Recoverer 由持久化队列实现，在启动时把上次进程退出前未确认的任务放回队列。
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

var _ Recoverer = (*RedisQueue)(nil)
