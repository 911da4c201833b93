// Package intake 负责目标提交的异步接入: API 层投递目标 ID,
// 调度侧消费并激活目标。
package intake

import (
	"context"
)

// Handler 处理来自队列的目标 ID。
type Handler func(ctx context.Context, goalID string) error

// Producer 负责向队列投递目标。
type Producer interface {
	Publish(ctx context.Context, goalID string) error
	Close() error
}

// Consumer 负责从队列中消费目标。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
