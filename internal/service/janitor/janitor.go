// Package janitor runs periodic cleanup of expired state
package janitor

import (
	"context"
	"time"

	"github.com/nkiryanov/authkeeper/internal/logger"
)

const (
	defaultCountWorkers = 2
	defaultInterval     = time.Minute
)

// Task removes expired records and reports how many
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

type Janitor struct {
	consumer *Consumer
	producer *Producer
}

// New creates janitor running every task once per interval. Zero interval means default
func New(interval time.Duration, logger logger.Logger, tasks ...Task) *Janitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	logger = logger.With("component", "janitor")

	return &Janitor{
		consumer: &Consumer{
			countWorkers: defaultCountWorkers,
			logger:       logger,
		},
		producer: &Producer{
			interval: interval,
			tasks:    tasks,
			logger:   logger,
		},
	}
}

// Run starts cleanup and returns channel closed when all workers stopped
func (j *Janitor) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})

	taskChan := make(chan Task)

	producerStopped := j.producer.Produce(ctx, taskChan)
	consumerStopped := j.consumer.Consume(ctx, taskChan)

	go func() {
		defer close(idleStopped)
		<-producerStopped
		close(taskChan)
		<-consumerStopped
		j.consumer.logger.Debug("Janitor stopped")
	}()

	return idleStopped
}
