package janitor

import (
	"context"
	"sync"

	"github.com/nkiryanov/authkeeper/internal/logger"
)

type Consumer struct {
	countWorkers int
	logger       logger.Logger
}

func (c *Consumer) Consume(ctx context.Context, in <-chan Task) <-chan struct{} {
	idleStopped := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < c.countWorkers; i++ {
		wg.Add(1)
		go func() {
			c.worker(ctx, in)
			wg.Done()
		}()
	}

	go func() {
		defer close(idleStopped)
		wg.Wait()
		c.logger.Debug("Consumer stopped")
	}()

	return idleStopped
}

func (c *Consumer) worker(ctx context.Context, in <-chan Task) {
	for {
		select {
		case <-ctx.Done():
			return

		case task, ok := <-in:
			if !ok {
				c.logger.Debug("Consumer worker stopped, input channel closed")
				return
			}

			n, err := task.Run(ctx)
			switch {
			case err != nil:
				c.logger.Error("Cleanup task failed", "task", task.Name, "error", err)
			case n > 0:
				c.logger.Info("Expired records removed", "task", task.Name, "count", n)
			}
		}
	}
}
