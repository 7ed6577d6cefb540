package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/fds/internal/domain"
)

// TaskQueue enqueues detection tasks on the event bus, one subject per shard.
type TaskQueue struct {
	bus domain.EventBus
}

// NewTaskQueue creates a task queue over bus.
func NewTaskQueue(bus domain.EventBus) *TaskQueue {
	return &TaskQueue{bus: bus}
}

// Enqueue publishes task on the detect topic of its shard.
func (q *TaskQueue) Enqueue(ctx context.Context, task domain.DetectTask) error {
	shard := task.ShardID
	if shard == "" {
		shard = domain.DefaultShard
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal detect task: %w", err)
	}
	return q.bus.Publish(ctx, shard, domain.TopicDetectCase, data)
}

// DecodeTask reads a DetectTask from a bus message.
func DecodeTask(msg *domain.Message) (domain.DetectTask, error) {
	var task domain.DetectTask
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return task, fmt.Errorf("%w: malformed detect task: %v", domain.ErrInvalidInput, err)
	}
	if task.ShardID == "" {
		task.ShardID = msg.ShardID
	}
	return task, nil
}
