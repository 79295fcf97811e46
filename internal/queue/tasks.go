package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskQueueReady tells worker processes that a queue has claimable work.
// The task carries no ownership: workers still claim through the store.
const TaskQueueReady = "queue:ready"

type ReadyPayload struct {
	Queue string `json:"queue"`
	JobID string `json:"job_id"`
}

func NewReadyTask(p ReadyPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskQueueReady, b), nil
}

// ParseReadyTask decodes the payload of a TaskQueueReady task.
func ParseReadyTask(t *asynq.Task) (ReadyPayload, error) {
	var p ReadyPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return ReadyPayload{}, fmt.Errorf("%w: decode ready payload: %v", asynq.SkipRetry, err)
	}
	return p, nil
}

// AsynqWaker rings worker processes through redis. Each asynq queue is named
// after the dispatcher queue so worker servers can weight them.
type AsynqWaker struct {
	client *asynq.Client
}

func NewAsynqWaker(client *asynq.Client) *AsynqWaker {
	return &AsynqWaker{client: client}
}

func (w *AsynqWaker) Wake(ctx context.Context, queue, jobID string) error {
	task, err := NewReadyTask(ReadyPayload{Queue: queue, JobID: jobID})
	if err != nil {
		return err
	}
	_, err = w.client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.TaskID(queue+":"+jobID),
		asynq.MaxRetry(0),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// AsynqQueues returns the asynq server queue weights for the given queues.
func AsynqQueues(queues []string) map[string]int {
	out := make(map[string]int, len(queues))
	for _, q := range queues {
		out[q] = 1
	}
	return out
}
