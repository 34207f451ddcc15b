package validate

import (
	"context"
	"encoding/json"
	"fmt"

	"regbackend/domain"
	"regbackend/streamq"
)

// EnqueueJob serializes a validation job and puts it on the stream.
func EnqueueJob(ctx context.Context, q streamq.JobQueue, job *domain.ValidationJob) error {
	if q == nil {
		return fmt.Errorf("job queue not initialized")
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, b)
}
