package service

import (
	"context"

	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/repository"
)

// Waker is notified after new work is committed. Implementations must not block.
type Waker interface {
	Wake()
}

type noopWaker struct{}

func (noopWaker) Wake() {}

// enqueue adds a task unless an identical one is already waiting.
func enqueue(ctx context.Context, q repository.Queries, tenantID string, target models.TenantStatus, eventID *string, origin string) (*models.OrchestrationTask, error) {
	task := &models.OrchestrationTask{
		TenantID:        tenantID,
		TargetState:     target,
		ExternalEventID: eventID,
		Origin:          origin,
	}
	if _, err := q.EnqueueTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}
