package notify

import (
	"context"
	"fmt"

	"broadcast-scheduling-backend/pkg/models"
)

// Queue accepts fire-and-forget delivery jobs.
type Queue interface {
	Enqueue(ctx context.Context, job *models.DeliveryJob) error
}

// Inbox accepts organizer-facing notifications.
type Inbox interface {
	Put(ctx context.Context, n *models.InboxNotification) error
}

// JobStore is the part of the database the store-backed sinks need.
type JobStore interface {
	EnqueueJob(ctx context.Context, job *models.DeliveryJob) error
	PutInboxNotification(ctx context.Context, n *models.InboxNotification) error
}

// StoreQueue persists jobs in the delivery_jobs table for an external worker.
type StoreQueue struct {
	store JobStore
}

func NewStoreQueue(store JobStore) *StoreQueue {
	return &StoreQueue{store: store}
}

func (q *StoreQueue) Enqueue(ctx context.Context, job *models.DeliveryJob) error {
	if job.To == "" {
		return fmt.Errorf("enqueue %s job: recipient is empty", job.Type)
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.Type, err)
	}
	return nil
}

// StoreInbox persists notifications in inbox_notifications.
type StoreInbox struct {
	store JobStore
}

func NewStoreInbox(store JobStore) *StoreInbox {
	return &StoreInbox{store: store}
}

func (i *StoreInbox) Put(ctx context.Context, n *models.InboxNotification) error {
	if err := i.store.PutInboxNotification(ctx, n); err != nil {
		return fmt.Errorf("write inbox notification: %w", err)
	}
	return nil
}
