// Package ingest pulls task state and annotation exports from the
// annotation tool in response to its webhook events.
package ingest

import (
	"context"
	"fmt"

	"github.com/urban-vision/annoqc/internal/monitoring"
	"github.com/urban-vision/annoqc/internal/store"
)

// ToolClient is the slice of the annotation tool API the ingest path
// needs: task metadata and the task's current annotation export.
type ToolClient interface {
	FetchTask(ctx context.Context, taskID int64) (*store.ClipTask, error)
	FetchAnnotations(ctx context.Context, taskID int64) ([]*store.RawAnnotation, error)
}

// Event is one webhook delivery from the annotation tool: a task moved
// to a new lifecycle status. Deliveries are at-least-once; the handler
// deduplicates on (task, status).
type Event struct {
	TaskID    int64  `json:"task_id"`
	ProjectID int64  `json:"project_id"`
	Status    string `json:"status"`
}

// Handler processes tool events into the local store.
type Handler struct {
	client      ToolClient
	tasks       *store.TaskStore
	annotations *store.AnnotationStore
	canonical   *store.CanonicalStore
}

// NewHandler wires an event handler over the tool client and stores.
func NewHandler(client ToolClient, tasks *store.TaskStore, annotations *store.AnnotationStore, canonical *store.CanonicalStore) *Handler {
	return &Handler{client: client, tasks: tasks, annotations: annotations, canonical: canonical}
}

// HandleEvent processes one webhook delivery. Duplicate deliveries of
// the same (task, status) are acknowledged without reprocessing. A
// completed task pulls the full annotation export; other statuses only
// update the task record.
//
// The processed marker is written only after the sync succeeds: a
// delivery that fails mid-flight stays unclaimed, so the tool's
// redelivery gets to retry it. Two deliveries racing past the marker
// check both sync, which is harmless because ingestion is convergent
// (task upsert plus wholesale annotation replacement).
func (h *Handler) HandleEvent(ctx context.Context, ev Event) (processed bool, err error) {
	done, err := h.canonical.IsEventProcessed(ctx, ev.TaskID, ev.Status)
	if err != nil {
		return false, fmt.Errorf("check event marker: %w", err)
	}
	if done {
		monitoring.CountWebhookEvent("duplicate")
		monitoring.Logf("ingest: task %d status %s already processed, skipping", ev.TaskID, ev.Status)
		return false, nil
	}

	if err := h.SyncTask(ctx, ev.TaskID, ev.Status == store.TaskCompleted); err != nil {
		monitoring.CountWebhookEvent("rejected")
		return false, err
	}
	if _, err := h.canonical.MarkEventProcessed(ctx, ev.TaskID, ev.Status); err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	monitoring.CountWebhookEvent("processed")
	return true, nil
}

// SyncTask pulls a task's current state from the tool, including its
// annotation export when withAnnotations is set. It bypasses event
// deduplication and may be called repeatedly.
func (h *Handler) SyncTask(ctx context.Context, taskID int64, withAnnotations bool) error {
	task, err := h.client.FetchTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("fetch task %d: %w", taskID, err)
	}
	if err := h.tasks.Upsert(ctx, task); err != nil {
		return fmt.Errorf("store task %d: %w", taskID, err)
	}

	if !withAnnotations {
		monitoring.Logf("ingest: task %d (%s) synced, status %s", task.TaskID, task.Name, task.Status)
		return nil
	}

	annotations, err := h.client.FetchAnnotations(ctx, taskID)
	if err != nil {
		return fmt.Errorf("fetch annotations for task %d: %w", taskID, err)
	}
	if err := h.annotations.ReplaceForTask(ctx, taskID, annotations); err != nil {
		return fmt.Errorf("store annotations for task %d: %w", taskID, err)
	}
	monitoring.Logf("ingest: task %d (%s) synced with %d annotations",
		task.TaskID, task.Name, len(annotations))
	return nil
}
