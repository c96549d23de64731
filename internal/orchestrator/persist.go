package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"devpilot/internal/eventbus"
	"devpilot/internal/storage"
	"devpilot/internal/task/engine"
	"devpilot/internal/task/poller"
	"devpilot/internal/task/registry"
	logx "devpilot/pkg/logx"
)

// autoSave is the auto-save loop job.
func (o *Orchestrator) autoSave(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	return o.save(ctx)
}

// save writes the export document as the named snapshot.
func (o *Orchestrator) save(ctx context.Context) error {
	if o.store == nil {
		return storage.ErrDisabled
	}
	doc := o.ExportHistory()
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	name := o.config().SnapshotName
	if err := o.store.SaveSnapshot(ctx, name, b); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	o.log.Debug("history saved", logx.String("snapshot", name), logx.Int("jobs", len(doc.Jobs)), logx.Int("bytes", len(b)))
	o.bus.Publish(eventbus.Event{Type: eventbus.HistorySaved, Time: time.Now(), Data: name})
	return nil
}

// restore loads the last snapshot: job records come back so outstanding jobs
// keep being polled, pending tasks are queued again and satisfied keys stay
// satisfied.
func (o *Orchestrator) restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	name := o.config().SnapshotName
	snap, ok, err := o.store.LoadSnapshot(ctx, name)
	if err != nil || !ok {
		return err
	}
	var doc HistoryDocument
	if err := json.Unmarshal(snap.Data, &doc); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	if doc.Version != HistoryVersion {
		return fmt.Errorf("history version %d not supported", doc.Version)
	}

	jobs := o.reg.Restore(doc.Jobs)
	o.queue.Enqueue(doc.Pending...)
	for _, k := range doc.Satisfied {
		o.gen.Satisfied().Mark(k)
	}
	o.log.Info("history restored",
		logx.String("snapshot", name),
		logx.Time("saved_at", snap.SavedAt),
		logx.Int("jobs", jobs),
		logx.Int("pending", len(doc.Pending)),
		logx.Int("satisfied", len(doc.Satisfied)),
	)
	return nil
}

func (o *Orchestrator) audit(ctx context.Context, e storage.AuditEntry) {
	if o.store == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config().AuditTimeout)
	defer cancel()
	if err := o.store.AppendAudit(actx, e); err != nil {
		o.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

// auditLoop journals launches, drops and terminal job states from the bus.
func (o *Orchestrator) auditLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if e, ok := auditFor(ev); ok {
				o.audit(ctx, e)
			}
		}
	}
}

func auditFor(ev eventbus.Event) (storage.AuditEntry, bool) {
	switch ev.Type {
	case eventbus.TaskLaunched, eventbus.TaskDropped:
		d, ok := ev.Data.(engine.TaskEvent)
		if !ok {
			return storage.AuditEntry{}, false
		}
		action := storage.ActionLaunched
		if ev.Type == eventbus.TaskDropped {
			action = storage.ActionDropped
		}
		return storage.AuditEntry{
			At: ev.Time, Action: action, TaskID: d.TaskID, Key: d.Key, Category: string(d.Category),
			JobID: d.JobID, Attempt: d.Attempt, Error: d.Error,
		}, true
	case eventbus.JobStatus:
		d, ok := ev.Data.(poller.StatusEvent)
		if !ok || !d.To.Terminal() {
			return storage.AuditEntry{}, false
		}
		action := storage.ActionFinished
		if d.To == registry.StatusFailed {
			action = storage.ActionFailed
		}
		return storage.AuditEntry{
			At: ev.Time, Action: action, TaskID: d.TaskID, Key: d.Key, Category: string(d.Category),
			JobID: d.JobID, Detail: d.Summary,
		}, true
	}
	return storage.AuditEntry{}, false
}
