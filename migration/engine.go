// Package migration moves image blobs between storage backends. A task is
// planned up front into per-file records, then drained by a bounded worker
// pool; records make every task pausable, resumable and auditable.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/projecteru2/lumen/notify"
	"github.com/projecteru2/lumen/progress"
	migprogress "github.com/projecteru2/lumen/progress/migration"
	"github.com/projecteru2/lumen/storage"
	"github.com/projecteru2/lumen/types"
)

const (
	// recordChanCap bounds how far the producer runs ahead of the workers.
	recordChanCap = 50

	// Worker pool sizes. Cloud endpoints throttle hard on parallel
	// connections, so tasks touching one run narrower.
	workersLocal = 8
	workersCloud = 4

	// recordErrorWidth truncates per-file errors to the column width.
	recordErrorWidth = 500
)

var (
	// ErrSameBackend rejects a task whose source and target match.
	ErrSameBackend = errors.New("源存储和目标存储不能相同")
	// ErrTaskActive rejects a new task while another is not yet terminal.
	ErrTaskActive = errors.New("已有进行中的迁移任务")
	// ErrNoFiles rejects a task whose filter matches nothing.
	ErrNoFiles = errors.New("没有符合条件的文件")
	// ErrBadState rejects a lifecycle call the task's status does not allow.
	ErrBadState = errors.New("migration task state does not allow this operation")
)

// activeStatuses are the non-terminal task statuses.
var activeStatuses = []string{types.MigrationPending, types.MigrationRunning, types.MigrationPaused}

// CreateRequest describes a new migration.
type CreateRequest struct {
	Kind              types.MigrationKind   `json:"kind"`
	SourceID          types.BackendID       `json:"source_id"`
	TargetID          types.BackendID       `json:"target_id"`
	Filter            types.MigrationFilter `json:"filter"`
	DeleteSourceAfter bool                  `json:"delete_source_after"`
}

// Engine owns every migration task's lifecycle.
type Engine struct {
	db      *gorm.DB
	store   *storage.Manager
	bus     *notify.Bus
	tracker progress.Tracker

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine builds an engine. bus may be nil; tracker may be nil for no
// progress reporting.
func NewEngine(db *gorm.DB, store *storage.Manager, bus *notify.Bus, tracker progress.Tracker) *Engine {
	if tracker == nil {
		tracker = progress.Nop
	}
	return &Engine{
		db:      db,
		store:   store,
		bus:     bus,
		tracker: tracker,
		cancels: map[int64]context.CancelFunc{},
	}
}

// Preview reports what a request would migrate.
func (e *Engine) Preview(ctx context.Context, req CreateRequest) (*Preview, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	return e.preview(ctx, normalizeKind(req.Kind), req.SourceID, &req.Filter)
}

func normalizeKind(kind types.MigrationKind) types.MigrationKind {
	if kind == types.MigrationThumbnail {
		return kind
	}
	return types.MigrationOriginal
}

func (e *Engine) validate(req CreateRequest) error {
	if req.SourceID == req.TargetID {
		return ErrSameBackend
	}
	if _, err := e.store.Backend(req.SourceID); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if _, err := e.store.Backend(req.TargetID); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	return nil
}

// Create validates, plans and starts a new task. Only one non-terminal task
// may exist at a time; concurrent tasks would fight over the same rows.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*types.MigrationTask, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	var active int64
	if err := e.db.WithContext(ctx).Model(&types.MigrationTask{}).
		Where("status IN ?", activeStatuses).Count(&active).Error; err != nil {
		return nil, fmt.Errorf("check active tasks: %w", err)
	}
	if active > 0 {
		return nil, ErrTaskActive
	}

	task := &types.MigrationTask{
		Kind:              normalizeKind(req.Kind),
		SourceID:          req.SourceID,
		TargetID:          req.TargetID,
		DeleteSourceAfter: req.DeleteSourceAfter,
	}
	if err := e.plan(ctx, task, &req.Filter); err != nil {
		return nil, err
	}
	if task.TotalFiles == 0 {
		// Nothing to do; drop the empty plan.
		e.db.WithContext(ctx).Delete(task)
		return nil, ErrNoFiles
	}

	e.launch(task.ID)
	return task, nil
}

// Task loads one task.
func (e *Engine) Task(ctx context.Context, id int64) (*types.MigrationTask, error) {
	task := &types.MigrationTask{}
	if err := e.db.WithContext(ctx).First(task, id).Error; err != nil {
		return nil, fmt.Errorf("load migration task %d: %w", id, err)
	}
	return task, nil
}

// List returns tasks newest first.
func (e *Engine) List(ctx context.Context) ([]types.MigrationTask, error) {
	var tasks []types.MigrationTask
	if err := e.db.WithContext(ctx).Order("id DESC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list migration tasks: %w", err)
	}
	return tasks, nil
}

// Records returns the file records of a task, optionally filtered by status.
func (e *Engine) Records(ctx context.Context, taskID int64, status string) ([]types.MigrationFileRecord, error) {
	q := e.db.WithContext(ctx).Where("task_id = ?", taskID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var records []types.MigrationFileRecord
	if err := q.Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list records of task %d: %w", taskID, err)
	}
	return records, nil
}

// Pause stops a running task after in-flight files finish. Pausing a task
// that is already paused is a no-op.
func (e *Engine) Pause(ctx context.Context, id int64) error {
	task, err := e.Task(ctx, id)
	if err != nil {
		return err
	}
	switch task.Status {
	case types.MigrationPaused:
		return nil
	case types.MigrationRunning, types.MigrationPending:
	default:
		return fmt.Errorf("pause %s task: %w", task.Status, ErrBadState)
	}

	if err := e.setStatus(ctx, id, types.MigrationPaused); err != nil {
		return err
	}
	e.stop(id)
	task.Status = types.MigrationPaused
	e.emit(ctx, task, migprogress.PhasePaused)
	return nil
}

// Resume continues a paused task. Failed records are retried; success
// records are never touched again.
func (e *Engine) Resume(ctx context.Context, id int64) error {
	task, err := e.Task(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != types.MigrationPaused {
		return fmt.Errorf("resume %s task: %w", task.Status, ErrBadState)
	}
	if err := e.requeueRecords(ctx, id, types.RecordInProgress, types.RecordFailed); err != nil {
		return err
	}
	if err := e.setStatus(ctx, id, types.MigrationRunning); err != nil {
		return err
	}
	e.launch(id)
	return nil
}

// Cancel aborts a task. Records not yet done are marked cancelled; blobs
// already committed to the target stay where they are (Rollback exists for
// that).
func (e *Engine) Cancel(ctx context.Context, id int64) error {
	task, err := e.Task(ctx, id)
	if err != nil {
		return err
	}
	switch task.Status {
	case types.MigrationPending, types.MigrationRunning, types.MigrationPaused:
	default:
		return fmt.Errorf("cancel %s task: %w", task.Status, ErrBadState)
	}

	e.stop(id)
	err = e.db.WithContext(ctx).Model(&types.MigrationFileRecord{}).
		Where("task_id = ? AND status IN ?", id,
			[]string{types.RecordPending, types.RecordInProgress, types.RecordFailed}).
		Update("status", types.RecordCancelled).Error
	if err != nil {
		return fmt.Errorf("cancel records of task %d: %w", id, err)
	}
	if err := e.setStatus(ctx, id, types.MigrationCancelled); err != nil {
		return err
	}
	task.Status = types.MigrationCancelled
	e.emit(ctx, task, migprogress.PhaseDone)
	return nil
}

// RetryFailedFiles requeues the failed records of a terminal task and runs
// it again.
func (e *Engine) RetryFailedFiles(ctx context.Context, id int64) error {
	task, err := e.Task(ctx, id)
	if err != nil {
		return err
	}
	switch task.Status {
	case types.MigrationFailed, types.MigrationCompleted:
	default:
		return fmt.Errorf("retry %s task: %w", task.Status, ErrBadState)
	}
	if err := e.requeueRecords(ctx, id, types.RecordFailed); err != nil {
		return err
	}
	if err := e.setStatus(ctx, id, types.MigrationRunning); err != nil {
		return err
	}
	e.launch(id)
	return nil
}

// Rollback creates and starts a reverse task covering the files the original
// task successfully moved.
func (e *Engine) Rollback(ctx context.Context, id int64) (*types.MigrationTask, error) {
	orig, err := e.Task(ctx, id)
	if err != nil {
		return nil, err
	}
	switch orig.Status {
	case types.MigrationCompleted, types.MigrationFailed, types.MigrationCancelled:
	default:
		return nil, fmt.Errorf("rollback %s task: %w", orig.Status, ErrBadState)
	}

	var active int64
	if err := e.db.WithContext(ctx).Model(&types.MigrationTask{}).
		Where("status IN ?", activeStatuses).Count(&active).Error; err != nil {
		return nil, fmt.Errorf("check active tasks: %w", err)
	}
	if active > 0 {
		return nil, ErrTaskActive
	}

	reverse := &types.MigrationTask{
		Kind:     orig.Kind,
		SourceID: orig.TargetID,
		TargetID: orig.SourceID,
		Status:   types.MigrationPending,
		// A rollback restores the old layout; it never deletes from the
		// backend it came from.
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(reverse).Error; err != nil {
			return fmt.Errorf("create rollback task: %w", err)
		}
		var done []types.MigrationFileRecord
		if err := tx.Where("task_id = ? AND status = ?", id, types.RecordSuccess).
			Find(&done).Error; err != nil {
			return fmt.Errorf("load success records: %w", err)
		}
		if len(done) == 0 {
			return ErrNoFiles
		}
		records := make([]types.MigrationFileRecord, len(done))
		for i, r := range done {
			records[i] = types.MigrationFileRecord{
				TaskID:  reverse.ID,
				ImageID: r.ImageID,
				Status:  types.RecordPending,
			}
		}
		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("plan rollback files: %w", err)
		}
		reverse.TotalFiles = len(records)
		return tx.Model(reverse).Update("total_files", reverse.TotalFiles).Error
	})
	if err != nil {
		return nil, err
	}

	e.launch(reverse.ID)
	return reverse, nil
}

// Dismiss deletes a terminal task and its records.
func (e *Engine) Dismiss(ctx context.Context, id int64) error {
	task, err := e.Task(ctx, id)
	if err != nil {
		return err
	}
	switch task.Status {
	case types.MigrationCompleted, types.MigrationFailed, types.MigrationCancelled:
	default:
		return fmt.Errorf("dismiss %s task: %w", task.Status, ErrBadState)
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&types.MigrationFileRecord{}).Error; err != nil {
			return fmt.Errorf("delete records of task %d: %w", id, err)
		}
		return tx.Delete(&types.MigrationTask{}, id).Error
	})
}

// ResumeInterrupted requeues tasks a previous process left running. Called
// once at startup, before the HTTP surface comes up.
func (e *Engine) ResumeInterrupted(ctx context.Context) error {
	var tasks []types.MigrationTask
	if err := e.db.WithContext(ctx).
		Where("status IN ?", []string{types.MigrationRunning, types.MigrationPending}).
		Find(&tasks).Error; err != nil {
		return fmt.Errorf("find interrupted tasks: %w", err)
	}
	for _, task := range tasks {
		if err := e.requeueRecords(ctx, task.ID, types.RecordInProgress); err != nil {
			return err
		}
		log.WithFunc("migration.ResumeInterrupted").Infof(ctx, "resuming task %d (%s -> %s)",
			task.ID, task.SourceID, task.TargetID)
		e.launch(task.ID)
	}
	return nil
}

// Shutdown stops all running tasks and waits for their workers to unwind.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) setStatus(ctx context.Context, id int64, status string) error {
	updates := map[string]any{"status": status}
	switch status {
	case types.MigrationRunning:
		updates["started_at"] = time.Now()
	case types.MigrationCompleted, types.MigrationFailed, types.MigrationCancelled:
		updates["completed_at"] = time.Now()
	}
	if err := e.db.WithContext(ctx).Model(&types.MigrationTask{}).
		Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("set task %d status %s: %w", id, status, err)
	}
	return nil
}

func (e *Engine) requeueRecords(ctx context.Context, taskID int64, statuses ...string) error {
	if err := e.db.WithContext(ctx).Model(&types.MigrationFileRecord{}).
		Where("task_id = ? AND status IN ?", taskID, statuses).
		Updates(map[string]any{"status": types.RecordPending, "error": ""}).Error; err != nil {
		return fmt.Errorf("requeue records of task %d: %w", taskID, err)
	}
	return nil
}

// stop cancels the task's run goroutine if one is live.
func (e *Engine) stop(id int64) {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// launch starts (or restarts) the run goroutine for a task. The run context
// is detached from the caller: an HTTP request ending must not abort a
// migration.
func (e *Engine) launch(id int64) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	if old, ok := e.cancels[id]; ok {
		old()
	}
	e.cancels[id] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.cancels, id)
			e.mu.Unlock()
			cancel()
		}()
		e.run(ctx, id)
	}()
}

// run drains a task's pending records through the worker pool.
func (e *Engine) run(ctx context.Context, id int64) {
	logger := log.WithFunc("migration.run")

	task, err := e.Task(ctx, id)
	if err != nil {
		logger.Errorf(ctx, err, "task %d vanished before run", id)
		return
	}
	source, err := e.store.Backend(task.SourceID)
	if err != nil {
		logger.Errorf(ctx, err, "task %d source backend", id)
		e.finish(task, err)
		return
	}
	target, err := e.store.Backend(task.TargetID)
	if err != nil {
		logger.Errorf(ctx, err, "task %d target backend", id)
		e.finish(task, err)
		return
	}

	if err := e.setStatus(ctx, id, types.MigrationRunning); err != nil {
		logger.Errorf(ctx, err, "task %d", id)
		return
	}
	e.emit(ctx, task, migprogress.PhasePlan)

	workers := workersLocal
	if task.SourceID.IsCloud() || task.TargetID.IsCloud() {
		workers = workersCloud
	}
	logger.Infof(ctx, "task %d running: %s -> %s, %d files, %d workers",
		id, task.SourceID, task.TargetID, task.TotalFiles, workers)

	recordChan := make(chan types.MigrationFileRecord, recordChanCap)

	// Producer pages pending records into the channel.
	prodErr := make(chan error, 1)
	go func() {
		defer close(recordChan)
		prodErr <- e.produce(ctx, id, recordChan)
	}()

	var processed, failed atomic.Int64
	g := &errgroup.Group{}
	g.SetLimit(workers)
	for record := range recordChan {
		record := record
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := e.migrateFile(ctx, task, &record, source, target); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				failed.Add(1)
				logger.Warnf(ctx, "task %d image %d failed: %v", id, record.ImageID, err)
			} else {
				processed.Add(1)
			}
			e.bumpCounters(ctx, task, &processed, &failed)
			return nil
		})
	}
	g.Wait()          //nolint:errcheck // workers report through records
	perr := <-prodErr // producer has exited once recordChan closed

	if ctx.Err() != nil {
		// Paused or cancelled: the lifecycle call already wrote the status.
		logger.Infof(ctx, "task %d stopped (%d done, %d failed this run)",
			id, processed.Load(), failed.Load())
		return
	}
	if perr != nil {
		logger.Errorf(ctx, perr, "task %d producer", id)
		e.finish(task, perr)
		return
	}
	e.finish(task, nil)
}

// produce feeds pending records in id order until none remain.
func (e *Engine) produce(ctx context.Context, taskID int64, out chan<- types.MigrationFileRecord) error {
	lastID := int64(0)
	for {
		var batch []types.MigrationFileRecord
		err := e.db.WithContext(ctx).
			Where("task_id = ? AND status = ? AND id > ?", taskID, types.RecordPending, lastID).
			Order("id").Limit(recordChanCap).Find(&batch).Error
		if err != nil {
			return fmt.Errorf("load pending records: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, record := range batch {
			lastID = record.ID
			select {
			case out <- record:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// bumpCounters persists live counters and emits a file-level event.
func (e *Engine) bumpCounters(ctx context.Context, task *types.MigrationTask, processed, failed *atomic.Int64) {
	snapshot := *task
	snapshot.Processed = task.Processed + int(processed.Load())
	snapshot.Failed = task.Failed + int(failed.Load())
	if err := e.db.WithContext(ctx).Model(&types.MigrationTask{}).
		Where("id = ?", task.ID).
		Updates(map[string]any{"processed": snapshot.Processed, "failed": snapshot.Failed}).Error; err != nil {
		log.WithFunc("migration.bumpCounters").Warnf(ctx, "task %d counters: %v", task.ID, err)
	}
	e.emit(ctx, &snapshot, migprogress.PhaseFile)
}

// finish writes the terminal status once every record has been tried.
func (e *Engine) finish(task *types.MigrationTask, runErr error) {
	ctx := context.Background()
	fresh, err := e.Task(ctx, task.ID)
	if err != nil {
		log.WithFunc("migration.finish").Errorf(ctx, err, "task %d", task.ID)
		return
	}
	status := types.MigrationCompleted
	if runErr != nil || fresh.Failed > 0 {
		status = types.MigrationFailed
	}
	if err := e.setStatus(ctx, task.ID, status); err != nil {
		log.WithFunc("migration.finish").Errorf(ctx, err, "task %d", task.ID)
		return
	}
	fresh.Status = status
	log.WithFunc("migration.finish").Infof(ctx, "task %d finished: %s (%d/%d, %d failed)",
		task.ID, status, fresh.Processed, fresh.TotalFiles, fresh.Failed)
	e.emit(ctx, fresh, migprogress.PhaseDone)
}

// migrateFile copies one blob and repoints the catalog row. The catalog
// update and the record's success flip commit in one transaction; the source
// blob is deleted only after that commit, and a failed source delete leaves
// an orphan blob, never a broken reference.
func (e *Engine) migrateFile(ctx context.Context, task *types.MigrationTask, record *types.MigrationFileRecord, source, target storage.Storage) error {
	markFailed := func(cause error) error {
		msg := cause.Error()
		if len(msg) > recordErrorWidth {
			msg = msg[:recordErrorWidth]
		}
		e.db.WithContext(ctx).Model(record).
			Updates(map[string]any{"status": types.RecordFailed, "error": msg})
		return cause
	}

	if err := e.db.WithContext(ctx).Model(record).
		Update("status", types.RecordInProgress).Error; err != nil {
		return fmt.Errorf("mark record %d in progress: %w", record.ID, err)
	}

	img := &types.Image{}
	if err := e.db.WithContext(ctx).First(img, record.ImageID).Error; err != nil {
		return markFailed(fmt.Errorf("load image %d: %w", record.ImageID, err))
	}
	backendID, blobPath := img.BlobRef(task.Kind)
	if backendID == task.TargetID {
		// Already on the target (planned twice, or moved out of band).
		return e.db.WithContext(ctx).Model(record).
			Update("status", types.RecordSuccess).Error
	}
	if backendID != task.SourceID {
		return markFailed(fmt.Errorf("image %d blob is on %s, not %s", img.ID, backendID, task.SourceID))
	}

	src, err := source.Download(ctx, blobPath)
	if err != nil {
		return markFailed(fmt.Errorf("download: %w", err))
	}
	defer src.Close() //nolint:errcheck

	storedPath, err := target.Upload(ctx, src, blobPath)
	if err != nil {
		return markFailed(fmt.Errorf("upload: %w", err))
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := &types.Image{}
		if err := tx.First(fresh, img.ID).Error; err != nil {
			return err
		}
		fresh.SetBlobRef(task.Kind, task.TargetID, storedPath)
		if err := tx.Save(fresh).Error; err != nil {
			return err
		}
		return tx.Model(record).Update("status", types.RecordSuccess).Error
	})
	if err != nil {
		// The copy never became visible; drop it so the target stays clean.
		if delErr := target.Delete(ctx, storedPath); delErr != nil {
			log.WithFunc("migration.migrateFile").Warnf(ctx,
				"orphan blob %s on %s not removed: %v", storedPath, task.TargetID, delErr)
		}
		return markFailed(fmt.Errorf("commit: %w", err))
	}

	if task.DeleteSourceAfter {
		if err := source.Delete(ctx, blobPath); err != nil {
			log.WithFunc("migration.migrateFile").Warnf(ctx,
				"source blob %s on %s not removed: %v", blobPath, task.SourceID, err)
		}
	}
	return nil
}

// emit publishes one progress snapshot to the tracker and the bus.
func (e *Engine) emit(ctx context.Context, task *types.MigrationTask, phase migprogress.Phase) {
	e.tracker.OnEvent(migprogress.Event{
		Phase:     phase,
		TaskID:    task.ID,
		Total:     task.TotalFiles,
		Processed: task.Processed,
		Failed:    task.Failed,
		Status:    task.Status,
	})
	if e.bus != nil {
		e.bus.Publish(ctx, notify.TopicMigrationProgress, types.MigrationStatus{
			TaskID:    task.ID,
			Status:    task.Status,
			Total:     task.TotalFiles,
			Processed: task.Processed,
			Failed:    task.Failed,
			Percent:   task.Progress(),
		})
	}
}
