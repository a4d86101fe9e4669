package admin

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/lumen/aitask"
	cmdcore "github.com/projecteru2/lumen/cmd/core"
	"github.com/projecteru2/lumen/migration"
	"github.com/projecteru2/lumen/progress"
	migprogress "github.com/projecteru2/lumen/progress/migration"
	"github.com/projecteru2/lumen/settings"
	"github.com/projecteru2/lumen/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) StorageList(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	_, manager, err := cmdcore.InitManager(ctx, conf)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0) //nolint:mnd
	fmt.Fprintln(w, "ID\tNAME\tUSED\tTOTAL\tDEFAULT")
	for _, s := range manager.MultiStats(ctx) {
		mark := ""
		if s.IsDefault {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.DisplayName,
			units.HumanSize(float64(s.UsedBytes)),
			units.HumanSize(float64(s.TotalBytes)),
			mark)
	}
	return w.Flush()
}

func (h Handler) StorageSetDefault(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	db, manager, err := cmdcore.InitManager(ctx, conf)
	if err != nil {
		return err
	}
	id := types.BackendID(args[0])
	if _, err := manager.Backend(id); err != nil {
		return err
	}

	storageConf, err := cmdcore.EffectiveStorageConfig(ctx, db, conf)
	if err != nil {
		return err
	}
	storageConf.DefaultID = string(id)
	if err := settings.NewStore(db).SaveStorageConfig(ctx, storageConf); err != nil {
		return err
	}
	fmt.Printf("default backend set to %s (a running server applies it on restart)\n", id)
	return nil
}

func (h Handler) MigrateRun(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	db, manager, err := cmdcore.InitManager(ctx, conf)
	if err != nil {
		return err
	}
	req, err := buildCreateRequest(cmd)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	var once sync.Once
	tracker := progress.NewTracker(func(ev migprogress.Event) {
		switch ev.Phase {
		case migprogress.PhasePlan:
			fmt.Printf("task %d: %d files\n", ev.TaskID, ev.Total)
		case migprogress.PhaseFile:
			fmt.Printf("\r%d/%d copied, %d failed", ev.Processed, ev.Total, ev.Failed)
		case migprogress.PhaseDone:
			fmt.Printf("\r%d/%d copied, %d failed\ntask %d %s\n",
				ev.Processed, ev.Total, ev.Failed, ev.TaskID, ev.Status)
			once.Do(func() { close(done) })
		case migprogress.PhasePaused:
			fmt.Printf("\ntask %d paused\n", ev.TaskID)
		}
	})
	engine := migration.NewEngine(db, manager, nil, tracker)
	defer engine.Shutdown()

	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		preview, err := engine.Preview(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("%d files, %s\n", preview.Files, units.HumanSize(float64(preview.TotalBytes)))
		return nil
	}

	task, err := engine.Create(ctx, req)
	if err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Ctrl-C: stop at the next file boundary. The task stays paused
		// and can be resumed by the server or another run.
		return engine.Pause(context.Background(), task.ID)
	}
}

func (h Handler) MigrateList(cmd *cobra.Command, _ []string) error {
	engine, ctx, err := h.offlineEngine(cmd)
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	tasks, err := engine.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0) //nolint:mnd
	fmt.Fprintln(w, "ID\tKIND\tSOURCE\tTARGET\tSTATUS\tPROGRESS\tFAILED\tCREATED")
	for i := range tasks {
		t := &tasks[i]
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			t.ID, t.Kind, t.SourceID, t.TargetID, t.Status,
			t.Processed, t.TotalFiles, t.Failed,
			t.CreatedAt.Format(time.DateTime))
	}
	return w.Flush()
}

func (h Handler) MigrateRecords(cmd *cobra.Command, args []string) error {
	engine, ctx, err := h.offlineEngine(cmd)
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	taskID, err := parseID(args[0])
	if err != nil {
		return err
	}
	status, _ := cmd.Flags().GetString("status")
	records, err := engine.Records(ctx, taskID, status)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0) //nolint:mnd
	fmt.Fprintln(w, "IMAGE\tSTATUS\tERROR")
	for i := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\n", records[i].ImageID, records[i].Status, records[i].Error)
	}
	return w.Flush()
}

func (h Handler) MigrateRollback(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	db, manager, err := cmdcore.InitManager(ctx, conf)
	if err != nil {
		return err
	}
	taskID, err := parseID(args[0])
	if err != nil {
		return err
	}

	done := make(chan struct{})
	var once sync.Once
	tracker := progress.NewTracker(func(ev migprogress.Event) {
		if ev.Phase == migprogress.PhaseDone {
			fmt.Printf("task %d %s: %d/%d, %d failed\n",
				ev.TaskID, ev.Status, ev.Processed, ev.Total, ev.Failed)
			once.Do(func() { close(done) })
		}
	})
	engine := migration.NewEngine(db, manager, nil, tracker)
	defer engine.Shutdown()

	reverse, err := engine.Rollback(ctx, taskID)
	if err != nil {
		return err
	}
	fmt.Printf("rolling back task %d as task %d (%d files)\n", taskID, reverse.ID, reverse.TotalFiles)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return engine.Pause(context.Background(), reverse.ID)
	}
}

func (h Handler) MigrateDismiss(cmd *cobra.Command, args []string) error {
	engine, ctx, err := h.offlineEngine(cmd)
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	taskID, err := parseID(args[0])
	if err != nil {
		return err
	}
	return engine.Dismiss(ctx, taskID)
}

func (h Handler) QueueList(cmd *cobra.Command, _ []string) error {
	q, ctx, err := h.queue(cmd)
	if err != nil {
		return err
	}
	queues, err := q.Queues(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0) //nolint:mnd
	fmt.Fprintln(w, "QUEUE\tSTATUS\tPENDING\tFAILED")
	for i := range queues {
		status, err := q.Status(ctx, queues[i].QueueKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n",
			status.QueueKey, status.Status, status.PendingCount, status.FailedCount)
	}
	return w.Flush()
}

func (h Handler) QueueRetry(cmd *cobra.Command, args []string) error {
	q, ctx, err := h.queue(cmd)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		n, err := q.RetryAllFailed(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%d items re-queued\n", n)
		return nil
	}
	itemID, err := parseID(args[1])
	if err != nil {
		return err
	}
	return q.Retry(ctx, args[0], itemID)
}

func (h Handler) QueueIgnore(cmd *cobra.Command, args []string) error {
	q, ctx, err := h.queue(cmd)
	if err != nil {
		return err
	}
	itemID, err := parseID(args[1])
	if err != nil {
		return err
	}
	return q.Ignore(ctx, args[0], itemID)
}

func (h Handler) SmartAlbum(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	db, err := cmdcore.OpenDatabase(ctx, conf)
	if err != nil {
		return err
	}

	task := &types.SmartAlbumTask{ModelName: args[0], Status: types.SmartAlbumPending}
	if err := db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create smart album task: %w", err)
	}
	added, err := aitask.NewQueue(db).Enqueue(ctx, types.TaskSmartAlbum, args[0], task.ID)
	if err != nil {
		return err
	}
	if added == 0 {
		return fmt.Errorf("task %d was not queued", task.ID)
	}
	fmt.Printf("smart album task %d queued, the server picks it up on its next sweep\n", task.ID)
	return nil
}

// offlineEngine builds a migration engine for read/cleanup operations that
// never launch workers.
func (h Handler) offlineEngine(cmd *cobra.Command) (*migration.Engine, context.Context, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, manager, err := cmdcore.InitManager(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	return migration.NewEngine(db, manager, nil, nil), ctx, nil
}

func (h Handler) queue(cmd *cobra.Command) (*aitask.Queue, context.Context, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, err := cmdcore.OpenDatabase(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	return aitask.NewQueue(db), ctx, nil
}

func buildCreateRequest(cmd *cobra.Command) (migration.CreateRequest, error) {
	kind, _ := cmd.Flags().GetString("kind")
	source, _ := cmd.Flags().GetString("source")
	target, _ := cmd.Flags().GetString("target")
	deleteSource, _ := cmd.Flags().GetBool("delete-source")

	req := migration.CreateRequest{
		Kind:              types.MigrationKind(kind),
		SourceID:          types.BackendID(source),
		TargetID:          types.BackendID(target),
		DeleteSourceAfter: deleteSource,
	}

	req.Filter.AlbumIDs, _ = cmd.Flags().GetInt64Slice("album")
	for flag, dst := range map[string]**time.Time{
		"taken-after":  &req.Filter.TakenAfter,
		"taken-before": &req.Filter.TakenBefore,
	} {
		raw, _ := cmd.Flags().GetString(flag)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return req, fmt.Errorf("parse --%s: %w", flag, err)
		}
		*dst = &ts
	}
	for flag, dst := range map[string]*int64{
		"min-size": &req.Filter.MinSize,
		"max-size": &req.Filter.MaxSize,
	} {
		raw, _ := cmd.Flags().GetString(flag)
		if raw == "" {
			continue
		}
		size, err := units.RAMInBytes(raw)
		if err != nil {
			return req, fmt.Errorf("parse --%s: %w", flag, err)
		}
		*dst = size
	}
	return req, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
