package admin

import "github.com/spf13/cobra"

// Actions defines offline administration operations. They talk to the
// catalog directly; a running server picks up queue writes via discovery.
type Actions interface {
	StorageList(cmd *cobra.Command, args []string) error
	StorageSetDefault(cmd *cobra.Command, args []string) error

	MigrateRun(cmd *cobra.Command, args []string) error
	MigrateList(cmd *cobra.Command, args []string) error
	MigrateRecords(cmd *cobra.Command, args []string) error
	MigrateRollback(cmd *cobra.Command, args []string) error
	MigrateDismiss(cmd *cobra.Command, args []string) error

	QueueList(cmd *cobra.Command, args []string) error
	QueueRetry(cmd *cobra.Command, args []string) error
	QueueIgnore(cmd *cobra.Command, args []string) error

	SmartAlbum(cmd *cobra.Command, args []string) error
}

// Commands builds the storage, migrate, queue and smart-album command sets.
func Commands(h Actions) []*cobra.Command {
	return []*cobra.Command{
		storageCommand(h),
		migrateCommand(h),
		queueCommand(h),
		{
			Use:   "smart-album MODEL",
			Short: "Queue smart album generation for an embedding model",
			Args:  cobra.ExactArgs(1),
			RunE:  h.SmartAlbum,
		},
	}
}

func storageCommand(h Actions) *cobra.Command {
	storageCmd := &cobra.Command{
		Use:   "storage",
		Short: "Manage storage backends",
	}
	storageCmd.AddCommand(
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List configured backends with usage stats",
			RunE:    h.StorageList,
		},
		&cobra.Command{
			Use:   "set-default BACKEND",
			Short: "Persist a new default backend for uploads",
			Args:  cobra.ExactArgs(1),
			RunE:  h.StorageSetDefault,
		},
	)
	return storageCmd
}

func migrateCommand(h Actions) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move blobs between storage backends",
	}

	runCmd := &cobra.Command{
		Use:   "run --source SRC --target DST",
		Short: "Plan and run a migration in the foreground (Ctrl-C pauses)",
		RunE:  h.MigrateRun,
	}
	runCmd.Flags().String("kind", "original", "which blob to move (original|thumbnail)")
	runCmd.Flags().String("source", "", "source backend id")
	runCmd.Flags().String("target", "", "target backend id")
	runCmd.Flags().Bool("delete-source", false, "delete the source blob after a successful copy")
	runCmd.Flags().Int64Slice("album", nil, "restrict to album id (repeatable)")
	runCmd.Flags().String("taken-after", "", "restrict to photos taken after DATE (2006-01-02)")
	runCmd.Flags().String("taken-before", "", "restrict to photos taken before DATE (2006-01-02)")
	runCmd.Flags().String("min-size", "", "restrict to files of at least SIZE (e.g. 10M)")
	runCmd.Flags().String("max-size", "", "restrict to files of at most SIZE")
	runCmd.Flags().Bool("dry-run", false, "print the matched file count and total size, then exit")
	_ = runCmd.MarkFlagRequired("source")
	_ = runCmd.MarkFlagRequired("target")

	recordsCmd := &cobra.Command{
		Use:   "records TASK",
		Short: "List per-file records of a migration task",
		Args:  cobra.ExactArgs(1),
		RunE:  h.MigrateRecords,
	}
	recordsCmd.Flags().String("status", "", "filter by record status (pending|in_progress|success|failed|cancelled)")

	migrateCmd.AddCommand(
		runCmd,
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List migration tasks",
			RunE:    h.MigrateList,
		},
		recordsCmd,
		&cobra.Command{
			Use:   "rollback TASK",
			Short: "Run the reverse migration of a finished task",
			Args:  cobra.ExactArgs(1),
			RunE:  h.MigrateRollback,
		},
		&cobra.Command{
			Use:   "dismiss TASK",
			Short: "Delete a finished task and its records",
			Args:  cobra.ExactArgs(1),
			RunE:  h.MigrateDismiss,
		},
	)
	return migrateCmd
}

func queueCommand(h Actions) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair AI task queues",
	}
	queueCmd.AddCommand(
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List queues with pending/failed counts",
			RunE:    h.QueueList,
		},
		&cobra.Command{
			Use:   "retry QUEUE [ITEM]",
			Short: "Re-queue one failed item, or all failed items of a queue",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  h.QueueRetry,
		},
		&cobra.Command{
			Use:   "ignore QUEUE ITEM",
			Short: "Drop a failed item without retrying it",
			Args:  cobra.ExactArgs(2),
			RunE:  h.QueueIgnore,
		},
	)
	return queueCmd
}
