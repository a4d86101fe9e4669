package migration

// Phase represents a stage in a migration task's lifecycle.
type Phase int

const (
	PhasePlan   Phase = iota // File set resolved, counts known.
	PhaseFile                // A single file finished (success or failure).
	PhasePaused              // Task paused; no more files until resume.
	PhaseDone                // Task reached a terminal status.
)

// Event describes a single migration progress update.
type Event struct {
	Phase     Phase
	TaskID    int64
	Total     int
	Processed int
	Failed    int
	// Status is the task status string for PhaseDone and PhasePaused.
	Status string
}
