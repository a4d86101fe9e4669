package smartalbum

// Phase represents a stage in a smart-album generation run.
type Phase int

const (
	PhaseCollect Phase = iota // Gathering embeddings for the model.
	PhaseCluster              // Clustering service call in flight.
	PhaseCommit               // Writing albums and memberships.
	PhaseDone                 // Run finished (inspect Err for outcome).
)

// Event describes a single smart-album generation update.
type Event struct {
	Phase Phase
	// Vectors is the number of embeddings sent to the clustering service.
	Vectors int
	// Albums is the number of albums created (commit and done phases).
	Albums int
	Err    error
}
