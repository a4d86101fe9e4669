package types

// StorageStats is one backend's capacity report.
type StorageStats struct {
	UsedBytes  int64 `json:"used_bytes"`
	TotalBytes int64 `json:"total_bytes"`
}

// BackendStats is one entry of the aggregate stats the manager exposes.
// Backends whose stats call failed contribute zeros, not errors.
type BackendStats struct {
	ID          BackendID `json:"id"`
	DisplayName string    `json:"display_name"`
	UsedBytes   int64     `json:"used_bytes"`
	TotalBytes  int64     `json:"total_bytes"`
	IsDefault   bool      `json:"is_default"`
}
