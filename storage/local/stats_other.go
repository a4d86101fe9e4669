//go:build !unix

package local

import "github.com/projecteru2/lumen/types"

// No statfs equivalent wired on this platform; report zeros.
func fsStats(string) (types.StorageStats, error) {
	return types.StorageStats{}, nil
}
