//go:build unix

package local

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/projecteru2/lumen/types"
)

func fsStats(root string) (types.StorageStats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return types.StorageStats{}, fmt.Errorf("statfs %s: %w", root, err)
	}
	total := int64(st.Blocks) * int64(st.Bsize) //nolint:gosec
	free := int64(st.Bavail) * int64(st.Bsize)  //nolint:gosec
	return types.StorageStats{UsedBytes: total - free, TotalBytes: total}, nil
}
