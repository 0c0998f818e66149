//go:build unix

package store

import "golang.org/x/sys/unix"

// volumeQuota returns the total capacity in bytes of the volume holding dir.
func volumeQuota(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Blocks) * int64(st.Bsize), nil
}
