//go:build !unix

package store

import "fmt"

// volumeQuota is unsupported on this platform; Usage surfaces this as a
// USAGE_UNAVAILABLE error.
func volumeQuota(dir string) (int64, error) {
	return 0, fmt.Errorf("volume capacity reporting not supported on this platform")
}
