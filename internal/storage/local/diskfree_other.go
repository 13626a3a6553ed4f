//go:build !unix

package local

// diskFree is unknown on this platform; the free-space floor is not enforced.
func diskFree(string) (int64, error) { return -1, nil }
