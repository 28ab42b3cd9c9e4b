//go:build !darwin && !linux

package storage

// detectFilesystemType reports an unknown local filesystem where statfs
// cannot name it, so the journal still opens.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
