//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// statfs f_type values of the network filesystems SQLite cannot lock on.
var linuxNetworkMagic = map[int64]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
}

func detectFilesystemType(path string) (string, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	if name, ok := linuxNetworkMagic[int64(stat.Type)]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", uint64(stat.Type)), nil
}
