package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem is returned when a journal path resolves to a
// filesystem where SQLite's advisory locks are unreliable.
var ErrNetworkFilesystem = errors.New("journal must be on a local filesystem")

// Filesystem describes where a journal path would live.
type Filesystem struct {
	// Dir is the nearest existing ancestor of the journal path, the one
	// statfs was run against.
	Dir string
	// Type is the filesystem name, or its hex magic when unnamed.
	Type string
}

var remoteFilesystems = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

type fsDetector func(dir string) (string, error)

// CheckJournalPath reports the filesystem a journal at path would be created
// on. The error wraps ErrNetworkFilesystem when that filesystem is remote.
func CheckJournalPath(path string) (Filesystem, error) {
	return checkJournalPath(path, detectFilesystemType)
}

func checkJournalPath(path string, detect fsDetector) (Filesystem, error) {
	if path == "" {
		return Filesystem{}, errors.New("journal path is empty")
	}

	dir, err := existingAncestor(path)
	if err != nil {
		return Filesystem{}, fmt.Errorf("resolve journal path %q: %w", path, err)
	}
	fsType, err := detect(dir)
	if err != nil {
		return Filesystem{Dir: dir}, fmt.Errorf("detect filesystem of %q: %w", dir, err)
	}

	fs := Filesystem{Dir: dir, Type: fsType}
	if isRemote(fsType) {
		return fs, fmt.Errorf("%w: %q is on %s; set journal.path to a local file or leave it empty",
			ErrNetworkFilesystem, path, fsType)
	}
	return fs, nil
}

// existingAncestor walks up from path until it finds something that exists.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor of %q", abs)
		}
		dir = parent
	}
}

func isRemote(fsType string) bool {
	return remoteFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
}
