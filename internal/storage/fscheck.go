package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks a path that resolves to a network mount.
var ErrNetworkFilesystem = errors.New("network filesystem")

var networkFilesystems = map[string]struct{}{
	"9p":         {},
	"afpfs":      {},
	"afs":        {},
	"cifs":       {},
	"fuse.sshfs": {},
	"ncpfs":      {},
	"nfs":        {},
	"nfs4":       {},
	"smb2":       {},
	"smbfs":      {},
	"sshfs":      {},
	"webdav":     {},
}

type detectFunc func(path string) (string, error)

// Mount is the filesystem holding a path. Path is the nearest ancestor that
// exists, which is what was inspected.
type Mount struct {
	Path string
	Type string
}

// Network reports whether the mount is a known network filesystem.
func (m Mount) Network() bool {
	_, ok := networkFilesystems[strings.ToLower(strings.TrimSpace(m.Type))]
	return ok
}

// Probe detects the filesystem that path lives on, or would live on once
// created. On platforms without detection the error wraps
// errors.ErrUnsupported.
func Probe(path string) (Mount, error) {
	return probe(path, detectFilesystemType)
}

func probe(path string, detect detectFunc) (Mount, error) {
	if path == "" {
		return Mount{}, errors.New("path is empty")
	}
	existing, err := nearestExisting(path)
	if err != nil {
		return Mount{}, fmt.Errorf("resolve %q: %w", path, err)
	}
	fsType, err := detect(existing)
	if err != nil {
		return Mount{Path: existing}, fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	return Mount{Path: existing, Type: fsType}, nil
}

// CheckLocalPath fails with ErrNetworkFilesystem when path is on a network
// mount. Undetectable platforms pass.
func CheckLocalPath(path string) error {
	return checkLocal(path, detectFilesystemType)
}

func checkLocal(path string, detect detectFunc) error {
	m, err := probe(path, detect)
	if errors.Is(err, errors.ErrUnsupported) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.Network() {
		return fmt.Errorf("%w: %q is on %s", ErrNetworkFilesystem, path, m.Type)
	}
	return nil
}

// CheckSQLitePath reports whether path can hold the notes database without
// creating anything.
func CheckSQLitePath(path string) error {
	return checkSQLite(path, detectFilesystemType)
}

func checkSQLite(path string, detect detectFunc) error {
	if path == MemoryPath {
		return nil
	}
	if path == "" {
		return errors.New("sqlite path is empty")
	}
	err := checkLocal(path, detect)
	if errors.Is(err, ErrNetworkFilesystem) {
		return fmt.Errorf("%w; SQLite needs a local filesystem for reliable locking, point notes.db_path (or NOTES_DB) at local disk", err)
	}
	return err
}

func nearestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; {
		_, err := os.Stat(dir)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		dir = parent
	}
}
