package util

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidName is returned for file names that would escape their directory.
var ErrInvalidName = errors.New("invalid file name")

// MediaExtensions lists the file extensions the detector accepts, lower-cased.
var MediaExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".mp4":  true,
	".avi":  true,
	".mov":  true,
}

// CleanFilename reduces a client-supplied name to a bare file name.
//
// Arguments:
//   - name: Name as received, possibly including directories.
//
// Returns:
//   - string: The base name.
//   - error: ErrInvalidName if nothing usable remains.
//
// @example
// name, err := CleanFilename("../../etc/passwd") // "passwd", nil
func CleanFilename(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return base, nil
}

// ResolveOutput joins name onto dir and checks the result stays inside dir.
// Unlike CleanFilename it rejects names with any directory component.
//
// Arguments:
//   - dir: Directory that owns the files.
//   - name: A bare file name.
//
// Returns:
//   - string: The joined path.
//   - error: ErrInvalidName for separators, ".." or empty names.
func ResolveOutput(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", errors.Wrapf(ErrInvalidName, "%q", name)
	}
	path := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel != name {
		return "", errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return path, nil
}

// ListMediaFiles returns the image and video files directly inside dir,
// sorted by name.
//
// Arguments:
//   - dir: Directory path containing media files.
//
// Returns:
//   - []string: Full paths of the matching files.
//   - error: Error if the directory cannot be read.
func ListMediaFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", dir)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if MediaExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Strings(files)
	return files, nil
}
