// Package workdir gives read-only access to job working directories.
// Paths are resolved inside the directory with os.Root: neither ".." nor
// symbolic links can reach outside it.
package workdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"simbroker/internal/apperrors"
	"slices"
	"strings"
)

// Entry types as listed by List.
const (
	TypeSymlink = "l"
	TypeDir     = "d"
	TypeFile    = "-"
	TypeOther   = "?"
)

// Entry is one directory entry. It encodes as a [name, type] pair.
type Entry struct {
	Name string
	Type string
}

// MarshalJSON encodes the entry as a two-element array.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{e.Name, e.Type})
}

// Open opens the regular file name inside dir. The caller closes it.
func Open(dir, name string) (*os.File, fs.FileInfo, error) {
	f, err := openIn(dir, name)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, apperrors.Internal("workdir.stat", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, apperrors.Validation("path", fmt.Sprintf("%s is a directory", name))
	}
	return f, info, nil
}

// List returns the entries of directory name inside dir, sorted by name.
func List(dir, name string) ([]Entry, error) {
	f, err := openIn(dir, name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dirents, err := f.ReadDir(-1)
	if err != nil {
		return nil, apperrors.Validation("path", fmt.Sprintf("%s is not a directory", name))
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		entries = append(entries, Entry{Name: de.Name(), Type: typeOf(de.Type())})
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return entries, nil
}

func typeOf(mode fs.FileMode) string {
	switch {
	case mode&fs.ModeSymlink != 0:
		return TypeSymlink
	case mode.IsDir():
		return TypeDir
	case mode.IsRegular():
		return TypeFile
	default:
		return TypeOther
	}
}

func openIn(dir, name string) (*os.File, error) {
	if dir == "" {
		return nil, apperrors.NotFound("workdir", name)
	}
	if name == "" {
		name = "."
	}
	if !filepath.IsLocal(name) && filepath.Clean(name) != "." {
		return nil, apperrors.Validation("path", fmt.Sprintf("%s is outside the job directory", name))
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, classify(dir, err)
	}
	defer root.Close()

	f, err := root.Open(name)
	if err != nil {
		return nil, classify(name, err)
	}
	return f, nil
}

func classify(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return apperrors.NotFound("file", name)
	}
	return apperrors.Validation("path", fmt.Sprintf("cannot open %s: %v", name, err))
}
