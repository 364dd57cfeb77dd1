package job

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"slices"
)

// confinedRemoval reports whether os.Root resolves every path relative to
// an open directory handle. Where it does not, a concurrent writer could
// redirect a recursive delete through a symlink, so deletion is skipped
// and the working directory is leaked instead.
var confinedRemoval = runtime.GOOS != "js" && runtime.GOOS != "plan9"

// Close releases the job's working directory.
//
// It returns false when some path could not be removed. The job is then
// flagged INVALID with a report of every failure, and the caller must keep
// the record so the leaked files stay traceable. Close never returns an
// error and may be called again after a failure.
func (j *Job) Close() bool {
	if j.Workdir == "" {
		return true
	}
	if !confinedRemoval {
		return true
	}

	failed := false
	report := func(path string, err error) {
		if !failed {
			failed = true
			j.SetInvalid(fmt.Sprintf("Error on closing job, on deleting %s:\n%v\n", path, err))
			return
		}
		j.Error += fmt.Sprintf("Failed to delete %s.\n", path)
	}

	if err := removeTree(j.Workdir, report); err != nil {
		report(j.Workdir, err)
	}
	if failed {
		return false
	}
	j.Workdir = ""
	return true
}

// removeTree deletes dir and everything below it without following
// symlinks out of dir. Failures on individual paths are passed to report;
// the returned error concerns dir itself.
func removeTree(dir string, report func(path string, err error)) error {
	root, err := os.OpenRoot(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var paths []string
	walkErr := fs.WalkDir(root.FS(), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			report(dir+"/"+path, err)
			return nil
		}
		if path != "." {
			paths = append(paths, path)
		}
		return nil
	})
	if walkErr != nil {
		report(dir, walkErr)
	}

	// Pre-order reversed puts every entry before its parent directory.
	for _, path := range slices.Backward(paths) {
		if err := root.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			report(dir+"/"+path, err)
		}
	}
	_ = root.Close()

	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
