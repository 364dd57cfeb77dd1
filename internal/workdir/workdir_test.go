package workdir

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"simbroker/internal/apperrors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (dir, outside string) {
	t.Helper()
	base := t.TempDir()
	dir = filepath.Join(base, "job-1")
	outside = filepath.Join(base, "secret.txt")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inputs.json"), []byte(`{"x":2}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out", "log.txt"), []byte("step 1\n"), 0o644))
	require.NoError(t, os.WriteFile(outside, []byte("keep out"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "escape")))
	return dir, outside
}

func TestOpen(t *testing.T) {
	t.Parallel()
	dir, _ := setup(t)

	f, info, err := Open(dir, "out/log.txt")
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "step 1\n", string(data))
	assert.Equal(t, int64(7), info.Size())
}

func TestOpen_Errors(t *testing.T) {
	t.Parallel()
	dir, outside := setup(t)

	tests := []struct {
		name     string
		dir      string
		path     string
		sentinel error
	}{
		{"missing file", dir, "nope.txt", apperrors.ErrNotFound},
		{"no workdir", "", "inputs.json", apperrors.ErrNotFound},
		{"directory", dir, "out", apperrors.ErrValidation},
		{"dot dot", dir, "../secret.txt", apperrors.ErrValidation},
		{"absolute", dir, outside, apperrors.ErrValidation},
		{"symlink escape", dir, "escape", apperrors.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, _, err := Open(tt.dir, tt.path)
			if f != nil {
				f.Close()
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	dir, _ := setup(t)

	entries, err := List(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Name: "escape", Type: TypeSymlink},
		{Name: "inputs.json", Type: TypeFile},
		{Name: "out", Type: TypeDir},
	}, entries)

	entries, err = List(dir, "out")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Name: "log.txt", Type: TypeFile}}, entries)
}

func TestList_Errors(t *testing.T) {
	t.Parallel()
	dir, _ := setup(t)

	_, err := List(dir, "inputs.json")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = List(dir, "../")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = List(filepath.Join(dir, "gone"), ".")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEntry_MarshalJSON(t *testing.T) {
	t.Parallel()
	data, err := json.Marshal([]Entry{{Name: "out", Type: TypeDir}, {Name: "a.txt", Type: TypeFile}})
	require.NoError(t, err)
	assert.JSONEq(t, `[["out","d"],["a.txt","-"]]`, string(data))
}
