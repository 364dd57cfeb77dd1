package job

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStatusPredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status Status
		active bool
		normal bool
	}{
		{StatusInvalid, false, false},
		{StatusScheduled, true, true},
		{StatusRunning, true, true},
		{StatusDone, false, true},
		{StatusFailed, false, false},
		{StatusCancelled, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			t.Parallel()
			if got := tt.status.Active(); got != tt.active {
				t.Errorf("Active() = %v, want %v", got, tt.active)
			}
			if got := tt.status.Normal(); got != tt.normal {
				t.Errorf("Normal() = %v, want %v", got, tt.normal)
			}
		})
	}
}

func TestStatusJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(StatusCancelled)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"CANCELLED"` {
		t.Errorf("Marshal = %s, want \"CANCELLED\"", data)
	}

	var s Status
	if err := json.Unmarshal([]byte(`"done"`), &s); err != nil || s != StatusDone {
		t.Errorf("Unmarshal name = %v, %v; want DONE", s, err)
	}
	if err := json.Unmarshal([]byte(`-1`), &s); err != nil || s != StatusFailed {
		t.Errorf("Unmarshal number = %v, %v; want FAILED", s, err)
	}
	if err := json.Unmarshal([]byte(`7`), &s); err == nil {
		t.Error("expected error for unknown status number")
	}
	if _, err := ParseStatus("bogus"); err == nil {
		t.Error("expected error for unknown status name")
	}
}

func TestNewMergesDefaults(t *testing.T) {
	t.Parallel()

	defaults := map[string]any{"x": 1.0, "steps": 10.0}
	j := New(map[string]any{"x": 2.0, "y": 3.0}, defaults)

	if j.Status != StatusInvalid {
		t.Errorf("Status = %v, want INVALID", j.Status)
	}
	want := map[string]any{"x": 2.0, "y": 3.0, "steps": 10.0}
	if len(j.Inputs) != len(want) {
		t.Fatalf("Inputs = %v, want %v", j.Inputs, want)
	}
	for k, v := range want {
		if j.Inputs[k] != v {
			t.Errorf("Inputs[%q] = %v, want %v", k, j.Inputs[k], v)
		}
	}
	if defaults["x"] != 1.0 {
		t.Error("defaults were modified")
	}
}

// checkInvariants asserts that results only exist on DONE and errors only
// on FAILED or INVALID.
func checkInvariants(t *testing.T, j *Job) {
	t.Helper()
	if len(j.Results) > 0 && j.Status != StatusDone {
		t.Errorf("results set with status %v", j.Status)
	}
	hasErr := j.Status == StatusFailed || j.Status == StatusInvalid
	if hasErr && !j.HasError() {
		t.Errorf("status %v without error", j.Status)
	}
	if !hasErr && j.HasError() {
		t.Errorf("error %q set with status %v", j.Error, j.Status)
	}
}

func TestTransitionsKeepInvariants(t *testing.T) {
	t.Parallel()

	j := New(nil, nil)
	j.Status = StatusScheduled
	j.SetDone(map[string]any{"sum": 5.0})
	checkInvariants(t, j)
	if j.Results["sum"] != 5.0 {
		t.Errorf("Results = %v", j.Results)
	}

	j.SetFailed("boom")
	checkInvariants(t, j)

	j.Status = StatusScheduled
	j.Error = ""
	j.SetCancelled()
	checkInvariants(t, j)
	if j.Status != StatusCancelled {
		t.Errorf("Status = %v, want CANCELLED", j.Status)
	}

	j.SetInvalid("orphaned")
	j.SetCancelled()
	checkInvariants(t, j)
	if j.Status != StatusInvalid {
		t.Errorf("cancellation downgraded INVALID to %v", j.Status)
	}
}

func TestNextID(t *testing.T) {
	t.Parallel()

	fixed := func(v int64) func(int64) int64 {
		return func(n int64) int64 {
			if v >= n {
				t.Fatalf("randN(%d) asked, fixture returns %d", n, v)
			}
			return v
		}
	}
	noRand := func(int64) int64 {
		t.Fatal("randN should not be called")
		return 0
	}

	tests := []struct {
		name  string
		maxID int64
		count int
		randN func(int64) int64
		want  int64
	}{
		{"empty store", 0, 0, noRand, 1},
		{"dense ids", 5, 5, noRand, 6},
		{"at sparse threshold", 100, 10, noRand, 101},
		{"sparse ids draw at random", 101, 10, fixed(41), 42},
		{"random lower bound", 1000, 1, fixed(0), 1},
		{"random upper bound", 1000, 1, fixed(999), 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextID(tt.maxID, tt.count, tt.randN); got != tt.want {
				t.Errorf("NextID(%d, %d) = %d, want %d", tt.maxID, tt.count, got, tt.want)
			}
		})
	}
}

func TestCloseWithoutWorkdir(t *testing.T) {
	t.Parallel()

	j := New(nil, nil)
	if !j.Close() {
		t.Error("Close() = false for a job without workdir")
	}
}

func TestCloseRemovesWorkdir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "job-1")
	if err := os.MkdirAll(filepath.Join(dir, "out", "deep"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"inputs.json", "out/a.txt", "out/deep/b.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	j := &Job{Status: StatusDone, Workdir: dir}
	if !j.Close() {
		t.Fatalf("Close() = false, error: %s", j.Error)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("workdir still exists: %v", err)
	}
	if j.Workdir != "" {
		t.Errorf("Workdir = %q, want cleared", j.Workdir)
	}
	if j.Status != StatusDone {
		t.Errorf("Status = %v, want DONE", j.Status)
	}

	// Idempotent once the directory is gone.
	j.Workdir = dir
	if !j.Close() {
		t.Error("second Close() = false")
	}
}

func TestCloseDoesNotFollowSymlinks(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	outside := filepath.Join(base, "outside")
	if err := os.Mkdir(outside, 0o755); err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(outside, "keep.txt")
	if err := os.WriteFile(keep, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(base, "job-2")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	j := &Job{Status: StatusDone, Workdir: dir}
	if !j.Close() {
		t.Fatalf("Close() = false, error: %s", j.Error)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("file outside workdir removed: %v", err)
	}
}

func TestCloseReportsFailure(t *testing.T) {
	t.Parallel()

	// A regular file where a directory is expected cannot be opened as a root.
	path := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	j := &Job{Status: StatusDone, Results: map[string]any{"sum": 1.0}, Workdir: path}
	if j.Close() {
		t.Fatal("Close() = true, want false")
	}
	if j.Status != StatusInvalid {
		t.Errorf("Status = %v, want INVALID", j.Status)
	}
	if !strings.HasPrefix(j.Error, "Error on closing job, on deleting "+path) {
		t.Errorf("Error = %q", j.Error)
	}
	if j.Workdir != path {
		t.Errorf("Workdir = %q, want kept", j.Workdir)
	}
	checkInvariants(t, j)
}

func TestCloseSkipsUnconfinedPlatforms(t *testing.T) {
	prev := confinedRemoval
	confinedRemoval = false
	t.Cleanup(func() { confinedRemoval = prev })

	dir := t.TempDir()
	j := &Job{Status: StatusDone, Workdir: dir}
	if !j.Close() {
		t.Error("Close() = false, want true when deletion is skipped")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("workdir removed on unconfined platform: %v", err)
	}
}
