package job

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a job.
//
// NOTE: The numeric values are persisted and must not change. Positive
// values are normal states, zero and negative values are exceptional.
type Status int

const (
	StatusInvalid   Status = 0
	StatusScheduled Status = 1
	StatusRunning   Status = 2 // Never set: the executor has no started signal
	StatusDone      Status = 3
	StatusFailed    Status = -1
	StatusCancelled Status = -2
)

var statusNames = map[Status]string{
	StatusInvalid:   "INVALID",
	StatusScheduled: "SCHEDULED",
	StatusRunning:   "RUNNING",
	StatusDone:      "DONE",
	StatusFailed:    "FAILED",
	StatusCancelled: "CANCELLED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Active reports whether a live task should exist for the job.
func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusRunning
}

// Normal reports whether the job is scheduled, running or done.
func (s Status) Normal() bool {
	return s > 0
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(name string) (Status, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for s, n := range statusNames {
		if n == upper {
			return s, nil
		}
	}
	return StatusInvalid, fmt.Errorf("unknown job status %q", name)
}

// MarshalJSON encodes the status by name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a status name or its numeric value.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseStatus(name)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("job status must be a name or number: %w", err)
	}
	if _, ok := statusNames[Status(n)]; !ok {
		return fmt.Errorf("unknown job status %d", n)
	}
	*s = Status(n)
	return nil
}
