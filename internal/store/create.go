package store

import (
	"fmt"
	"math/rand/v2"
	"simbroker/internal/apperrors"
	"simbroker/internal/job"
)

// maxIDAttempts bounds the optimistic insert loop. A random draw in a
// space at most one tenth full succeeds with probability above 0.9, so
// reaching the bound means the store is inconsistent.
const maxIDAttempts = 1000

// CreateJob builds an INVALID job from inputs and the store defaults and
// inserts it under a fresh id.
func CreateJob(tx *Tx, inputs map[string]any) (int64, *job.Job, error) {
	return createJob(tx, inputs, rand.Int64N)
}

func createJob(tx *Tx, inputs map[string]any, randN func(int64) int64) (int64, *job.Job, error) {
	defaults, err := tx.Defaults()
	if err != nil {
		return 0, nil, err
	}
	j := job.New(inputs, defaults)

	for range maxIDAttempts {
		maxID, count, err := tx.JobStats()
		if err != nil {
			return 0, nil, err
		}
		id := job.NextID(maxID, count, randN)
		inserted, err := tx.InsertJob(id, j)
		if err != nil {
			return 0, nil, err
		}
		if inserted {
			return id, j, nil
		}
	}
	return 0, nil, apperrors.Conflict("job", fmt.Sprintf("no free job id after %d attempts", maxIDAttempts), nil)
}
