package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"simbroker/internal/apperrors"
	"simbroker/internal/job"
	"strconv"
)

var (
	jobPrefix   = []byte("job/")
	defaultsKey = []byte("defaults")

	errReadOnly = errors.New("store: write in read-only transaction")
)

// ErrJobNotFound classifies lookups of missing jobs.
var ErrJobNotFound = apperrors.ErrNotFound

func jobKey(id int64) []byte {
	key := make([]byte, len(jobPrefix)+8)
	copy(key, jobPrefix)
	binary.BigEndian.PutUint64(key[len(jobPrefix):], uint64(id))
	return key
}

func parseJobKey(key []byte) (int64, bool) {
	if !bytes.HasPrefix(key, jobPrefix) || len(key) != len(jobPrefix)+8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(key[len(jobPrefix):])), true
}

// loaded tracks a job handed out by a Tx together with the encoding it
// had when loaded or last written.
type loaded struct {
	job     *job.Job
	encoded []byte
}

// Tx is a store transaction.
//
// Within one Tx, Job returns the same pointer for the same id, and every
// job it handed out is saved at commit if it was modified. Callers mutate
// jobs in place; PutJob is only needed for jobs not obtained from the Tx.
type Tx struct {
	kv       kvTx
	writable bool
	jobs     map[int64]*loaded
}

func newTx(kv kvTx, writable bool) *Tx {
	return &Tx{
		kv:       kv,
		writable: writable,
		jobs:     make(map[int64]*loaded),
	}
}

// Writable reports whether the transaction can modify the store.
func (tx *Tx) Writable() bool {
	return tx.writable
}

// Job returns the job with the given id. Missing jobs yield an error
// matching ErrJobNotFound.
func (tx *Tx) Job(id int64) (*job.Job, error) {
	if l, ok := tx.jobs[id]; ok {
		return l.job, nil
	}

	data, err := tx.kv.get(jobKey(id))
	if errors.Is(err, errKeyNotFound) {
		return nil, apperrors.NotFound("job", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job %d: %w", id, err)
	}
	tx.jobs[id] = &loaded{job: &j, encoded: data}
	return &j, nil
}

// HasJob reports whether a job exists.
func (tx *Tx) HasJob(id int64) (bool, error) {
	_, err := tx.Job(id)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	return err == nil, err
}

// InsertJob stores j under id unless the id is taken. It reports whether
// the job was inserted.
func (tx *Tx) InsertJob(id int64, j *job.Job) (bool, error) {
	exists, err := tx.HasJob(id)
	if err != nil || exists {
		return false, err
	}
	if err := tx.PutJob(id, j); err != nil {
		return false, err
	}
	return true, nil
}

// PutJob stores j under id, replacing any previous record.
func (tx *Tx) PutJob(id int64, j *job.Job) error {
	if id <= 0 {
		return apperrors.Validation("id", "job id must be positive")
	}
	if !tx.writable {
		return errReadOnly
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %d: %w", id, err)
	}
	if err := tx.kv.set(jobKey(id), data); err != nil {
		return fmt.Errorf("put job %d: %w", id, err)
	}
	tx.jobs[id] = &loaded{job: j, encoded: data}
	return nil
}

// DeleteJob removes a job. Deleting a missing job is not an error.
func (tx *Tx) DeleteJob(id int64) error {
	if !tx.writable {
		return errReadOnly
	}
	if err := tx.kv.delete(jobKey(id)); err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	delete(tx.jobs, id)
	return nil
}

// JobIDs returns all job ids in ascending order.
func (tx *Tx) JobIDs() ([]int64, error) {
	var ids []int64
	err := tx.kv.scan(jobPrefix, func(key, _ []byte) error {
		if id, ok := parseJobKey(key); ok {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	return ids, nil
}

// ForEachJob calls fn for every job in ascending id order and stops at
// the first error.
func (tx *Tx) ForEachJob(fn func(id int64, j *job.Job) error) error {
	ids, err := tx.JobIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		j, err := tx.Job(id)
		if err != nil {
			return err
		}
		if err := fn(id, j); err != nil {
			return err
		}
	}
	return nil
}

// JobStats returns the largest job id and the number of jobs.
func (tx *Tx) JobStats() (maxID int64, count int, err error) {
	ids, err := tx.JobIDs()
	if err != nil || len(ids) == 0 {
		return 0, 0, err
	}
	return ids[len(ids)-1], len(ids), nil
}

// Defaults returns the store-wide default inputs.
func (tx *Tx) Defaults() (map[string]any, error) {
	data, err := tx.kv.get(defaultsKey)
	if errors.Is(err, errKeyNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get defaults: %w", err)
	}
	defaults := map[string]any{}
	if err := json.Unmarshal(data, &defaults); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	return defaults, nil
}

// SetDefaults replaces the store-wide default inputs.
func (tx *Tx) SetDefaults(defaults map[string]any) error {
	if !tx.writable {
		return errReadOnly
	}
	if defaults == nil {
		defaults = map[string]any{}
	}
	data, err := json.Marshal(defaults)
	if err != nil {
		return apperrors.Validation("defaults", fmt.Sprintf("defaults are not JSON encodable: %v", err))
	}
	if err := tx.kv.set(defaultsKey, data); err != nil {
		return fmt.Errorf("put defaults: %w", err)
	}
	return nil
}

// writeBack saves every handed-out job whose encoding changed.
func (tx *Tx) writeBack() error {
	if !tx.writable {
		return nil
	}
	for id, l := range tx.jobs {
		data, err := json.Marshal(l.job)
		if err != nil {
			return fmt.Errorf("encode job %d: %w", id, err)
		}
		if bytes.Equal(data, l.encoded) {
			continue
		}
		if err := tx.kv.set(jobKey(id), data); err != nil {
			return fmt.Errorf("put job %d: %w", id, err)
		}
		l.encoded = data
	}
	return nil
}
