package service

import (
	"context"
	"log/slog"
	"simbroker/internal/job"
	"simbroker/internal/store"
)

// DeleteOutcome is what happened to a job on deletion.
type DeleteOutcome int

const (
	// Deleted means the job and its workdir are gone.
	Deleted DeleteOutcome = iota
	// Pending means the job is removed once its computation is cancelled.
	Pending
	// Failed means the workdir could not be removed; the job is kept
	// with the error.
	Failed
)

// DeleteResult reports the deletion of one job.
type DeleteResult struct {
	Outcome  DeleteOutcome
	Previous job.Status // status before deletion
	Error    string     // job error when Failed
}

// DeleteAllResult totals a bulk deletion.
type DeleteAllResult struct {
	Total   int
	Pending int
	Failed  int
}

// Delete cancels a job's computation, removing the job when cancelled,
// or removes a job without one.
func (s *Service) Delete(ctx context.Context, id int64) (DeleteResult, error) {
	var res DeleteResult
	err := s.store.Transact(ctx, "delete_job", func(tx *store.Tx) error {
		j, err := tx.Job(id)
		if err != nil {
			return err
		}
		res.Previous = j.Status
		res.Outcome, err = s.deleteJob(tx, id, j)
		if res.Outcome == Failed {
			res.Error = j.Error
		}
		return err
	})
	if err != nil {
		return DeleteResult{}, err
	}
	s.logDelete(id, res.Outcome)
	return res, nil
}

// DeleteAll deletes every job.
func (s *Service) DeleteAll(ctx context.Context) (DeleteAllResult, error) {
	var res DeleteAllResult
	err := s.store.Transact(ctx, "delete_all_jobs", func(tx *store.Tx) error {
		res = DeleteAllResult{}
		ids, err := tx.JobIDs()
		if err != nil {
			return err
		}
		res.Total = len(ids)
		for _, id := range ids {
			j, err := tx.Job(id)
			if err != nil {
				return err
			}
			outcome, err := s.deleteJob(tx, id, j)
			if err != nil {
				return err
			}
			switch outcome {
			case Pending:
				res.Pending++
			case Failed:
				res.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return DeleteAllResult{}, err
	}
	s.logger.Info("All jobs deleted", "total", res.Total, "pending", res.Pending, "failed", res.Failed)
	return res, nil
}

func (s *Service) deleteJob(tx *store.Tx, id int64, j *job.Job) (DeleteOutcome, error) {
	j.SetCancelled()
	if s.orch.Cancel(id, true) {
		return Pending, nil
	}
	if !j.Close() {
		return Failed, nil
	}
	return Deleted, tx.DeleteJob(id)
}

func (s *Service) logDelete(id int64, outcome DeleteOutcome) {
	level := slog.LevelInfo
	msg := "Job deleted"
	switch outcome {
	case Pending:
		msg = "Job deletion pending cancellation"
	case Failed:
		level = slog.LevelWarn
		msg = "Job deletion failed"
	}
	s.logger.Log(context.Background(), level, msg, "jobId", id)
}
