package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"fpai/internal/errkind"
	"fpai/internal/model"
)

// ScheduleMonitorJob inserts a MonitorJob in state scheduled, failing with
// Conflict if one is already scheduled or running for the document (
// invariant: at most one MonitorJob per document in scheduled ∨ running).
func (s *Store) ScheduleMonitorJob(ctx context.Context, documentID uuid.UUID, scheduledAt time.Time) (model.MonitorJob, error) {
	j := model.MonitorJob{
		ID:          uuid.New(),
		DocumentID:  documentID,
		ScheduledAt: scheduledAt,
		State:       model.MonitorJobScheduled,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitor_jobs (id, document_id, scheduled_at, dispatched_at, completed_at, state, attempt, last_error_kind)
		VALUES (?, ?, ?, NULL, NULL, ?, 0, '')`, j.ID.String(), j.DocumentID.String(), j.ScheduledAt, string(j.State))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return model.MonitorJob{}, errkind.Wrap(errkind.Conflict, err)
		}
		return model.MonitorJob{}, errkind.Wrap(errkind.Internal, err)
	}
	return j, nil
}

// TransitionMonitorJob moves a MonitorJob to a new state, stamping
// dispatched_at/completed_at and last_error_kind as appropriate.
func (s *Store) TransitionMonitorJob(ctx context.Context, id uuid.UUID, to model.MonitorJobState, lastErrorKind string) error {
	now := time.Now().UTC()
	var dispatchedAt, completedAt any
	switch to {
	case model.MonitorJobRunning:
		dispatchedAt = now
	case model.MonitorJobDone, model.MonitorJobFailed, model.MonitorJobCanceled:
		completedAt = now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE monitor_jobs SET state = ?, dispatched_at = COALESCE(?, dispatched_at),
			completed_at = COALESCE(?, completed_at), last_error_kind = ?
		WHERE id = ?`, string(to), dispatchedAt, completedAt, lastErrorKind, id.String())
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.Wrap(errkind.NotFound, errors.New("monitor job not found"))
	}
	return nil
}

// IncrementMonitorJobAttempt bumps the attempt counter, mirroring the job
// queue's redelivery accounting for monitor jobs.
func (s *Store) IncrementMonitorJobAttempt(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE monitor_jobs SET attempt = attempt + 1 WHERE id = ?`, id.String())
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

// ListDueDocuments returns documents whose next_monitor_at has passed,
// for the Monitor scheduler pool.
func (s *Store) ListDueDocuments(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM documents
		WHERE monitoring_enabled = 1 AND deleted_at IS NULL AND (next_monitor_at IS NULL OR next_monitor_at <= ?)
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
