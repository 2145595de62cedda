// Репозиторий заданий. Очереди шедулера подпираются таблицей jobs: задание
// переживает рестарт, повторная постановка несёт earliest-run-at (not_before),
// терминальные состояния хранят причину завершения.

package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// JobKind — тип задания; совпадает с приоритетными классами шедулера.
type JobKind string

const (
	JobArchive   JobKind = "archive"
	JobForward   JobKind = "forward"
	JobDiscovery JobKind = "discovery"
)

// JobState — состояние задания.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Job — строка таблицы jobs. Payload — JSON-спецификация конкретного конвейера.
type Job struct {
	ID        string
	Kind      JobKind
	State     JobState
	Payload   string
	Cursor    string
	Attempts  int
	NotBefore time.Time
	Cause     string
	Pinned    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnqueueJob ставит новое задание в состояние queued.
func (s *Store) EnqueueJob(ctx context.Context, j Job) error {
	now := time.Now().UTC()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO jobs (id, kind, state, payload, cursor, attempts, not_before, cause, pinned, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 0, ?, '', ?, ?, ?)`,
			j.ID, string(j.Kind), string(JobQueued), j.Payload, j.Cursor,
			unixOrZero(j.NotBefore), boolToInt(j.Pinned), now.Unix(), now.Unix())
		return err
	})
}

// DueJobs возвращает задания kind, готовые к запуску (queued и not_before в
// прошлом), закреплённые оператором первыми, затем самые старые.
func (s *Store) DueJobs(ctx context.Context, kind JobKind, now time.Time, limit int) ([]Job, error) {
	var out []Job
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT id, kind, state, payload, cursor, attempts, not_before, cause, pinned, created_at, updated_at
FROM jobs
WHERE kind = ? AND state = ? AND not_before <= ?
ORDER BY pinned DESC, created_at
LIMIT ?`, string(kind), string(JobQueued), now.Unix(), limit)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			out = append(out, j)
		}
		return rows.Err()
	})
	return out, err
}

// CountJobs — число заданий kind в нетерминальных состояниях (backpressure).
func (s *Store) CountJobs(ctx context.Context, kind JobKind) (int, error) {
	var n int
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM jobs WHERE kind = ? AND state IN (?, ?)`,
			string(kind), string(JobQueued), string(JobRunning)).Scan(&n)
	})
	return n, err
}

// GetJob читает одно задание.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT id, kind, state, payload, cursor, attempts, not_before, cause, pinned, created_at, updated_at
FROM jobs WHERE id = ?`, id)
		var err error
		j, err = scanJob(row)
		return err
	})
	return j, err
}

// MarkJobRunning переводит queued → running, защищаясь от двойного захвата.
// Возвращает false, если задание уже забрал другой воркер. Счётчик попыток
// не трогается: захват — не отказ.
func (s *Store) MarkJobRunning(ctx context.Context, id string) (bool, error) {
	var claimed bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET state = ?, updated_at = ?
WHERE id = ? AND state = ?`,
			string(JobRunning), time.Now().UTC().Unix(), id, string(JobQueued))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		claimed = n == 1
		return err
	})
	return claimed, err
}

// RecordJobFailure увеличивает счётчик попыток и возвращает новое значение.
// Вызывается только на наблюдаемых отказах раннера: перепостановки,
// отложенные повторы и рестарты процесса попытками не считаются.
func (s *Store) RecordJobFailure(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE jobs SET attempts = attempts + 1, updated_at = ? WHERE id = ?",
			time.Now().UTC().Unix(), id); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			"SELECT attempts FROM jobs WHERE id = ?", id).Scan(&attempts)
	})
	return attempts, err
}

// UpdateJobCursorTx продвигает курсор прогресса внутри батч-транзакции конвейера.
func UpdateJobCursorTx(ctx context.Context, tx *sql.Tx, id, cursor string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE jobs SET cursor = ?, updated_at = ? WHERE id = ?",
		cursor, time.Now().UTC().Unix(), id)
	return err
}

// FinishJob переводит задание в терминальное состояние с причиной.
func (s *Store) FinishJob(ctx context.Context, id string, state JobState, cause string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE jobs SET state = ?, cause = ?, updated_at = ? WHERE id = ?",
			string(state), cause, time.Now().UTC().Unix(), id)
		return err
	})
}

// RequeueJob возвращает running-задание в очередь с earliest-run-at.
func (s *Store) RequeueJob(ctx context.Context, id string, notBefore time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE jobs SET state = ?, not_before = ?, updated_at = ? WHERE id = ?",
			string(JobQueued), notBefore.Unix(), time.Now().UTC().Unix(), id)
		return err
	})
}

// RecoverRunningJobs возвращает running-задания в очередь (рестарт процесса:
// незавершённые батчи откатились, продолжение безопасно с чекпоинта).
func (s *Store) RecoverRunningJobs(ctx context.Context) (int64, error) {
	var n int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE jobs SET state = ?, updated_at = ? WHERE state = ?",
			string(JobQueued), time.Now().UTC().Unix(), string(JobRunning))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var kind, state string
	var notBefore, created, updated int64
	var pinned int
	if err := r.Scan(&j.ID, &kind, &state, &j.Payload, &j.Cursor, &j.Attempts,
		&notBefore, &j.Cause, &pinned, &created, &updated); err != nil {
		return j, err
	}
	j.Kind = JobKind(kind)
	j.State = JobState(state)
	if notBefore > 0 {
		j.NotBefore = time.Unix(notBefore, 0).UTC()
	}
	j.Pinned = pinned != 0
	j.CreatedAt = time.Unix(created, 0).UTC()
	j.UpdatedAt = time.Unix(updated, 0).UTC()
	return j, nil
}
