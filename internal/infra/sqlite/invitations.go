// Репозиторий приглашений. Первичный ключ (entity_id, session_name) гарантирует
// не более одной задачи на пару сущность–аккаунт; темп вступлений контролирует
// подконвейер приглашений, здесь только состояние и earliest-run-at.

package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// InvitationStatus — состояние задачи приглашения.
type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationJoined    InvitationStatus = "joined"
	InvitationFailed    InvitationStatus = "failed"
	InvitationForbidden InvitationStatus = "forbidden"
)

// InvitationTask — строка таблицы invitation_tasks.
type InvitationTask struct {
	EntityID    int64
	SessionName string
	Status      InvitationStatus
	Attempts    int
	NextAfter   time.Time
}

// UpsertInvitationTx ставит задачу вступления. Существующая строка не
// затирается: терминальный исход и счётчик попыток сохраняются.
func UpsertInvitationTx(ctx context.Context, tx *sql.Tx, t InvitationTask) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO invitation_tasks (entity_id, session_name, status, attempts, next_after)
VALUES (?, ?, ?, 0, ?)
ON CONFLICT(entity_id, session_name) DO NOTHING`,
		t.EntityID, t.SessionName, string(InvitationPending), unixOrZero(t.NextAfter))
	return err
}

// DueInvitations возвращает pending-задачи, чей next_after уже наступил,
// в порядке давности.
func (s *Store) DueInvitations(ctx context.Context, now time.Time, limit int) ([]InvitationTask, error) {
	var out []InvitationTask
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT entity_id, session_name, status, attempts, next_after
FROM invitation_tasks
WHERE status = ? AND next_after <= ?
ORDER BY next_after
LIMIT ?`, string(InvitationPending), now.Unix(), limit)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			t, err := scanInvitation(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

// ListInvitations возвращает все задачи (снимок для invitation_state.json).
func (s *Store) ListInvitations(ctx context.Context) ([]InvitationTask, error) {
	var out []InvitationTask
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT entity_id, session_name, status, attempts, next_after
FROM invitation_tasks ORDER BY entity_id, session_name`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			t, err := scanInvitation(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

// MarkInvitation фиксирует исход попытки: терминальный статус либо возврат
// в pending с новым next_after.
func (s *Store) MarkInvitation(ctx context.Context, entityID int64, session string, status InvitationStatus, nextAfter time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
UPDATE invitation_tasks
SET status = ?, attempts = attempts + 1, next_after = ?
WHERE entity_id = ? AND session_name = ?`,
			string(status), unixOrZero(nextAfter), entityID, session)
		return err
	})
}

func scanInvitation(r rowScanner) (InvitationTask, error) {
	var t InvitationTask
	var status string
	var next int64
	if err := r.Scan(&t.EntityID, &t.SessionName, &status, &t.Attempts, &next); err != nil {
		return t, err
	}
	t.Status = InvitationStatus(status)
	if next > 0 {
		t.NextAfter = time.Unix(next, 0).UTC()
	}
	return t, nil
}
