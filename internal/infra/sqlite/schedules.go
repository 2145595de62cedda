// Репозиторий расписаний операторских команд (cron-выражение + глагол + payload).

package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// Schedule — строка таблицы schedules.
type Schedule struct {
	ID        int64
	Cron      string
	Verb      string
	Payload   string
	CreatedAt time.Time
}

// AddSchedule сохраняет расписание и возвращает его id.
func (s *Store) AddSchedule(ctx context.Context, cron, verb, payload string) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO schedules (cron, verb, payload, created_at) VALUES (?, ?, ?, ?)",
			cron, verb, payload, time.Now().UTC().Unix())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListSchedules возвращает все расписания в порядке добавления.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT id, cron, verb, payload, created_at FROM schedules ORDER BY id")
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var sc Schedule
			var created int64
			if err := rows.Scan(&sc.ID, &sc.Cron, &sc.Verb, &sc.Payload, &created); err != nil {
				return err
			}
			sc.CreatedAt = time.Unix(created, 0).UTC()
			out = append(out, sc)
		}
		return rows.Err()
	})
	return out, err
}

// RemoveSchedule удаляет расписание. Возвращает false, если id неизвестен.
func (s *Store) RemoveSchedule(ctx context.Context, id int64) (bool, error) {
	var removed bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM schedules WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n == 1
		return err
	})
	return removed, err
}
