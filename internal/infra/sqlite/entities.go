// Репозиторий сущностей (каналы, супергруппы, чаты), рёбер графа обнаружения
// и записей доступа per-account.

package sqlite

import (
	"context"
	"database/sql"
	"time"

	"spectra/internal/domain/errkind"
)

// EntityKind — тип сущности Telegram.
type EntityKind string

const (
	EntityChannel    EntityKind = "channel"
	EntitySupergroup EntityKind = "supergroup"
	EntityChat       EntityKind = "chat"
)

// Entity — строка таблицы entities.
type Entity struct {
	ID          int64
	Title       string
	Kind        EntityKind
	Username    string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Depth       int
	Priority    float64
}

// Edge — наблюдаемая ссылка source → target.
type Edge struct {
	SourceID   int64
	TargetID   int64
	Context    string // link | username | forward-header
	ObservedAt time.Time
}

// AccessRecord — известный per-account access hash сущности.
type AccessRecord struct {
	SessionName string
	EntityID    int64
	AccessHash  int64
	LastSeenAt  time.Time
	Stale       bool
}

// UpsertEntityTx создаёт сущность или обновляет её метаданные. first_seen_at
// и глубина обнаружения сохраняются от первой записи; приоритет и заголовок
// обновляются последним наблюдением.
func UpsertEntityTx(ctx context.Context, tx *sql.Tx, e Entity) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO entities (id, title, kind, username, first_seen_at, last_seen_at, depth, priority)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title        = excluded.title,
	kind         = excluded.kind,
	username     = excluded.username,
	last_seen_at = excluded.last_seen_at,
	priority     = excluded.priority`,
		e.ID, e.Title, string(e.Kind), e.Username,
		e.FirstSeenAt.Unix(), e.LastSeenAt.Unix(), e.Depth, e.Priority)
	return err
}

// GetEntity читает одну сущность.
func (s *Store) GetEntity(ctx context.Context, id int64) (Entity, error) {
	var e Entity
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		var kind string
		var first, last int64
		if err := tx.QueryRowContext(ctx, `
SELECT id, title, kind, username, first_seen_at, last_seen_at, depth, priority
FROM entities WHERE id = ?`, id).Scan(
			&e.ID, &e.Title, &kind, &e.Username, &first, &last, &e.Depth, &e.Priority); err != nil {
			return err
		}
		e.Kind = EntityKind(kind)
		e.FirstSeenAt = time.Unix(first, 0).UTC()
		e.LastSeenAt = time.Unix(last, 0).UTC()
		return nil
	})
	return e, err
}

// HasEntity сообщает, известна ли сущность (множество посещённых для BFS).
func (s *Store) HasEntity(ctx context.Context, id int64) (bool, error) {
	var found bool
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM entities WHERE id = ?", id).Scan(&one)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// CountEntities возвращает общее число известных сущностей (границы обхода).
func (s *Store) CountEntities(ctx context.Context) (int64, error) {
	var n int64
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities").Scan(&n)
	})
	return n, err
}

// InboundEdgeCount — число входящих ссылок на сущность (вес приоритета обхода).
func (s *Store) InboundEdgeCount(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM edges WHERE target_id = ?", id).Scan(&n)
	})
	return n, err
}

// InsertEdgeTx фиксирует ребро графа; повторное наблюдение того же ребра
// в том же контексте игнорируется.
func InsertEdgeTx(ctx context.Context, tx *sql.Tx, e Edge) error {
	_, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO edges (source_id, target_id, context, observed_at)
VALUES (?, ?, ?, ?)`,
		e.SourceID, e.TargetID, e.Context, e.ObservedAt.Unix())
	return err
}

// UpsertAccessRecordTx записывает свежий access hash и снимает пометку stale.
func UpsertAccessRecordTx(ctx context.Context, tx *sql.Tx, r AccessRecord) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO access_records (session_name, entity_id, access_hash, last_seen_at, stale)
VALUES (?, ?, ?, ?, 0)
ON CONFLICT(session_name, entity_id) DO UPDATE SET
	access_hash  = excluded.access_hash,
	last_seen_at = excluded.last_seen_at,
	stale        = 0`,
		r.SessionName, r.EntityID, r.AccessHash, r.LastSeenAt.Unix())
	return err
}

// AccessForEntity возвращает незапротухшие записи доступа к сущности,
// самые свежие первыми. Используется "total"-режимом пересылки для выбора
// аккаунта, у которого есть доступ к источнику.
func (s *Store) AccessForEntity(ctx context.Context, entityID int64) ([]AccessRecord, error) {
	var out []AccessRecord
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT session_name, entity_id, access_hash, last_seen_at, stale
FROM access_records
WHERE entity_id = ? AND stale = 0
ORDER BY last_seen_at DESC`, entityID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var r AccessRecord
			var seen int64
			var stale int
			if err := rows.Scan(&r.SessionName, &r.EntityID, &r.AccessHash, &seen, &stale); err != nil {
				return err
			}
			r.LastSeenAt = time.Unix(seen, 0).UTC()
			r.Stale = stale != 0
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// AccessibleEntities перечисляет сущности, для которых есть хотя бы одна
// живая запись доступа (источники "total"-режима).
func (s *Store) AccessibleEntities(ctx context.Context) ([]int64, error) {
	var out []int64
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT DISTINCT entity_id FROM access_records WHERE stale = 0 ORDER BY entity_id")
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

// ListNamedEntities перечисляет сущности с публичным username — те, чьи
// access-записи можно обновить повторным resolve.
func (s *Store) ListNamedEntities(ctx context.Context) ([]Entity, error) {
	var out []Entity
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT id, title, kind, username, first_seen_at, last_seen_at, depth, priority
FROM entities WHERE username != '' ORDER BY id`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var e Entity
			var kind string
			var first, last int64
			if err := rows.Scan(&e.ID, &e.Title, &kind, &e.Username, &first, &last, &e.Depth, &e.Priority); err != nil {
				return err
			}
			e.Kind = EntityKind(kind)
			e.FirstSeenAt = time.Unix(first, 0).UTC()
			e.LastSeenAt = time.Unix(last, 0).UTC()
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// GetAccessRecord читает access hash сущности для конкретного аккаунта.
// Отсутствие записи — ошибка вида EntityAccess: у аккаунта нет известного
// доступа к сущности.
func (s *Store) GetAccessRecord(ctx context.Context, session string, entityID int64) (AccessRecord, error) {
	var r AccessRecord
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		var seen int64
		var stale int
		if err := tx.QueryRowContext(ctx, `
SELECT session_name, entity_id, access_hash, last_seen_at, stale
FROM access_records WHERE session_name = ? AND entity_id = ?`,
			session, entityID).Scan(&r.SessionName, &r.EntityID, &r.AccessHash, &seen, &stale); err != nil {
			if err == sql.ErrNoRows {
				return errkind.Newf(errkind.EntityAccess,
					"no access record for entity %d via %s", entityID, session)
			}
			return err
		}
		r.LastSeenAt = time.Unix(seen, 0).UTC()
		r.Stale = stale != 0
		return nil
	})
	return r, err
}

// MarkAccessStale помечает запись протухшей (EntityAccess-ошибка).
func (s *Store) MarkAccessStale(ctx context.Context, session string, entityID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE access_records SET stale = 1 WHERE session_name = ? AND entity_id = ?",
			session, entityID)
		return err
	})
}
