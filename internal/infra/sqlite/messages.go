// Репозиторий сообщений, пользователей, медиа и чекпоинтов. Архивный конвейер
// пишет весь батч (users + media + messages + checkpoint) в одной транзакции;
// первичный ключ (entity_id, message_id) делает повторные записи идемпотентными.

package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// MessageKind — тип сообщения.
type MessageKind string

const (
	MessageText    MessageKind = "text"
	MessageMedia   MessageKind = "media"
	MessageService MessageKind = "service"
)

// User — отправитель, наблюдавшийся при архивировании.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	UpdatedAt time.Time
}

// Media — строка таблицы media.
type Media struct {
	ID           int64
	Mime         string
	Size         int64
	Path         string
	OriginalName string
	SHA256       string
	PHash        *uint64 // nil для не-изображений
	Fuzzy        *string // nil, если fuzzy-хеш не вычислялся
}

// Message — строка таблицы messages.
type Message struct {
	EntityID  int64
	MessageID int64
	SenderID  int64 // 0 — неизвестен (сервисные сообщения)
	Kind      MessageKind
	Date      time.Time
	EditDate  time.Time // нулевое время — правок не было
	Text      string
	ReplyTo   int64 // 0 — не ответ
	MediaID   int64 // 0 — без медиа
	Checksum  string
}

// Checkpoint — позиция возобновляемой итерации (entity, context).
type Checkpoint struct {
	EntityID      int64
	Context       string
	LastMessageID int64
	UpdatedAt     time.Time
}

// UpsertUserTx записывает отправителя (последнее наблюдение выигрывает).
func UpsertUserTx(ctx context.Context, tx *sql.Tx, u User) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO users (id, username, first_name, last_name, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	username   = excluded.username,
	first_name = excluded.first_name,
	last_name  = excluded.last_name,
	updated_at = excluded.updated_at`,
		u.ID, u.Username, u.FirstName, u.LastName, u.UpdatedAt.Unix())
	return err
}

// InsertMediaTx добавляет медиаобъект и возвращает его id. При включённой
// дедупликации хранилища одинаковый sha256 переиспользует существующую строку.
func InsertMediaTx(ctx context.Context, tx *sql.Tx, m Media, dedup bool) (int64, error) {
	if dedup && m.SHA256 != "" {
		var existing int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM media WHERE sha256 = ? LIMIT 1", m.SHA256).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return 0, err
		}
	}

	var phash any
	if m.PHash != nil {
		phash = int64(*m.PHash) // хранится как знаковое 64-битное, биты те же
	}
	var fuzzy any
	if m.Fuzzy != nil {
		fuzzy = *m.Fuzzy
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO media (mime, size, path, original_name, sha256, phash, fuzzy)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Mime, m.Size, m.Path, m.OriginalName, m.SHA256, phash, fuzzy)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpsertMessageTx записывает сообщение. Повторная запись того же (entity, id)
// перезаписывает содержимое: так фиксируются наблюдения edit_date.
func UpsertMessageTx(ctx context.Context, tx *sql.Tx, m Message) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO messages (entity_id, message_id, sender_id, kind, date, edit_date, text, reply_to, media_id, checksum)
VALUES (?, ?, NULLIF(?, 0), ?, ?, NULLIF(?, 0), ?, NULLIF(?, 0), NULLIF(?, 0), ?)
ON CONFLICT(entity_id, message_id) DO UPDATE SET
	edit_date = excluded.edit_date,
	text      = excluded.text,
	media_id  = excluded.media_id,
	checksum  = excluded.checksum`,
		m.EntityID, m.MessageID, m.SenderID, string(m.Kind),
		m.Date.Unix(), unixOrZero(m.EditDate), m.Text, m.ReplyTo, m.MediaID, m.Checksum)
	return err
}

// GetCheckpoint возвращает чекпоинт или нулевую позицию, если его ещё нет.
func (s *Store) GetCheckpoint(ctx context.Context, entityID int64, context_ string) (Checkpoint, error) {
	cp := Checkpoint{EntityID: entityID, Context: context_}
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		var updated int64
		err := tx.QueryRowContext(ctx, `
SELECT last_message_id, updated_at FROM checkpoints
WHERE entity_id = ? AND context = ?`, entityID, context_).Scan(&cp.LastMessageID, &updated)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		cp.UpdatedAt = time.Unix(updated, 0).UTC()
		return nil
	})
	return cp, err
}

// UpsertCheckpointTx продвигает чекпоинт. Монотонность обязательна: попытка
// отката позиции игнорируется (MAX защищает от гонки повторного запуска).
func UpsertCheckpointTx(ctx context.Context, tx *sql.Tx, cp Checkpoint) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints (entity_id, context, last_message_id, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(entity_id, context) DO UPDATE SET
	last_message_id = MAX(checkpoints.last_message_id, excluded.last_message_id),
	updated_at      = excluded.updated_at`,
		cp.EntityID, cp.Context, cp.LastMessageID, cp.UpdatedAt.Unix())
	return err
}

// ResetCheckpoint сбрасывает позицию по явному запросу оператора.
func (s *Store) ResetCheckpoint(ctx context.Context, entityID int64, context_ string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM checkpoints WHERE entity_id = ? AND context = ?", entityID, context_)
		return err
	})
}

// MessageStats — агрегат для офлайн-проверяемой сводки архива.
type MessageStats struct {
	Count      int64
	MinID      int64
	MaxID      int64
	MediaBytes int64
}

// ArchiveStats считает агрегаты по сохранённым строкам одной сущности.
func (s *Store) ArchiveStats(ctx context.Context, entityID int64) (MessageStats, error) {
	var st MessageStats
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(MIN(message_id), 0), COALESCE(MAX(message_id), 0)
FROM messages WHERE entity_id = ?`, entityID).Scan(&st.Count, &st.MinID, &st.MaxID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
SELECT COALESCE(SUM(m.size), 0)
FROM messages msg JOIN media m ON m.id = msg.media_id
WHERE msg.entity_id = ?`, entityID).Scan(&st.MediaBytes)
	})
	return st, err
}

// ForEachChecksum обходит чексуммы сообщений сущности в порядке возрастания id.
// Последовательность ленивая и конечная; курсор держится до конца обхода.
func (s *Store) ForEachChecksum(ctx context.Context, entityID int64, fn func(messageID int64, checksum string) error) error {
	return s.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT message_id, checksum FROM messages
WHERE entity_id = ? ORDER BY message_id`, entityID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id int64
			var sum string
			if err := rows.Scan(&id, &sum); err != nil {
				return err
			}
			if err := fn(id, sum); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

// unixOrZero переводит время в unix-секунды, сохраняя нулевое время нулём.
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
