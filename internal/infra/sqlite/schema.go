// Схема и версионированные миграции. Каждая миграция применяется в своей
// транзакции; номер фиксируется в schema_version. База, созданная более новой
// версией бинаря, отклоняется на старте со структурированной ошибкой.

package sqlite

import (
	"context"
	"database/sql"

	"spectra/internal/domain/errkind"
	"spectra/internal/infra/logger"
)

// schemaVersion — текущая версия схемы. Инкрементируется вместе с migrations.
const schemaVersion = 2

// requiredTables и requiredIndexes проверяются IntegrityCheck: конвейеры не
// стартуют, пока все перечисленные объекты не существуют.
var requiredTables = []string{
	"accounts", "proxies", "entities", "users", "messages", "media",
	"checkpoints", "forward_fingerprints", "jobs", "invitation_tasks",
	"access_records", "edges", "schedules", "schema_version",
}

var requiredIndexes = []string{
	"idx_messages_entity_date",
	"idx_media_sha256",
	"idx_access_entity",
	"idx_edges_target",
	"idx_jobs_pending",
	"idx_invitations_pending",
}

// migrations — упорядоченный список DDL-шагов. Существующие шаги неизменяемы;
// эволюция схемы добавляет новые.
var migrations = []string{
	// v1: полная начальная схема движка.
	`
CREATE TABLE accounts (
	session_name   TEXT PRIMARY KEY,
	api_id         INTEGER NOT NULL,
	phone          TEXT NOT NULL DEFAULT '',
	proxy_id       INTEGER REFERENCES proxies(id),
	usage_count    INTEGER NOT NULL DEFAULT 0,
	last_used_at   INTEGER NOT NULL DEFAULT 0,
	cooldown_until INTEGER NOT NULL DEFAULT 0,
	banned         INTEGER NOT NULL DEFAULT 0,
	health         TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE proxies (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	transport      TEXT NOT NULL,
	host           TEXT NOT NULL,
	port           INTEGER NOT NULL,
	username       TEXT NOT NULL DEFAULT '',
	password       TEXT NOT NULL DEFAULT '',
	rotation_group TEXT NOT NULL DEFAULT '',
	exclusive      INTEGER NOT NULL DEFAULT 0,
	UNIQUE (rotation_group, host, port, username)
);

CREATE TABLE entities (
	id            INTEGER PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	kind          TEXT NOT NULL,
	username      TEXT NOT NULL DEFAULT '',
	first_seen_at INTEGER NOT NULL,
	last_seen_at  INTEGER NOT NULL,
	depth         INTEGER NOT NULL DEFAULT 0,
	priority      REAL NOT NULL DEFAULT 0
);

CREATE TABLE users (
	id         INTEGER PRIMARY KEY,
	username   TEXT NOT NULL DEFAULT '',
	first_name TEXT NOT NULL DEFAULT '',
	last_name  TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);

CREATE TABLE media (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	mime          TEXT NOT NULL DEFAULT '',
	size          INTEGER NOT NULL DEFAULT 0,
	path          TEXT NOT NULL DEFAULT '',
	original_name TEXT NOT NULL DEFAULT '',
	sha256        TEXT NOT NULL DEFAULT '',
	phash         INTEGER,
	fuzzy         TEXT
);
CREATE INDEX idx_media_sha256 ON media (sha256);

CREATE TABLE messages (
	entity_id  INTEGER NOT NULL REFERENCES entities(id),
	message_id INTEGER NOT NULL,
	sender_id  INTEGER,
	kind       TEXT NOT NULL,
	date       INTEGER NOT NULL,
	edit_date  INTEGER,
	text       TEXT NOT NULL DEFAULT '',
	reply_to   INTEGER,
	media_id   INTEGER REFERENCES media(id),
	checksum   TEXT NOT NULL,
	PRIMARY KEY (entity_id, message_id)
);
CREATE INDEX idx_messages_entity_date ON messages (entity_id, date);

CREATE TABLE checkpoints (
	entity_id       INTEGER NOT NULL,
	context         TEXT NOT NULL,
	last_message_id INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (entity_id, context)
);

CREATE TABLE forward_fingerprints (
	destination_id INTEGER NOT NULL,
	sha256         TEXT NOT NULL,
	phash          INTEGER,
	fuzzy          TEXT,
	origin_entity  INTEGER,
	first_seen_at  INTEGER NOT NULL,
	PRIMARY KEY (destination_id, sha256)
);

CREATE TABLE jobs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	state      TEXT NOT NULL,
	payload    TEXT NOT NULL,
	cursor     TEXT NOT NULL DEFAULT '',
	attempts   INTEGER NOT NULL DEFAULT 0,
	not_before INTEGER NOT NULL DEFAULT 0,
	cause      TEXT NOT NULL DEFAULT '',
	pinned     INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX idx_jobs_pending ON jobs (state, kind, not_before);

CREATE TABLE invitation_tasks (
	entity_id    INTEGER NOT NULL,
	session_name TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	next_after   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_id, session_name)
);
CREATE INDEX idx_invitations_pending ON invitation_tasks (status, next_after);

CREATE TABLE access_records (
	session_name TEXT NOT NULL,
	entity_id    INTEGER NOT NULL,
	access_hash  INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL,
	stale        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_name, entity_id)
);
CREATE INDEX idx_access_entity ON access_records (entity_id, stale);

CREATE TABLE edges (
	source_id   INTEGER NOT NULL,
	target_id   INTEGER NOT NULL,
	context     TEXT NOT NULL DEFAULT '',
	observed_at INTEGER NOT NULL,
	PRIMARY KEY (source_id, target_id, context)
);
CREATE INDEX idx_edges_target ON edges (target_id);

CREATE TABLE schedules (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	cron       TEXT NOT NULL,
	verb       TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`,
	// v2: счётчик недавних ошибок аккаунта для умной ротации.
	`
ALTER TABLE accounts ADD COLUMN recent_errors INTEGER NOT NULL DEFAULT 0;
`,
}

// migrate применяет недостающие миграции. База новее бинаря — фатально.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
)`); err != nil {
		return wrapStorageErr(err)
	}

	var current int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return wrapStorageErr(err)
	}

	if current > len(migrations) {
		return errkind.Newf(errkind.Storage,
			"schema version mismatch: database has v%d, binary supports v%d", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		step := migrations[v]
		target := v + 1
		if err := s.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, step); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version, applied_at) VALUES (?, strftime('%s','now'))", target)
			return err
		}); err != nil {
			return errkind.Wrap(errkind.Storage, err)
		}
		logger.Infof("sqlite: schema migrated to v%d", target)
	}
	return nil
}
