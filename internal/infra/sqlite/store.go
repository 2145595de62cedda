// Package sqlite — типизированное хранилище движка поверх встроенной базы.
// Владеет схемой, миграциями, WAL-режимом и повторами при блокировках.
// Все мутации проходят через WithTx: одна логическая транзакция на запись,
// частичные батчи никогда не видны читателям. Конвейеры получают узкий
// набор методов-репозиториев (accounts.go, messages.go, ...) и не трогают
// *sql.DB напрямую.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	sqlite3 "github.com/mattn/go-sqlite3"

	"spectra/internal/domain/errkind"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/storage"
)

// Параметры повторов при SQLITE_BUSY: старт 50мс, множитель 2, потолок 2с,
// не более 8 попыток.
const (
	busyInitialInterval = 50 * time.Millisecond
	busyMultiplier      = 2.0
	busyMaxInterval     = 2 * time.Second
	busyMaxAttempts     = 8
)

// Store — владелец единственного файла базы. Безопасен для конкурентного
// использования: параллелизм записи сериализуется самим SQLite, повторные
// попытки при блокировках выполняются внутри WithTx.
type Store struct {
	db   *sql.DB
	path string
}

// Open открывает (или создаёт) базу по пути path: WAL, включённые внешние
// ключи, busy_timeout на уровне драйвера. Затем применяет миграции.
// Несовпадение версии схемы (база новее бинаря) — фатальная ошибка.
func Open(path string) (*Store, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, errkind.Wrap(errkind.Storage, err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, errors.Wrapf(err, "open database %s", path))
	}
	// Одно соединение на запись упрощает сериализацию; WAL позволяет
	// параллельные чтения поверх него.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errkind.Wrap(errkind.Storage, errors.Wrap(err, "ping database"))
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close закрывает базу.
func (s *Store) Close() error { return s.db.Close() }

// Path возвращает путь к файлу базы (для lock-файла и отчётов).
func (s *Store) Path() string { return s.path }

// WithTx выполняет fn в одной транзакции записи. Commit повторяется по
// экспоненциальному расписанию при SQLITE_BUSY; ошибки из fn не повторяются.
// Ошибка нарушения ограничения транслируется в errkind.Storage с пометкой
// constraint в тексте.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	policy := busyPolicy(ctx)

	op := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			if isBusy(err) {
				logger.Debugf("sqlite: commit busy, retrying: %v", err)
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return wrapStorageErr(err)
	}
	return nil
}

// ReadTx выполняет fn в транзакции только для чтения (снимок на момент начала).
func (s *Store) ReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return wrapStorageErr(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return wrapStorageErr(err)
	}
	return nil
}

// busyPolicy строит расписание повторов для блокировок базы.
func busyPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = busyInitialInterval
	b.Multiplier = busyMultiplier
	b.MaxInterval = busyMaxInterval
	b.RandomizationFactor = 0.2
	var policy backoff.BackOff = backoff.WithMaxRetries(b, busyMaxAttempts-1)
	return backoff.WithContext(policy, ctx)
}

// isBusy распознаёт блокировку базы в цепочке ошибок.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	// Драйвер иногда отдаёт текстовую форму.
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// wrapStorageErr помечает ошибку видом Storage, сохраняя уже помеченные.
func wrapStorageErr(err error) error {
	if err == nil {
		return nil
	}
	if errkind.KindOf(err) != errkind.Unknown {
		return err
	}
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		err = pe.Unwrap()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errkind.Wrap(errkind.Cancelled, err)
	}
	return errkind.Wrap(errkind.Storage, err)
}

// IntegrityFinding — одно структурированное наблюдение проверки целостности.
type IntegrityFinding struct {
	Check  string // pragma | table | index | foreign-key
	Object string
	Detail string
}

// IntegrityReport — итог IntegrityCheck. OK == len(Findings) == 0.
type IntegrityReport struct {
	SchemaVersion int
	Findings      []IntegrityFinding
}

// OK сообщает, что проверка не нашла отклонений.
func (r IntegrityReport) OK() bool { return len(r.Findings) == 0 }

// IntegrityCheck проверяет наличие схемы, согласованность внешних ключей,
// обязательные индексы и целостность движка (PRAGMA integrity_check).
// Возвращает структурированные находки; сама по себе проверка не фатальна.
func (s *Store) IntegrityCheck(ctx context.Context) (IntegrityReport, error) {
	report := IntegrityReport{SchemaVersion: schemaVersion}

	var pragmaResult string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&pragmaResult); err != nil {
		return report, wrapStorageErr(err)
	}
	if pragmaResult != "ok" {
		report.Findings = append(report.Findings, IntegrityFinding{
			Check: "pragma", Object: "integrity_check", Detail: pragmaResult,
		})
	}

	present, err := s.schemaObjects(ctx)
	if err != nil {
		return report, err
	}
	for _, table := range requiredTables {
		if _, ok := present["table:"+table]; !ok {
			report.Findings = append(report.Findings, IntegrityFinding{
				Check: "table", Object: table, Detail: "missing",
			})
		}
	}
	for _, index := range requiredIndexes {
		if _, ok := present["index:"+index]; !ok {
			report.Findings = append(report.Findings, IntegrityFinding{
				Check: "index", Object: index, Detail: "missing",
			})
		}
	}

	rows, err := s.db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return report, wrapStorageErr(err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var table string
		var rowid sql.NullInt64
		var parent string
		var fkid int
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return report, wrapStorageErr(err)
		}
		report.Findings = append(report.Findings, IntegrityFinding{
			Check:  "foreign-key",
			Object: table,
			Detail: fmt.Sprintf("row %d violates reference to %s", rowid.Int64, parent),
		})
	}
	if err := rows.Err(); err != nil {
		return report, wrapStorageErr(err)
	}
	return report, nil
}

// schemaObjects возвращает множество имён таблиц и индексов из sqlite_master.
func (s *Store) schemaObjects(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT type, name FROM sqlite_master WHERE type IN ('table','index')")
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]struct{})
	for rows.Next() {
		var typ, name string
		if err := rows.Scan(&typ, &name); err != nil {
			return nil, wrapStorageErr(err)
		}
		out[typ+":"+name] = struct{}{}
	}
	return out, rows.Err()
}
