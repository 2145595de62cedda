// Репозиторий отпечатков пересылки. Точная дедупликация — первичный ключ
// (destination, sha256); для near-dup пересыльщик загружает снимок phash/fuzzy
// по назначению на старте батча и дополняет его собственными вставками.

package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// Fingerprint — строка таблицы forward_fingerprints.
type Fingerprint struct {
	DestinationID int64
	SHA256        string
	PHash         *uint64
	Fuzzy         *string
	OriginEntity  int64
	FirstSeenAt   time.Time
}

// HasFingerprintTx проверяет точный дубликат внутри текущей транзакции,
// то есть видит и свои незакоммиченные вставки.
func HasFingerprintTx(ctx context.Context, tx *sql.Tx, destinationID int64, sha256 string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		"SELECT 1 FROM forward_fingerprints WHERE destination_id = ? AND sha256 = ?",
		destinationID, sha256).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertFingerprintTx фиксирует отпечаток. Конфликт по первичному ключу
// означает гонку двух воркеров на один контент и трактуется как дубликат.
func InsertFingerprintTx(ctx context.Context, tx *sql.Tx, fp Fingerprint) error {
	var phash any
	if fp.PHash != nil {
		phash = int64(*fp.PHash)
	}
	var fuzzy any
	if fp.Fuzzy != nil {
		fuzzy = *fp.Fuzzy
	}
	_, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO forward_fingerprints
	(destination_id, sha256, phash, fuzzy, origin_entity, first_seen_at)
VALUES (?, ?, ?, ?, NULLIF(?, 0), ?)`,
		fp.DestinationID, fp.SHA256, phash, fuzzy, fp.OriginEntity, fp.FirstSeenAt.Unix())
	return err
}

// NearDupSnapshot загружает phash/fuzzy всех отпечатков назначения.
// Снимок соответствует состоянию на момент начала батча пересылки.
func (s *Store) NearDupSnapshot(ctx context.Context, destinationID int64) ([]Fingerprint, error) {
	var out []Fingerprint
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT sha256, phash, fuzzy FROM forward_fingerprints
WHERE destination_id = ? AND (phash IS NOT NULL OR fuzzy IS NOT NULL)`, destinationID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			fp := Fingerprint{DestinationID: destinationID}
			var phash sql.NullInt64
			var fuzzy sql.NullString
			if err := rows.Scan(&fp.SHA256, &phash, &fuzzy); err != nil {
				return err
			}
			if phash.Valid {
				v := uint64(phash.Int64)
				fp.PHash = &v
			}
			if fuzzy.Valid {
				v := fuzzy.String
				fp.Fuzzy = &v
			}
			out = append(out, fp)
		}
		return rows.Err()
	})
	return out, err
}

// CountFingerprints — число отпечатков назначения (тесты и отчёты).
func (s *Store) CountFingerprints(ctx context.Context, destinationID int64) (int64, error) {
	var n int64
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM forward_fingerprints WHERE destination_id = ?",
			destinationID).Scan(&n)
	})
	return n, err
}
