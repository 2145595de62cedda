// Репозиторий аккаунтов и прокси. Хранит метаданные аккаунта (счётчики,
// кулдауны, здоровье); сами байты сессии живут в файлах под управлением
// реестра и в базу не попадают.

package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// Health — состояние здоровья аккаунта, см. машину состояний реестра.
type Health string

const (
	HealthActive       Health = "active"
	HealthCooldown     Health = "cooldown"
	HealthFloodWaiting Health = "flood-waiting"
	HealthBanned       Health = "banned"
)

// Account — строка таблицы accounts.
type Account struct {
	SessionName   string
	APIID         int
	Phone         string
	ProxyID       int64 // 0 — прокси не привязан
	UsageCount    int64
	RecentErrors  int64 // ошибки сервера с момента последней серии успехов
	LastUsedAt    time.Time
	CooldownUntil time.Time
	Banned        bool
	Health        Health
}

// Proxy — строка таблицы proxies.
type Proxy struct {
	ID            int64
	Transport     string // direct | socks5 | http
	Host          string
	Port          int
	Username      string
	Password      string
	RotationGroup string
	Exclusive     bool
}

// UpsertAccount создаёт или обновляет учётные метаданные. Счётчики и здоровье
// существующей строки не затираются: импорт не сбрасывает операционную историю.
func (s *Store) UpsertAccount(ctx context.Context, a Account) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO accounts (session_name, api_id, phone, proxy_id)
VALUES (?, ?, ?, NULLIF(?, 0))
ON CONFLICT(session_name) DO UPDATE SET
	api_id   = excluded.api_id,
	phone    = excluded.phone,
	proxy_id = excluded.proxy_id`,
			a.SessionName, a.APIID, a.Phone, a.ProxyID)
		return err
	})
}

// GetAccount читает одну строку. Отсутствие — sql.ErrNoRows внутри errkind.Storage.
func (s *Store) GetAccount(ctx context.Context, session string) (Account, error) {
	var a Account
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		return scanAccount(tx.QueryRowContext(ctx, `
SELECT session_name, api_id, phone, COALESCE(proxy_id, 0),
       usage_count, recent_errors, last_used_at, cooldown_until, banned, health
FROM accounts WHERE session_name = ?`, session), &a)
	})
	return a, err
}

// ListAccounts возвращает все аккаунты в стабильном порядке имени сессии.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	var out []Account
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT session_name, api_id, phone, COALESCE(proxy_id, 0),
       usage_count, recent_errors, last_used_at, cooldown_until, banned, health
FROM accounts ORDER BY session_name`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var a Account
			if err := scanAccount(rows, &a); err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// UpdateAccountState записывает счётчики и здоровье одной строкой.
func (s *Store) UpdateAccountState(ctx context.Context, a Account) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
UPDATE accounts SET
	usage_count    = ?,
	recent_errors  = ?,
	last_used_at   = ?,
	cooldown_until = ?,
	banned         = ?,
	health         = ?
WHERE session_name = ?`,
			a.UsageCount, a.RecentErrors, a.LastUsedAt.Unix(), a.CooldownUntil.Unix(),
			boolToInt(a.Banned), string(a.Health), a.SessionName)
		return err
	})
}

// UpsertProxy добавляет прокси, возвращая id существующей строки при конфликте
// уникальности (rotation_group, host, port, username).
func (s *Store) UpsertProxy(ctx context.Context, p Proxy) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO proxies (transport, host, port, username, password, rotation_group, exclusive)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(rotation_group, host, port, username) DO UPDATE SET
	transport = excluded.transport,
	password  = excluded.password,
	exclusive = excluded.exclusive`,
			p.Transport, p.Host, p.Port, p.Username, p.Password, p.RotationGroup, boolToInt(p.Exclusive))
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
SELECT id FROM proxies WHERE rotation_group = ? AND host = ? AND port = ? AND username = ?`,
			p.RotationGroup, p.Host, p.Port, p.Username).Scan(&id)
	})
	return id, err
}

// BindAccountProxy привязывает аккаунт к прокси; id 0 снимает привязку.
func (s *Store) BindAccountProxy(ctx context.Context, session string, proxyID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE accounts SET proxy_id = NULLIF(?, 0) WHERE session_name = ?",
			proxyID, session)
		return err
	})
}

// GetProxy читает прокси по id.
func (s *Store) GetProxy(ctx context.Context, id int64) (Proxy, error) {
	var p Proxy
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		var excl int
		if err := tx.QueryRowContext(ctx, `
SELECT id, transport, host, port, username, password, rotation_group, exclusive
FROM proxies WHERE id = ?`, id).Scan(
			&p.ID, &p.Transport, &p.Host, &p.Port, &p.Username, &p.Password, &p.RotationGroup, &excl); err != nil {
			return err
		}
		p.Exclusive = excl != 0
		return nil
	})
	return p, err
}

// rowScanner объединяет *sql.Row и *sql.Rows.
type rowScanner interface{ Scan(dest ...any) error }

func scanAccount(r rowScanner, a *Account) error {
	var lastUsed, cooldown int64
	var banned int
	var health string
	if err := r.Scan(&a.SessionName, &a.APIID, &a.Phone, &a.ProxyID,
		&a.UsageCount, &a.RecentErrors, &lastUsed, &cooldown, &banned, &health); err != nil {
		return err
	}
	a.LastUsedAt = time.Unix(lastUsed, 0).UTC()
	a.CooldownUntil = time.Unix(cooldown, 0).UTC()
	a.Banned = banned != 0
	a.Health = Health(health)
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
