// Package registry — реестр учётных данных и сессий. Импортирует аккаунты из
// конфигурации, хранит api hash / пароль / телефон в защищённых буферах,
// регистрирует их в скраббере логов и ведёт машину здоровья аккаунта:
//
//	active → cooldown       (исчерпан лимит операций)
//	active → flood-waiting  (FLOOD_WAIT от сервера)
//	active → banned         (терминально)
//	cooldown | flood-waiting → active (истёк срок)
//
// Метаданные (счётчики, здоровье) персистентны в базе; байты сессии живут
// только в файлах sessions/<name>.session с правами 0600.

package registry

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"spectra/internal/domain/errkind"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/secret"
	"spectra/internal/infra/sqlite"
)

// Credential — учётные данные одного аккаунта в памяти процесса.
type Credential struct {
	SessionName string
	APIID       int
	APIHash     *secret.Bytes
	Phone       string
	Password    *secret.Bytes // пароль 2FA; nil, если не задан
	Session     *SessionFile
	ProxyID     int64
}

// Registry — реестр аккаунтов. Безопасен для конкурентного использования.
type Registry struct {
	store    *sqlite.Store
	rotation config.RotationConfig
	dir      string // каталог файлов сессий

	mu     sync.Mutex
	creds  map[string]*Credential
	leased map[string]bool
	rrNext int // позиция round-robin
}

// New создаёт пустой реестр. dir — каталог файлов сессий.
func New(store *sqlite.Store, rotation config.RotationConfig, dir string) *Registry {
	return &Registry{
		store:    store,
		rotation: rotation,
		dir:      dir,
		creds:    make(map[string]*Credential),
		leased:   make(map[string]bool),
	}
}

// Import загружает аккаунты из конфигурации: создаёт строки в базе, защищённые
// буферы в памяти и регистрирует секреты в скраббере. Повторный импорт не
// сбрасывает счётчики и здоровье существующих аккаунтов.
func (r *Registry) Import(ctx context.Context, accounts []config.AccountConfig, scrub *logger.Scrubber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, acc := range accounts {
		if err := r.store.UpsertAccount(ctx, sqlite.Account{
			SessionName: acc.SessionName,
			APIID:       acc.APIID,
			Phone:       acc.PhoneNumber,
		}); err != nil {
			return err
		}

		cred := &Credential{
			SessionName: acc.SessionName,
			APIID:       acc.APIID,
			APIHash:     secret.NewString(acc.APIHash),
			Phone:       acc.PhoneNumber,
			Session:     NewSessionFile(filepath.Join(r.dir, acc.SessionName+".session")),
		}
		if acc.Password != "" {
			cred.Password = secret.NewString(acc.Password)
		}
		r.creds[acc.SessionName] = cred

		if scrub != nil {
			scrub.AddSecret(acc.APIHash)
			scrub.AddSecret(acc.PhoneNumber)
			scrub.AddSecret(acc.Password)
		}
		logger.Infof("registry: imported account %s", acc.SessionName)
	}
	return nil
}

// BindProxy привязывает все импортированные аккаунты к строке прокси:
// и в базе, и в учётных данных в памяти.
func (r *Registry) BindProxy(ctx context.Context, proxyID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, cred := range r.creds {
		if err := r.store.BindAccountProxy(ctx, name, proxyID); err != nil {
			return err
		}
		cred.ProxyID = proxyID
	}
	return nil
}

// Credential возвращает учётные данные аккаунта.
func (r *Registry) Credential(session string) (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[session]
	if !ok {
		return nil, errkind.Newf(errkind.Configuration, "registry: unknown account %q", session)
	}
	return cred, nil
}

// Lease захватывает аккаунт для эксклюзивного выполнения операции.
// Возвращает errkind.Auth, если аккаунт забанен, и errkind.FloodWaitKind
// с остатком паузы, если аккаунт остывает.
func (r *Registry) Lease(ctx context.Context, session string) (*Lease, error) {
	cred, err := r.Credential(session)
	if err != nil {
		return nil, err
	}

	acc, err := r.store.GetAccount(ctx, session)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if acc.Banned {
		return nil, errkind.Newf(errkind.Auth, "registry: account %s is banned", session)
	}
	if acc.CooldownUntil.After(now) {
		return nil, errkind.NewFloodWait(acc.CooldownUntil.Sub(now))
	}

	r.mu.Lock()
	if r.leased[session] {
		r.mu.Unlock()
		return nil, errkind.Newf(errkind.Configuration, "registry: account %s is already leased", session)
	}
	r.leased[session] = true
	r.mu.Unlock()

	return &Lease{registry: r, cred: cred}, nil
}

// Next выбирает аккаунт по политике ротации среди доступных сейчас:
// round-robin — по кругу, smart — дольше всех не использованный с наименьшим
// числом недавних ошибок, pinned — всегда закреплённый аккаунт.
// Возвращает errkind.Auth, если доступных нет.
func (r *Registry) Next(ctx context.Context) (string, error) {
	if r.rotation.Mode == "pinned" {
		return r.rotation.PinnedSession, nil
	}

	eligible, err := r.eligible(ctx)
	if err != nil {
		return "", err
	}
	if len(eligible) == 0 {
		return "", errkind.Newf(errkind.Auth, "registry: no eligible accounts")
	}

	switch r.rotation.Mode {
	case "round-robin":
		r.mu.Lock()
		pick := eligible[r.rrNext%len(eligible)]
		r.rrNext++
		r.mu.Unlock()
		return pick.SessionName, nil
	default: // smart
		// Дольше всех отдыхавший — первым; при равенстве — меньше недавних
		// ошибок; счётчик операций только разрывает оставшиеся ничьи.
		sort.Slice(eligible, func(i, j int) bool {
			if !eligible[i].LastUsedAt.Equal(eligible[j].LastUsedAt) {
				return eligible[i].LastUsedAt.Before(eligible[j].LastUsedAt)
			}
			if eligible[i].RecentErrors != eligible[j].RecentErrors {
				return eligible[i].RecentErrors < eligible[j].RecentErrors
			}
			return eligible[i].UsageCount < eligible[j].UsageCount
		})
		return eligible[0].SessionName, nil
	}
}

// eligible возвращает аккаунты, доступные в данный момент, попутно
// возвращая остывшие в active.
func (r *Registry) eligible(ctx context.Context) ([]sqlite.Account, error) {
	all, err := r.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	r.mu.Lock()
	leased := make(map[string]bool, len(r.leased))
	for k, v := range r.leased {
		leased[k] = v
	}
	r.mu.Unlock()

	var out []sqlite.Account
	for _, acc := range all {
		if acc.Banned || leased[acc.SessionName] {
			continue
		}
		if acc.CooldownUntil.After(now) {
			continue
		}
		if acc.Health != sqlite.HealthActive {
			acc.Health = sqlite.HealthActive
			if err := r.store.UpdateAccountState(ctx, acc); err != nil {
				return nil, err
			}
			logger.Infof("registry: account %s recovered to active", acc.SessionName)
		}
		out = append(out, acc)
	}
	return out, nil
}

// List возвращает персистентное состояние всех аккаунтов (операторский вывод).
func (r *Registry) List(ctx context.Context) ([]sqlite.Account, error) {
	return r.store.ListAccounts(ctx)
}

// ResetAccount снимает кулдаун и flood-wait по явному запросу оператора.
// Бан не снимается.
func (r *Registry) ResetAccount(ctx context.Context, session string) error {
	acc, err := r.store.GetAccount(ctx, session)
	if err != nil {
		return err
	}
	if acc.Banned {
		return errkind.Newf(errkind.Auth, "registry: account %s is banned; reset refused", session)
	}
	acc.CooldownUntil = time.Time{}
	acc.Health = sqlite.HealthActive
	return r.store.UpdateAccountState(ctx, acc)
}

// Lease — эксклюзивный захват аккаунта. Все исходы операции фиксируются
// через методы Lease и отражаются в машине здоровья.
type Lease struct {
	registry *Registry
	cred     *Credential
	done     bool
}

// Credential возвращает учётные данные захваченного аккаунта.
func (l *Lease) Credential() *Credential { return l.cred }

// RecordUse фиксирует успешную операцию: счётчик, отметка времени и, при
// исчерпании лимита, переход в cooldown.
func (l *Lease) RecordUse(ctx context.Context) error {
	r := l.registry
	acc, err := r.store.GetAccount(ctx, l.cred.SessionName)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	acc.UsageCount++
	acc.LastUsedAt = now
	if acc.RecentErrors > 0 {
		acc.RecentErrors--
	}
	if r.rotation.MaxOperationsPerAccount > 0 &&
		acc.UsageCount%int64(r.rotation.MaxOperationsPerAccount) == 0 {
		acc.Health = sqlite.HealthCooldown
		acc.CooldownUntil = now.Add(time.Duration(r.rotation.CooldownHours) * time.Hour)
		logger.Infof("registry: account %s entered cooldown until %s",
			acc.SessionName, acc.CooldownUntil.Format(time.RFC3339))
	}
	return r.store.UpdateAccountState(ctx, acc)
}

// RecordFloodWait переводит аккаунт в flood-waiting на delay с учётом
// конфигурационного множителя.
func (l *Lease) RecordFloodWait(ctx context.Context, delay time.Duration) error {
	r := l.registry
	acc, err := r.store.GetAccount(ctx, l.cred.SessionName)
	if err != nil {
		return err
	}
	scaled := time.Duration(float64(delay) * r.rotation.FloodWaitMultiplier)
	acc.Health = sqlite.HealthFloodWaiting
	acc.RecentErrors++
	acc.CooldownUntil = time.Now().UTC().Add(scaled)
	logger.Warnf("registry: account %s flood-waiting for %s", acc.SessionName, scaled)
	return r.store.UpdateAccountState(ctx, acc)
}

// RecordBan помечает аккаунт забаненным. Состояние терминально.
func (l *Lease) RecordBan(ctx context.Context) error {
	r := l.registry
	acc, err := r.store.GetAccount(ctx, l.cred.SessionName)
	if err != nil {
		return err
	}
	acc.Banned = true
	acc.Health = sqlite.HealthBanned
	acc.RecentErrors++
	logger.Errorf("registry: account %s is banned", acc.SessionName)
	return r.store.UpdateAccountState(ctx, acc)
}

// Release освобождает аккаунт. Идемпотентен.
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.registry.mu.Lock()
	delete(l.registry.leased, l.cred.SessionName)
	l.registry.mu.Unlock()
}
