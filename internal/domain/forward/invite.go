// Подконвейер приглашений: вступление аккаунтов в назначение с длинными
// случайными паузами. Задачи персистентны (не более одной на пару
// сущность–аккаунт); после каждой обработанной пачки снимок состояния
// выгружается в invitation_state.json для внешнего наблюдения.

package forward

import (
	"context"
	"database/sql"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"time"

	"spectra/internal/adapters/telegram"
	"spectra/internal/domain/errkind"
	"spectra/internal/domain/governor"
	"spectra/internal/domain/registry"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/sqlite"
	"spectra/internal/infra/storage"
)

// inviteAttemptCap — потолок неудачных попыток до терминального failed.
const inviteAttemptCap = 5

// inviteRetryBase — базовая отсрочка повторной попытки вступления.
const inviteRetryBase = 10 * time.Minute

// inviteBatch — максимум задач за один проход RunDue.
const inviteBatch = 16

// StateFileName — имя файла снимка состояния приглашений.
const StateFileName = "invitation_state.json"

// InvitationState — сериализуемый снимок подконвейера приглашений:
// id сущности → имя сессии → состояние задачи.
type InvitationState map[string]map[string]InvitationTaskState

// InvitationTaskState — одна задача в снимке. Статус из словаря
// pending / succeeded / failed / skipped.
type InvitationTaskState struct {
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	NextAfterTS int64  `json:"next_after_ts,omitempty"`
}

// Inviter обрабатывает задачи вступления аккаунтов.
type Inviter struct {
	store     *sqlite.Store
	reg       *registry.Registry
	gov       *governor.Governor
	connect   Connector
	delays    config.InvitationDelays
	joinDelay time.Duration // пауза между вступлениями одного прохода
	stateDir  string

	sleep func(ctx context.Context, d time.Duration) error
}

// NewInviter создаёт подконвейер приглашений. joinDelay — минимальная пауза
// между вступлениями одного прохода; stateDir — каталог снимка
// invitation_state.json.
func NewInviter(store *sqlite.Store, reg *registry.Registry, gov *governor.Governor, connect Connector, delays config.InvitationDelays, joinDelay time.Duration, stateDir string) *Inviter {
	return &Inviter{
		store:     store,
		reg:       reg,
		gov:       gov,
		connect:   connect,
		delays:    delays,
		joinDelay: joinDelay,
		stateDir:  stateDir,
		sleep:     sleepCtx,
	}
}

// sleepCtx ждёт d или отмену контекста.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Request ставит задачи вступления в entity для всех незабаненных аккаунтов.
// Повторный вызов не трогает существующие задачи и их исходы.
func (inv *Inviter) Request(ctx context.Context, entity int64, reg *registry.Registry) error {
	accounts, err := reg.List(ctx)
	if err != nil {
		return err
	}
	err = inv.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, acc := range accounts {
			if acc.Banned {
				continue
			}
			if err := sqlite.UpsertInvitationTx(ctx, tx, sqlite.InvitationTask{
				EntityID:    entity,
				SessionName: acc.SessionName,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Infof("invite: queued join tasks for entity %d", entity)
	return inv.writeState(ctx)
}

// NextWindow — типичный горизонт до следующей попытки: верхняя граница паузы.
func (inv *Inviter) NextWindow() time.Duration {
	return time.Duration(inv.delays.MaxSeconds) * time.Second
}

// RunDue обрабатывает созревшие задачи. Каждое вступление идёт через
// губернатора классом invitation (минуты между попытками разных аккаунтов).
func (inv *Inviter) RunDue(ctx context.Context) error {
	due, err := inv.store.DueInvitations(ctx, time.Now().UTC(), inviteBatch)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	for i, task := range due {
		if err := ctx.Err(); err != nil {
			return errkind.Wrap(errkind.Cancelled, err)
		}
		if i > 0 {
			if err := inv.sleep(ctx, inv.joinDelay); err != nil {
				return errkind.Wrap(errkind.Cancelled, err)
			}
		}
		inv.attempt(ctx, task)
	}
	return inv.writeState(ctx)
}

// attempt — одна попытка вступления одного аккаунта.
func (inv *Inviter) attempt(ctx context.Context, task sqlite.InvitationTask) {
	lease, err := inv.reg.Lease(ctx, task.SessionName)
	if err != nil {
		// Аккаунт остывает или занят: вернёмся к задаче позже.
		inv.postpone(ctx, task, inviteRetryBase)
		return
	}
	defer lease.Release()

	client, err := inv.connect.Client(ctx, task.SessionName)
	if err != nil {
		inv.postpone(ctx, task, inviteRetryBase)
		return
	}

	ent, err := inv.joinTarget(ctx, client, task)
	if err != nil {
		inv.recordOutcome(ctx, task, err)
		return
	}

	err = inv.gov.Do(ctx, task.SessionName, governor.OpInvitation, func() error {
		jerr := client.Join(ctx, ent)
		if jerr != nil {
			if delay, ok := telegram.FloodWaitExtractor()(jerr); ok {
				_ = lease.RecordFloodWait(ctx, delay)
			}
		}
		return jerr
	})
	if err != nil {
		inv.recordOutcome(ctx, task, err)
		return
	}
	_ = lease.RecordUse(ctx)

	// Успех: фиксируем статус и свежую access-запись одной транзакцией.
	now := time.Now().UTC()
	err = inv.store.WithTx(ctx, func(tx *sql.Tx) error {
		return sqlite.UpsertAccessRecordTx(ctx, tx, sqlite.AccessRecord{
			SessionName: task.SessionName,
			EntityID:    ent.ID,
			AccessHash:  ent.AccessHash,
			LastSeenAt:  now,
		})
	})
	if err != nil {
		logger.Errorf("invite: store access record %s/%d: %v", task.SessionName, ent.ID, err)
	}
	if err := inv.store.MarkInvitation(ctx, task.EntityID, task.SessionName, sqlite.InvitationJoined, time.Time{}); err != nil {
		logger.Errorf("invite: mark joined: %v", err)
	}
	logger.Infof("invite: %s joined entity %d", task.SessionName, task.EntityID)
}

// joinTarget адресует сущность для вступления: по username из базы, иначе
// задача невыполнима для этого аккаунта.
func (inv *Inviter) joinTarget(ctx context.Context, client telegram.Client, task sqlite.InvitationTask) (telegram.Entity, error) {
	row, err := inv.store.GetEntity(ctx, task.EntityID)
	if err != nil {
		return telegram.Entity{}, err
	}
	if row.Username == "" {
		return telegram.Entity{}, errkind.Newf(errkind.EntityAccess,
			"entity %d has no public username to join by", task.EntityID)
	}
	var ent telegram.Entity
	err = inv.gov.Do(ctx, task.SessionName, governor.OpDiscovery, func() error {
		var rerr error
		ent, rerr = client.Resolve(ctx, "@"+row.Username)
		return rerr
	})
	return ent, err
}

// recordOutcome переводит задачу в следующее состояние по виду ошибки.
func (inv *Inviter) recordOutcome(ctx context.Context, task sqlite.InvitationTask, cause error) {
	switch errkind.KindOf(cause) {
	case errkind.EntityAccess, errkind.Auth:
		// Вступление этому аккаунту недоступно: терминально.
		if err := inv.store.MarkInvitation(ctx, task.EntityID, task.SessionName, sqlite.InvitationForbidden, time.Time{}); err != nil {
			logger.Errorf("invite: mark forbidden: %v", err)
		}
		logger.Warnf("invite: %s forbidden from entity %d: %v", task.SessionName, task.EntityID, cause)
	case errkind.Cancelled:
		inv.postpone(ctx, task, inviteRetryBase)
	default:
		if task.Attempts+1 >= inviteAttemptCap {
			if err := inv.store.MarkInvitation(ctx, task.EntityID, task.SessionName, sqlite.InvitationFailed, time.Time{}); err != nil {
				logger.Errorf("invite: mark failed: %v", err)
			}
			logger.Warnf("invite: %s gave up on entity %d after %d attempts: %v",
				task.SessionName, task.EntityID, task.Attempts+1, cause)
			return
		}
		backoff := inviteRetryBase * time.Duration(1<<uint(task.Attempts))
		inv.postpone(ctx, task, backoff)
		logger.Warnf("invite: %s retry entity %d in %s: %v", task.SessionName, task.EntityID, backoff, cause)
	}
}

// postpone возвращает задачу в pending с отсрочкой и лёгким джиттером.
func (inv *Inviter) postpone(ctx context.Context, task sqlite.InvitationTask, after time.Duration) {
	jitter := 1 + inv.delays.Variance*(2*rand.Float64()-1)
	next := time.Now().UTC().Add(time.Duration(float64(after) * jitter))
	if err := inv.store.MarkInvitation(ctx, task.EntityID, task.SessionName, sqlite.InvitationPending, next); err != nil {
		logger.Errorf("invite: defer task %d/%s: %v", task.EntityID, task.SessionName, err)
	}
}

// writeState атомарно выгружает снимок всех задач в invitation_state.json.
func (inv *Inviter) writeState(ctx context.Context) error {
	tasks, err := inv.store.ListInvitations(ctx)
	if err != nil {
		return err
	}
	state := make(InvitationState, len(tasks))
	for _, t := range tasks {
		key := strconv.FormatInt(t.EntityID, 10)
		perEntity := state[key]
		if perEntity == nil {
			perEntity = make(map[string]InvitationTaskState)
			state[key] = perEntity
		}
		s := InvitationTaskState{Status: stateStatus(t.Status), Attempts: t.Attempts}
		if !t.NextAfter.IsZero() {
			s.NextAfterTS = t.NextAfter.Unix()
		}
		perEntity[t.SessionName] = s
	}
	path := filepath.Join(inv.stateDir, StateFileName)
	if err := storage.AtomicWriteJSON(path, state); err != nil {
		return errkind.Wrap(errkind.Storage, err)
	}
	return nil
}

// stateStatus переводит статус хранилища в словарь снимка.
func stateStatus(s sqlite.InvitationStatus) string {
	switch s {
	case sqlite.InvitationJoined:
		return "succeeded"
	case sqlite.InvitationForbidden:
		return "skipped"
	default:
		return string(s)
	}
}
