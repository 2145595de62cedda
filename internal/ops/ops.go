// Package ops — операторские команды поверх собранного приложения.
// Каждый глагол ставит разовое закреплённое задание в очередь и дожидается
// его терминального состояния, либо напрямую управляет аккаунтами,
// access-записями и расписаниями. Результаты печатаются на stdout; коды
// завершения процесса выводятся из вида ошибки.
package ops

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"spectra/internal/adapters/telegram"
	"spectra/internal/app"
	"spectra/internal/domain/archive"
	"spectra/internal/domain/discover"
	"spectra/internal/domain/errkind"
	"spectra/internal/domain/forward"
	"spectra/internal/domain/governor"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/sqlite"
)

// Коды завершения процесса по операторскому контракту.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitConfig    = 2
	ExitStorage   = 3
	ExitAuth      = 4
	ExitCancelled = 5
)

// Период опроса состояния разового задания.
const jobPollInterval = 500 * time.Millisecond

// ExitCode переводит вид ошибки в код завершения процесса.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch errkind.KindOf(err) {
	case errkind.Configuration:
		return ExitConfig
	case errkind.Storage, errkind.IntegrityViolation:
		return ExitStorage
	case errkind.Auth:
		return ExitAuth
	case errkind.Cancelled:
		return ExitCancelled
	default:
		return ExitFailure
	}
}

// Archive ставит разовое задание архивирования и ждёт его завершения.
// target — числовой id известной сущности либо @username / ссылка.
func Archive(ctx context.Context, a *app.App, target string, topic int64) error {
	entity, ref := parseTarget(target)
	if entity == 0 && ref == "" {
		return errkind.Newf(errkind.Configuration, "archive: target is required")
	}
	payload := archive.Payload{Entity: entity, Ref: ref, Topic: topic}
	id, err := a.Scheduler().Enqueue(ctx, sqlite.JobArchive, payload, true)
	if err != nil {
		return err
	}
	return awaitJob(ctx, a.Store(), id)
}

// Forward ставит разовое задание пересылки и ждёт его завершения.
func Forward(ctx context.Context, a *app.App, mode, target string, dest int64) error {
	switch mode {
	case forward.ModeSelective, forward.ModeTotal, forward.ModeDiscover:
	default:
		return errkind.Newf(errkind.Configuration, "forward: unknown mode %q", mode)
	}
	entity, ref := parseTarget(target)
	if mode != forward.ModeTotal && entity == 0 && ref == "" {
		return errkind.Newf(errkind.Configuration, "forward: mode %q requires a source target", mode)
	}
	payload := forward.Payload{Mode: mode, Entity: entity, Ref: ref, Destination: dest}
	id, err := a.Scheduler().Enqueue(ctx, sqlite.JobForward, payload, true)
	if err != nil {
		return err
	}
	return awaitJob(ctx, a.Store(), id)
}

// Discover ставит разовое задание обхода от затравки и ждёт его завершения.
func Discover(ctx context.Context, a *app.App, seed string) error {
	if strings.TrimSpace(seed) == "" {
		return errkind.Newf(errkind.Configuration, "discover: seed reference is required")
	}
	payload := discover.Payload{Seed: seed}
	id, err := a.Scheduler().Enqueue(ctx, sqlite.JobDiscovery, payload, true)
	if err != nil {
		return err
	}
	return awaitJob(ctx, a.Store(), id)
}

// awaitJob опрашивает задание до терминального состояния. Отложенные повторы
// (flood wait на всех аккаунтах) видны оператору как ожидание.
func awaitJob(ctx context.Context, store *sqlite.Store, id string) error {
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.Cancelled, ctx.Err())
		case <-ticker.C:
		}
		job, err := store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		switch job.State {
		case sqlite.JobSucceeded:
			fmt.Printf("job %s: done\n", id)
			return nil
		case sqlite.JobFailed:
			return errkind.Newf(kindFromCause(job.Cause), "job %s failed: %s", id, job.Cause)
		case sqlite.JobCancelled:
			return errkind.Newf(errkind.Cancelled, "job %s cancelled", id)
		}
	}
}

// kindFromCause восстанавливает вид ошибки из причины завершения задания
// (префикс "kind: ...", который пишет диспетчер).
func kindFromCause(cause string) errkind.Kind {
	name, _, ok := strings.Cut(cause, ":")
	if !ok {
		return errkind.Unknown
	}
	for k := errkind.Configuration; k <= errkind.Cancelled; k++ {
		if k.String() == name {
			return k
		}
	}
	return errkind.Unknown
}

// parseTarget различает числовой id сущности и внешнюю ссылку.
func parseTarget(target string) (int64, string) {
	target = strings.TrimSpace(target)
	if target == "" {
		return 0, ""
	}
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		return id, ""
	}
	return 0, target
}

// AccountsImport повторно применяет инвентарь аккаунтов из конфигурации.
// Существующие сессии не затираются пустыми значениями.
func AccountsImport(ctx context.Context, a *app.App, accounts []config.AccountConfig) error {
	if err := a.Registry().Import(ctx, accounts, logger.CurrentScrubber()); err != nil {
		return err
	}
	fmt.Printf("%d accounts imported\n", len(accounts))
	return nil
}

// AccountsList печатает инвентарь аккаунтов. Телефоны не выводятся.
func AccountsList(ctx context.Context, a *app.App) error {
	accounts, err := a.Registry().List(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-20s %-10s %-8s %s\n", "SESSION", "USAGE", "STATE", "COOLDOWN UNTIL")
	for _, acc := range accounts {
		state := "ok"
		switch {
		case acc.Banned:
			state = "banned"
		case acc.CooldownUntil.After(time.Now()):
			state = "cooling"
		}
		cooldown := "-"
		if acc.CooldownUntil.After(time.Now()) {
			cooldown = acc.CooldownUntil.UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-20s %-10d %-8s %s\n", acc.SessionName, acc.UsageCount, state, cooldown)
	}
	return nil
}

// AccountsTest проверяет авторизацию каждого аккаунта живым запросом Self.
// Возвращает ошибку вида Auth, если ни один аккаунт не прошёл проверку.
func AccountsTest(ctx context.Context, a *app.App) error {
	accounts, err := a.Registry().List(ctx)
	if err != nil {
		return err
	}
	failed := 0
	for _, acc := range accounts {
		client, err := a.Client(ctx, acc.SessionName)
		if err == nil {
			_, err = client.Self(ctx)
		}
		if err != nil {
			failed++
			fmt.Printf("%-20s FAIL: %v\n", acc.SessionName, err)
			logger.Warnf("accounts: %s failed self-check: %v", acc.SessionName, err)
			continue
		}
		fmt.Printf("%-20s OK\n", acc.SessionName)
	}
	if failed == len(accounts) && failed > 0 {
		return errkind.Newf(errkind.Auth, "all %d accounts failed authorization check", failed)
	}
	return nil
}

// AccountsReset сбрасывает счётчики и кулдаун аккаунта.
func AccountsReset(ctx context.Context, a *app.App, session string) error {
	if err := a.Registry().ResetAccount(ctx, session); err != nil {
		return err
	}
	fmt.Printf("account %s reset\n", session)
	return nil
}

// ChannelsUpdateAccess повторно резолвит все сущности с публичным username
// каждым действующим аккаунтом и обновляет access-записи. Недоступные
// сущности помечаются протухшими для соответствующего аккаунта.
func ChannelsUpdateAccess(ctx context.Context, a *app.App) error {
	accounts, err := a.Registry().List(ctx)
	if err != nil {
		return err
	}
	entities, err := a.Store().ListNamedEntities(ctx)
	if err != nil {
		return err
	}

	refreshed, stale := 0, 0
	for _, acc := range accounts {
		if acc.Banned {
			continue
		}
		r, s, err := refreshAccessFor(ctx, a, acc.SessionName, entities)
		if err != nil {
			if errkind.Is(err, errkind.Cancelled) {
				return err
			}
			logger.Warnf("channels: account %s: %v", acc.SessionName, err)
			continue
		}
		refreshed += r
		stale += s
	}
	fmt.Printf("access records refreshed: %d, marked stale: %d\n", refreshed, stale)
	return nil
}

// refreshAccessFor обновляет access-записи одного аккаунта.
func refreshAccessFor(ctx context.Context, a *app.App, session string, entities []sqlite.Entity) (int, int, error) {
	lease, err := a.Registry().Lease(ctx, session)
	if err != nil {
		return 0, 0, err
	}
	defer lease.Release()

	client, err := a.Client(ctx, session)
	if err != nil {
		return 0, 0, err
	}

	refreshed, stale := 0, 0
	for _, known := range entities {
		var ent telegram.Entity
		err := a.Governor().Do(ctx, session, governor.OpDiscovery, func() error {
			var rerr error
			ent, rerr = client.Resolve(ctx, "@"+known.Username)
			return rerr
		})
		_ = lease.RecordUse(ctx)
		if err != nil {
			if errkind.Is(err, errkind.EntityAccess) {
				if merr := a.Store().MarkAccessStale(ctx, session, known.ID); merr != nil {
					return refreshed, stale, merr
				}
				stale++
				continue
			}
			if errkind.Is(err, errkind.Cancelled) {
				return refreshed, stale, err
			}
			logger.Warnf("channels: resolve @%s via %s: %v", known.Username, session, err)
			continue
		}
		err = a.Store().WithTx(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC()
			e := known
			e.Title = ent.Title
			e.Kind = ent.Kind
			e.Username = ent.Username
			e.LastSeenAt = now
			if err := sqlite.UpsertEntityTx(ctx, tx, e); err != nil {
				return err
			}
			return sqlite.UpsertAccessRecordTx(ctx, tx, sqlite.AccessRecord{
				SessionName: session,
				EntityID:    ent.ID,
				AccessHash:  ent.AccessHash,
				LastSeenAt:  now,
			})
		})
		if err != nil {
			return refreshed, stale, err
		}
		refreshed++
	}
	return refreshed, stale, nil
}

// ScheduleAdd сохраняет cron-расписание операции.
func ScheduleAdd(ctx context.Context, a *app.App, cronExpr, verb, payload string) error {
	id, err := a.Schedules().Add(ctx, cronExpr, verb, payload)
	if err != nil {
		return err
	}
	fmt.Printf("schedule %d added: %q %s\n", id, cronExpr, verb)
	return nil
}

// ScheduleList печатает сохранённые расписания.
func ScheduleList(ctx context.Context, a *app.App) error {
	rows, err := a.Schedules().List(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-6s %-20s %-10s %s\n", "ID", "CRON", "VERB", "PAYLOAD")
	for _, row := range rows {
		fmt.Printf("%-6d %-20s %-10s %s\n", row.ID, row.Cron, row.Verb, row.Payload)
	}
	return nil
}

// ScheduleRemove удаляет расписание по id.
func ScheduleRemove(ctx context.Context, a *app.App, id int64) error {
	removed, err := a.Schedules().Remove(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return errkind.Newf(errkind.Configuration, "schedule %d not found", id)
	}
	fmt.Printf("schedule %d removed\n", id)
	return nil
}
