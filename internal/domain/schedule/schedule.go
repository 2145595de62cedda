// Package schedule — периодический запуск операций по cron-выражениям.
// Расписания персистентны в базе; при старте все строки регистрируются в
// cron-планировщике, срабатывание ставит задание соответствующего класса
// в очередь диспетчера.
package schedule

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/robfig/cron/v3"

	"spectra/internal/domain/errkind"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/sqlite"
)

// Enqueuer ставит задание в очередь (реализуется диспетчером).
type Enqueuer interface {
	Enqueue(ctx context.Context, kind sqlite.JobKind, payload any, pinned bool) (string, error)
}

// verbKinds — соответствие операторских глаголов классам заданий.
var verbKinds = map[string]sqlite.JobKind{
	"archive":  sqlite.JobArchive,
	"forward":  sqlite.JobForward,
	"discover": sqlite.JobDiscovery,
}

// Runner — владелец cron-планировщика поверх таблицы schedules.
type Runner struct {
	store *sqlite.Store
	queue Enqueuer
	cron  *cron.Cron

	mu      sync.Mutex
	entries map[int64]cron.EntryID
}

// New создаёт раннер расписаний.
func New(store *sqlite.Store, queue Enqueuer) *Runner {
	return &Runner{
		store:   store,
		queue:   queue,
		cron:    cron.New(),
		entries: make(map[int64]cron.EntryID),
	}
}

// Start регистрирует сохранённые расписания и запускает планировщик.
func (r *Runner) Start(ctx context.Context) error {
	rows, err := r.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := r.register(ctx, row); err != nil {
			// Повреждённое расписание не валит запуск процесса.
			logger.Errorf("schedule: skip entry %d (%q): %v", row.ID, row.Cron, err)
		}
	}
	r.cron.Start()
	logger.Infof("schedule: runner started with %d entries", len(rows))
	return nil
}

// Stop останавливает планировщик и ждёт завершения текущих срабатываний.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// Add сохраняет расписание и регистрирует его на лету.
func (r *Runner) Add(ctx context.Context, cronExpr, verb, payload string) (int64, error) {
	if _, ok := verbKinds[verb]; !ok {
		return 0, errkind.Newf(errkind.Configuration, "schedule: unknown verb %q", verb)
	}
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return 0, errkind.Wrap(errkind.Configuration, err)
	}
	if payload != "" && !json.Valid([]byte(payload)) {
		return 0, errkind.Newf(errkind.Configuration, "schedule: payload is not valid JSON")
	}

	id, err := r.store.AddSchedule(ctx, cronExpr, verb, payload)
	if err != nil {
		return 0, err
	}
	row := sqlite.Schedule{ID: id, Cron: cronExpr, Verb: verb, Payload: payload}
	if err := r.register(ctx, row); err != nil {
		return 0, err
	}
	logger.Infof("schedule: added entry %d: %q %s", id, cronExpr, verb)
	return id, nil
}

// Remove удаляет расписание из базы и из планировщика.
func (r *Runner) Remove(ctx context.Context, id int64) (bool, error) {
	removed, err := r.store.RemoveSchedule(ctx, id)
	if err != nil || !removed {
		return removed, err
	}
	r.mu.Lock()
	if entry, ok := r.entries[id]; ok {
		r.cron.Remove(entry)
		delete(r.entries, id)
	}
	r.mu.Unlock()
	logger.Infof("schedule: removed entry %d", id)
	return true, nil
}

// List возвращает сохранённые расписания.
func (r *Runner) List(ctx context.Context) ([]sqlite.Schedule, error) {
	return r.store.ListSchedules(ctx)
}

// register вешает одно расписание на cron-планировщик.
func (r *Runner) register(ctx context.Context, row sqlite.Schedule) error {
	kind, ok := verbKinds[row.Verb]
	if !ok {
		return errkind.Newf(errkind.Configuration, "schedule: unknown verb %q", row.Verb)
	}
	payload := json.RawMessage(row.Payload)
	if row.Payload == "" {
		payload = json.RawMessage("{}")
	}

	entry, err := r.cron.AddFunc(row.Cron, func() {
		if _, err := r.queue.Enqueue(ctx, kind, payload, false); err != nil {
			logger.Errorf("schedule: entry %d enqueue %s: %v", row.ID, kind, err)
			return
		}
		logger.Infof("schedule: entry %d fired: %s", row.ID, kind)
	})
	if err != nil {
		return errkind.Wrap(errkind.Configuration, err)
	}

	r.mu.Lock()
	r.entries[row.ID] = entry
	r.mu.Unlock()
	return nil
}
