// Package app — верхний уровень сборки движка. Здесь связываются конфигурация,
// встроенная база, реестр аккаунтов, губернатор скорости, пул подключений и
// конвейеры (архив, пересылка, обход), а также диспетчер заданий и cron-раннер.
// Отсюда стартует фоновая работа и обеспечивается корректный shutdown.
package app

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"spectra/internal/adapters/telegram"
	"spectra/internal/domain/archive"
	"spectra/internal/domain/discover"
	"spectra/internal/domain/errkind"
	"spectra/internal/domain/forward"
	"spectra/internal/domain/governor"
	"spectra/internal/domain/registry"
	"spectra/internal/domain/schedule"
	"spectra/internal/domain/scheduler"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/media"
	"spectra/internal/infra/sqlite"
	"spectra/internal/infra/storage"
)

// Периодичность фоновой проверки созревших приглашений.
const invitePollInterval = time.Minute

// App агрегирует зависимости движка и управляет их жизненным циклом.
type App struct {
	cfg *config.Config

	store  *sqlite.Store
	lock   *storage.ProcessLock
	reg    *registry.Registry
	gov    *governor.Governor
	pool   *connPool
	layout *media.Layout

	inviter    *forward.Inviter
	archiver   *archive.Archiver
	forwarder  *forward.Forwarder
	discoverer *discover.Discoverer

	sched *scheduler.Scheduler
	crons *schedule.Runner

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp создаёт пустой каркас. Фактическая инициализация выполняется в Init.
func NewApp(cfg *config.Config) *App {
	return &App{cfg: cfg}
}

// Init собирает все подсистемы: открывает базу под эксклюзивной блокировкой,
// проверяет её целостность, импортирует аккаунты и строит конвейеры.
// Порядок важен: каждая следующая подсистема опирается на предыдущие.
func (a *App) Init(ctx context.Context) error {
	dataDir := filepath.Dir(a.cfg.DB.Path)
	if err := storage.EnsureDir(dataDir); err != nil {
		return errkind.Wrap(errkind.Storage, err)
	}

	lock, err := storage.AcquireProcessLock(filepath.Join(dataDir, "spectra.lock"))
	if err != nil {
		return err
	}
	a.lock = lock

	store, err := sqlite.Open(a.cfg.DB.Path)
	if err != nil {
		return err
	}
	a.store = store

	report, err := store.IntegrityCheck(ctx)
	if err != nil {
		return err
	}
	if !report.OK() {
		for _, f := range report.Findings {
			logger.Errorf("integrity: %s %s: %s", f.Check, f.Object, f.Detail)
		}
		return errkind.Newf(errkind.IntegrityViolation,
			"store integrity check failed with %d findings", len(report.Findings))
	}
	logger.Infof("store opened: %s (schema v%d)", a.cfg.DB.Path, report.SchemaVersion)

	a.reg = registry.New(store, a.cfg.Rotation, filepath.Join(dataDir, "sessions"))
	if err := a.reg.Import(ctx, a.cfg.Accounts, logger.CurrentScrubber()); err != nil {
		return err
	}
	if err := a.bindProxy(ctx); err != nil {
		return err
	}

	delays := a.cfg.Forwarding.InvitationDelays
	rl := a.cfg.Parallel.RateLimit
	a.gov = governor.New(
		governor.WithWaitExtractors(telegram.FloodWaitExtractor()),
		governor.WithMessageBase(time.Duration(rl.MessageDelaySeconds*float64(time.Second))),
		governor.WithInvitationBounds(
			time.Duration(delays.MinSeconds)*time.Second,
			time.Duration(delays.MaxSeconds)*time.Second,
		),
	)

	a.pool = newConnPool(a.reg, store, a.cfg.Proxy, filepath.Join(dataDir, "peers"))
	a.layout = media.NewLayout(a.cfg.Archive.MediaDir)

	a.inviter = forward.NewInviter(store, a.reg, a.gov, a.pool, delays,
		time.Duration(rl.JoinDelaySeconds*float64(time.Second)), dataDir)
	a.archiver = archive.New(store, a.reg, a.gov, a.pool, a.layout, a.cfg.Archive)
	a.discoverer = discover.New(store, a.reg, a.gov, a.pool, a.cfg.Discovery)
	a.forwarder = forward.New(store, a.reg, a.gov, a.pool, a.inviter,
		a.discoverer.Crawl, a.cfg.Forwarding, a.cfg.Deduplication,
		a.cfg.DefaultForwardingDestinationID)

	a.sched = scheduler.New(store, scheduler.WithWorkers(a.workerCount()))
	a.sched.Register(sqlite.JobArchive, a.archiver)
	a.sched.Register(sqlite.JobForward, a.forwarder)
	a.sched.Register(sqlite.JobDiscovery, a.discoverer)

	a.crons = schedule.New(store, a.sched)
	return nil
}

// bindProxy регистрирует настроенный прокси в базе и привязывает его ко всем
// аккаунтам. Без прокси в конфигурации привязки не меняются.
func (a *App) bindProxy(ctx context.Context) error {
	px := a.cfg.Proxy
	if !px.Enabled || px.Type == "" || px.Type == "direct" {
		return nil
	}
	id, err := a.store.UpsertProxy(ctx, sqlite.Proxy{
		Transport:     px.Type,
		Host:          px.Host,
		Port:          px.Port,
		Username:      px.Username,
		Password:      px.Password,
		RotationGroup: px.Rotation,
		Exclusive:     px.Exclusive,
	})
	if err != nil {
		return err
	}
	if err := a.reg.BindProxy(ctx, id); err != nil {
		return err
	}
	logger.Infof("proxy %s://%s:%d registered as #%d", px.Type, px.Host, px.Port, id)
	return nil
}

// Start запускает диспетчер заданий, cron-раннер и фоновую обработку
// приглашений. Не блокируется.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	if err := a.crons.Start(ctx); err != nil {
		return err
	}

	a.wg.Add(1)
	go a.invitationLoop(ctx)

	logger.Infof("engine started: %d accounts, %d workers",
		len(a.cfg.Accounts), a.workerCount())
	return nil
}

// Stop останавливает подсистемы в обратном порядке запуска и освобождает
// ресурсы. Идемпотентен.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()

	if a.crons != nil {
		a.crons.Stop()
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Errorf("store close: %v", err)
		}
		a.store = nil
	}
	if a.lock != nil {
		a.lock.Release()
		a.lock = nil
	}
	logger.Infof("engine stopped")
}

// invitationLoop периодически выполняет созревшие задачи приглашений.
func (a *App) invitationLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(invitePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.inviter.RunDue(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("invitations: %v", err)
			}
		}
	}
}

func (a *App) workerCount() int {
	if !a.cfg.Parallel.Enabled {
		return 1
	}
	return a.cfg.Parallel.MaxWorkers
}

// Доступ к подсистемам для операторских команд.

func (a *App) Store() *sqlite.Store            { return a.store }
func (a *App) Registry() *registry.Registry    { return a.reg }
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Schedules() *schedule.Runner     { return a.crons }
func (a *App) Governor() *governor.Governor    { return a.gov }

// Client возвращает подключённый клиент указанной сессии из пула.
func (a *App) Client(ctx context.Context, session string) (telegram.Client, error) {
	return a.pool.Client(ctx, session)
}
