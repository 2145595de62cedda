// Package scheduler — диспетчер заданий движка. Пул воркеров ограниченного
// размера разбирает три приоритетных класса (архивирование > пересылка >
// обнаружение) из персистентной таблицы jobs; закреплённые оператором задания
// обгоняют очередь внутри своего класса. Таблица блокировок по сущности
// гарантирует, что две операции не работают с одной сущностью одновременно.
// Отмена кооперативная: конвейеры проверяют контекст на границах батчей,
// начатый батч либо дописывается, либо откатывается целиком.

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"spectra/internal/domain/errkind"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/sqlite"
)

// Параметры диспетчера по умолчанию.
const (
	defaultWorkers    = 4
	defaultQueueBound = 10000
	defaultAttemptCap = 3
	pollInterval      = time.Second
	retryBackoffBase  = 5 * time.Second
)

// ErrQueueFull возвращается Enqueue при превышении мягкой границы очереди.
var ErrQueueFull = errors.New("scheduler: queue is full")

// kindPriority — порядок классов от старшего к младшему.
var kindPriority = []sqlite.JobKind{sqlite.JobArchive, sqlite.JobForward, sqlite.JobDiscovery}

// Runner выполняет задание одного класса. Возвращаемые исходы:
//   - nil — задание завершено;
//   - RetryAfter — повторить не раньше указанного срока;
//   - ошибка вида Cancelled — вернуть в очередь без роста попыток;
//   - любая другая ошибка — повтор с бэкофом до исчерпания попыток.
type Runner interface {
	Run(ctx context.Context, job sqlite.Job) error
}

// RunnerFunc — адаптер функций под Runner.
type RunnerFunc func(ctx context.Context, job sqlite.Job) error

func (f RunnerFunc) Run(ctx context.Context, job sqlite.Job) error { return f(ctx, job) }

// RetryAfter — исход "повторить позже" (например, flood wait на всех аккаунтах).
type RetryAfter struct {
	After time.Duration
}

func (e *RetryAfter) Error() string {
	return fmt.Sprintf("retry after %s", e.After)
}

// Option настраивает диспетчер.
type Option func(*Scheduler)

// WithWorkers задаёт размер пула воркеров.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueBound задаёт мягкую границу очереди на класс.
func WithQueueBound(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.bound = n
		}
	}
}

// WithAttemptCap задаёт потолок попыток до перевода в failed.
func WithAttemptCap(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.attemptCap = n
		}
	}
}

// WithRetryBackoff задаёт базу экспоненциального бэкофа между попытками.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.backoffBase = d
		}
	}
}

// Scheduler — диспетчер пула воркеров поверх таблицы jobs.
type Scheduler struct {
	store       *sqlite.Store
	workers     int
	bound       int
	attemptCap  int
	backoffBase time.Duration

	runners map[sqlite.JobKind]Runner

	// wake будит диспетчерский цикл после Enqueue, не дожидаясь тика.
	wake chan struct{}

	mu          sync.Mutex
	entityLocks map[int64]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создаёт диспетчер. Раннеры классов регистрируются через Register до Start.
func New(store *sqlite.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		workers:     defaultWorkers,
		bound:       defaultQueueBound,
		attemptCap:  defaultAttemptCap,
		backoffBase: retryBackoffBase,
		runners:     make(map[sqlite.JobKind]Runner),
		wake:        make(chan struct{}, 1),
		entityLocks: make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register привязывает раннер к классу заданий.
func (s *Scheduler) Register(kind sqlite.JobKind, r Runner) {
	s.runners[kind] = r
}

// jobEnvelope — минимальная часть payload, понятная диспетчеру.
type jobEnvelope struct {
	Entity int64 `json:"entity"`
}

// Enqueue ставит задание в очередь. Payload — JSON конкретного конвейера;
// поле "entity" используется таблицей блокировок. Мягкая граница очереди
// считается по нетерминальным заданиям класса.
func (s *Scheduler) Enqueue(ctx context.Context, kind sqlite.JobKind, payload any, pinned bool) (string, error) {
	pending, err := s.store.CountJobs(ctx, kind)
	if err != nil {
		return "", err
	}
	if pending >= s.bound {
		return "", errors.Wrapf(ErrQueueFull, "%s backlog %d", kind, pending)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errkind.Wrap(errkind.Configuration, err)
	}

	id := uuid.NewString()
	if err := s.store.EnqueueJob(ctx, sqlite.Job{
		ID:      id,
		Kind:    kind,
		Payload: string(raw),
		Pinned:  pinned,
	}); err != nil {
		return "", err
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	logger.Infof("scheduler: enqueued %s job %s (pinned=%v)", kind, id, pinned)
	return id, nil
}

// Start восстанавливает осиротевшие running-задания и запускает пул воркеров.
func (s *Scheduler) Start(ctx context.Context) error {
	recovered, err := s.store.RecoverRunningJobs(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Infof("scheduler: requeued %d interrupted jobs", recovered)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	jobs := make(chan sqlite.Job)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.workerLoop(runCtx, jobs)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(jobs)
		s.dispatchLoop(runCtx, jobs)
	}()
	return nil
}

// Stop останавливает диспетчер и ждёт завершения начатых заданий.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// dispatchLoop раздаёт готовые задания воркерам, обходя классы по приоритету.
func (s *Scheduler) dispatchLoop(ctx context.Context, jobs chan<- sqlite.Job) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		s.dispatchOnce(ctx, jobs)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// dispatchOnce пытается раздать по одному кванту заданий каждого класса.
// Старший класс обслуживается первым; внутри класса порядок определяет
// DueJobs (закреплённые, затем самые старые).
func (s *Scheduler) dispatchOnce(ctx context.Context, jobs chan<- sqlite.Job) {
	now := time.Now().UTC()
	for _, kind := range kindPriority {
		if _, ok := s.runners[kind]; !ok {
			continue
		}
		due, err := s.store.DueJobs(ctx, kind, now, s.workers)
		if err != nil {
			if errkind.KindOf(err) != errkind.Cancelled {
				logger.Errorf("scheduler: list due %s jobs: %v", kind, err)
			}
			return
		}
		for _, job := range due {
			entity := entityOf(job)
			if !s.tryLockEntity(entity) {
				continue
			}
			claimed, err := s.store.MarkJobRunning(ctx, job.ID)
			if err != nil || !claimed {
				s.unlockEntity(entity)
				if err != nil && errkind.KindOf(err) != errkind.Cancelled {
					logger.Errorf("scheduler: claim job %s: %v", job.ID, err)
				}
				continue
			}
			select {
			case jobs <- job:
			case <-ctx.Done():
				s.unlockEntity(entity)
				// Заявленное, но не начатое задание возвращаем в очередь сразу,
				// не дожидаясь RecoverRunningJobs следующего запуска.
				s.requeue(context.Background(), job, 0, true)
				return
			}
		}
	}
}

// workerLoop выполняет задания и фиксирует исходы.
func (s *Scheduler) workerLoop(ctx context.Context, jobs <-chan sqlite.Job) {
	for job := range jobs {
		s.runJob(ctx, job)
	}
}

// runJob выполняет одно задание и переводит его в следующий статус.
func (s *Scheduler) runJob(ctx context.Context, job sqlite.Job) {
	entity := entityOf(job)
	defer s.unlockEntity(entity)

	runner := s.runners[job.Kind]
	err := runner.Run(ctx, job)

	// Исходы фиксируем на фоне: контекст воркера мог быть уже отменён.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if ferr := s.store.FinishJob(finishCtx, job.ID, sqlite.JobSucceeded, ""); ferr != nil {
			logger.Errorf("scheduler: finish job %s: %v", job.ID, ferr)
		}
		logger.Infof("scheduler: job %s (%s) succeeded", job.ID, job.Kind)

	case isRetryAfter(err):
		var ra *RetryAfter
		errors.As(err, &ra)
		s.requeue(finishCtx, job, ra.After, false)

	case errkind.KindOf(err) == errkind.Cancelled:
		// Кооперативная остановка: батч откатился, задание продолжится с чекпоинта.
		s.requeue(finishCtx, job, 0, true)

	default:
		attempts, aerr := s.store.RecordJobFailure(finishCtx, job.ID)
		if aerr != nil {
			logger.Errorf("scheduler: record failure of job %s: %v", job.ID, aerr)
			attempts = job.Attempts + 1
		}
		if attempts >= s.attemptCap {
			cause := fmt.Sprintf("%s: %s", errkind.KindOf(err), err)
			if ferr := s.store.FinishJob(finishCtx, job.ID, sqlite.JobFailed, cause); ferr != nil {
				logger.Errorf("scheduler: finish job %s: %v", job.ID, ferr)
			}
			logger.Errorf("scheduler: job %s (%s) failed after %d attempts: %v",
				job.ID, job.Kind, attempts, err)
			return
		}
		backoff := s.backoffBase * time.Duration(1<<uint(attempts-1))
		logger.Warnf("scheduler: job %s (%s) attempt %d failed, retry in %s: %v",
			job.ID, job.Kind, attempts, backoff, err)
		s.requeue(finishCtx, job, backoff, false)
	}
}

// requeue возвращает задание в очередь. Счётчик попыток здесь не растёт:
// отказы учитывает RecordJobFailure в runJob.
func (s *Scheduler) requeue(ctx context.Context, job sqlite.Job, after time.Duration, cancelled bool) {
	notBefore := time.Now().UTC()
	if after > 0 {
		notBefore = notBefore.Add(after)
	}
	if err := s.store.RequeueJob(ctx, job.ID, notBefore); err != nil {
		logger.Errorf("scheduler: requeue job %s: %v", job.ID, err)
		return
	}
	if cancelled {
		logger.Infof("scheduler: job %s (%s) parked for restart", job.ID, job.Kind)
	}
}

// tryLockEntity захватывает блокировку сущности; entity=0 не блокируется.
func (s *Scheduler) tryLockEntity(entity int64) bool {
	if entity == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.entityLocks[entity]; busy {
		return false
	}
	s.entityLocks[entity] = struct{}{}
	return true
}

func (s *Scheduler) unlockEntity(entity int64) {
	if entity == 0 {
		return
	}
	s.mu.Lock()
	delete(s.entityLocks, entity)
	s.mu.Unlock()
}

// entityOf извлекает сущность из payload задания (0 — без блокировки).
func entityOf(job sqlite.Job) int64 {
	var env jobEnvelope
	if err := json.Unmarshal([]byte(job.Payload), &env); err != nil {
		return 0
	}
	return env.Entity
}

func isRetryAfter(err error) bool {
	var ra *RetryAfter
	return errors.As(err, &ra)
}
