// Package governor — общий механизм ограничения скорости и повторных попыток
// для операций Telegram. На каждый аккаунт ведётся токен-бакет (30 операций в
// окно 60 секунд) и отметка next-eligible-at; классы операций добавляют
// джиттерные паузы: сообщения 200–800мс, приглашения 120–600с, обход 1–3с.
// Серверные указания подождать (FLOOD_WAIT) распознаются через настраиваемые
// WaitExtractor и никогда не распространяются выше губернатора.
// Потокобезопасен: Do может вызываться параллельно для разных аккаунтов.

package governor

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/time/rate"

	"spectra/internal/domain/errkind"
	"spectra/internal/infra/logger"
)

// Параметры бакета: 30 операций на окно 60 секунд на аккаунт.
const (
	bucketOps    = 30
	bucketWindow = 60 * time.Second
)

// Параметры экспоненциального бэкофа: base × 2^attempt × U(1−v, 1+v).
const (
	backoffBase     = time.Second
	backoffVariance = 0.3
	backoffCap      = 5 * time.Minute
)

// OpClass — класс операции; определяет межоперационную паузу.
type OpClass int

const (
	OpMessage OpClass = iota
	OpInvitation
	OpDiscovery
)

// String — имя класса для логов.
func (c OpClass) String() string {
	switch c {
	case OpInvitation:
		return "invitation"
	case OpDiscovery:
		return "discovery"
	default:
		return "message"
	}
}

// classBounds — границы джиттерной паузы класса операций.
type classBounds struct {
	min, max time.Duration
}

// WaitExtractor анализирует ошибку и возвращает обязательную серверную паузу.
// Экстракторы вызываются в порядке регистрации, первый совпавший побеждает.
type WaitExtractor func(err error) (time.Duration, bool)

// Option задаёт дополнительные параметры губернатора при создании.
type Option func(*Governor)

// WithWaitExtractors регистрирует цепочку распознавателей серверных пауз.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(g *Governor) {
		g.extractors = append(g.extractors, extractors...)
	}
}

// WithMaxRetries ограничивает число повторов временных ошибок.
func WithMaxRetries(n int) Option {
	return func(g *Governor) { g.maxRetries = n }
}

// WithMessageBase задаёт паузы класса сообщений от базовой задержки
// конфигурации: U(0.4×base, 1.6×base). База 500мс даёт штатные 200–800мс.
func WithMessageBase(base time.Duration) Option {
	return func(g *Governor) {
		if base > 0 {
			g.bounds[OpMessage] = classBounds{
				min: time.Duration(0.4 * float64(base)),
				max: time.Duration(1.6 * float64(base)),
			}
		}
	}
}

// WithInvitationBounds переопределяет паузы класса приглашений из конфигурации.
func WithInvitationBounds(min, max time.Duration) Option {
	return func(g *Governor) {
		if min > 0 && max >= min {
			g.bounds[OpInvitation] = classBounds{min: min, max: max}
		}
	}
}

// WithRandom подменяет источник случайности (детерминированные тесты).
func WithRandom(fn func() float64) Option {
	return func(g *Governor) {
		if fn != nil {
			g.randomFn = fn
		}
	}
}

// WithSleeper подменяет функцию ожидания (тесты без реального сна).
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Governor) {
		if fn != nil {
			g.sleep = fn
		}
	}
}

// accountState — лимитер и отметка доступности одного аккаунта.
type accountState struct {
	limiter      *rate.Limiter
	nextEligible time.Time
}

// Governor — губернатор скорости. Создаётся один на процесс.
type Governor struct {
	extractors []WaitExtractor
	maxRetries int
	bounds     map[OpClass]classBounds
	randomFn   func() float64
	sleep      func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	accounts map[string]*accountState
}

// New создаёт губернатор с лимитами по умолчанию.
func New(opts ...Option) *Governor {
	g := &Governor{
		maxRetries: 3,
		bounds: map[OpClass]classBounds{
			OpMessage:    {min: 200 * time.Millisecond, max: 800 * time.Millisecond},
			OpInvitation: {min: 120 * time.Second, max: 600 * time.Second},
			OpDiscovery:  {min: time.Second, max: 3 * time.Second},
		},
		randomFn: rand.Float64,
		accounts: make(map[string]*accountState),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sleep == nil {
		g.sleep = sleepCtx
	}
	return g
}

// state возвращает (создавая при первом обращении) состояние аккаунта.
func (g *Governor) state(session string) *accountState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.accounts[session]
	if !ok {
		st = &accountState{
			limiter: rate.NewLimiter(rate.Every(bucketWindow/bucketOps), bucketOps),
		}
		g.accounts[session] = st
	}
	return st
}

// Admit блокирует до момента, когда аккаунту разрешена операция класса class:
// сначала ожидается next-eligible-at (flood wait), затем токен бакета, затем
// джиттерная межоперационная пауза. Уважает отмену контекста.
func (g *Governor) Admit(ctx context.Context, session string, class OpClass) error {
	st := g.state(session)

	g.mu.Lock()
	hold := time.Until(st.nextEligible)
	g.mu.Unlock()
	if hold > 0 {
		logger.Debugf("governor: account %s held for %s", session, hold)
		if err := g.sleep(ctx, hold); err != nil {
			return errkind.Wrap(errkind.Cancelled, err)
		}
	}

	if err := st.limiter.Wait(ctx); err != nil {
		return errkind.Wrap(errkind.Cancelled, err)
	}

	if pause := g.classPause(class); pause > 0 {
		if err := g.sleep(ctx, pause); err != nil {
			return errkind.Wrap(errkind.Cancelled, err)
		}
	}
	return nil
}

// OnFloodWait фиксирует серверную паузу: аккаунт недоступен до now+delay.
func (g *Governor) OnFloodWait(session string, delay time.Duration) {
	st := g.state(session)
	until := time.Now().Add(delay)

	g.mu.Lock()
	if until.After(st.nextEligible) {
		st.nextEligible = until
	}
	g.mu.Unlock()
	logger.Warnf("governor: account %s flood wait %s", session, delay)
}

// OnSuccess сбрасывает отметку недоступности после успешной операции.
func (g *Governor) OnSuccess(session string) {
	st := g.state(session)
	g.mu.Lock()
	st.nextEligible = time.Time{}
	g.mu.Unlock()
}

// NextEligibleAt возвращает момент, раньше которого операции аккаунта не
// будут допущены (нулевое время — доступен сейчас).
func (g *Governor) NextEligibleAt(session string) time.Time {
	st := g.state(session)
	g.mu.Lock()
	defer g.mu.Unlock()
	return st.nextEligible
}

// Do выполняет fn под лимитами аккаунта с повторными попытками.
// Серверная пауза (FLOOD_WAIT) фиксируется и ожидается без роста attempt;
// временные ошибки повторяются по экспоненциальному бэкофу с джиттером;
// остальные ошибки возвращаются вызывающему немедленно.
func (g *Governor) Do(ctx context.Context, session string, class OpClass, fn func() error) error {
	attempt := 0
	for {
		if err := g.Admit(ctx, session, class); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			g.OnSuccess(session)
			return nil
		}

		switch {
		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return errkind.Wrap(errkind.Cancelled, callErr)

		case g.hasWait(callErr):
			wait, _ := g.extractWait(callErr)
			g.OnFloodWait(session, wait)
			continue // пауза отработает в Admit; attempt не растёт

		case errkind.KindOf(callErr) == errkind.NetworkTimeout:
			if attempt >= g.maxRetries {
				return errors.Wrapf(callErr, "governor: max retries reached (%d)", g.maxRetries)
			}
			sleep := g.expBackoff(attempt)
			attempt++
			logger.Debugf("governor: account %s retry %d in %s", session, attempt, sleep)
			if err := g.sleep(ctx, sleep); err != nil {
				return errkind.Wrap(errkind.Cancelled, err)
			}

		default:
			return callErr
		}
	}
}

// classPause возвращает джиттерную паузу класса: U(min, max).
func (g *Governor) classPause(class OpClass) time.Duration {
	b, ok := g.bounds[class]
	if !ok || b.max <= b.min {
		return b.min
	}
	span := float64(b.max - b.min)
	return b.min + time.Duration(g.randomFn()*span)
}

// expBackoff — base × 2^attempt × U(1−v, 1+v), ограниченный потолком.
func (g *Governor) expBackoff(attempt int) time.Duration {
	base := float64(backoffBase) * math.Pow(2, float64(attempt))
	if base > float64(backoffCap) {
		base = float64(backoffCap)
	}
	jitter := 1 - backoffVariance + g.randomFn()*2*backoffVariance
	return time.Duration(base * jitter)
}

// hasWait сообщает, распознал ли хотя бы один экстрактор серверную паузу.
func (g *Governor) hasWait(err error) bool {
	_, ok := g.extractWait(err)
	return ok
}

// extractWait запускает цепочку экстракторов; встроенный errkind.FloodWait
// распознаётся всегда, даже без зарегистрированных экстракторов.
func (g *Governor) extractWait(err error) (time.Duration, bool) {
	if d, ok := errkind.AsFloodWait(err); ok {
		return d, true
	}
	for _, extractor := range g.extractors {
		if extractor == nil {
			continue
		}
		if d, ok := extractor(err); ok {
			return d, true
		}
	}
	return 0, false
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
