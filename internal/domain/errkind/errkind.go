// Package errkind — единая классификация ошибок движка.
// Виды соответствуют политике распространения: часть видов фатальна на старте
// (Configuration, Storage), часть поглощается губернатором (FloodWait), часть
// переводит аккаунт или задание в другое состояние (Auth, EntityAccess).
// Вид прикрепляется к ошибке обёрткой и извлекается через errors.Is/As,
// поэтому цепочка %w сохраняется.
package errkind

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// Kind — вид ошибки. Набор закрыт; новые виды добавляются здесь.
type Kind int

const (
	Unknown Kind = iota
	Configuration
	Storage
	Auth
	FloodWaitKind
	EntityAccess
	NetworkTimeout
	Protocol
	IntegrityViolation
	Cancelled
)

// String — имя вида для логов и причин завершения заданий.
func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Storage:
		return "storage"
	case Auth:
		return "auth"
	case FloodWaitKind:
		return "flood-wait"
	case EntityAccess:
		return "entity-access"
	case NetworkTimeout:
		return "network-timeout"
	case Protocol:
		return "protocol"
	case IntegrityViolation:
		return "integrity-violation"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// kindError прикрепляет Kind к вложенной ошибке.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Wrap помечает ошибку видом. nil остаётся nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Newf создаёт новую ошибку заданного вида.
func Newf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: errors.Errorf(format, args...)}
}

// KindOf извлекает вид из цепочки ошибок. FloodWait распознаётся и без метки.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	var fw *FloodWait
	if errors.As(err, &fw) {
		return FloodWaitKind
	}
	return Unknown
}

// Is проверяет принадлежность ошибки виду.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// FloodWait — протокольный ответ об ограничении скорости с обязательной паузой.
// Никогда не распространяется выше губернатора.
type FloodWait struct {
	Delay time.Duration
}

func (e *FloodWait) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.Delay)
}

// NewFloodWait создаёт ошибку FloodWait с паузой d.
func NewFloodWait(d time.Duration) error {
	return &FloodWait{Delay: d}
}

// AsFloodWait извлекает обязательную паузу из цепочки ошибок.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWait
	if errors.As(err, &fw) {
		return fw.Delay, true
	}
	return 0, false
}
