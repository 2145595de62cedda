// Package secret — представление сессионных байтов в памяти процесса.
// Контракт: сравнение с кандидатом выполняется за константное время,
// текстовая форма всегда редактирована, уничтожение затирает буфер.
// Значение владеет собственной копией данных: входной срез можно
// переиспользовать сразу после создания.
package secret

import (
	"crypto/subtle"
	"sync"
)

// redacted — единственная текстовая форма секрета.
const redacted = "[SECRET]"

// Bytes — обёртка над чувствительным буфером (сессия MTProto, пароль 2FA).
type Bytes struct {
	mu   sync.Mutex
	data []byte
	dead bool
}

// New создаёт секрет из копии value.
func New(value []byte) *Bytes {
	buf := make([]byte, len(value))
	copy(buf, value)
	return &Bytes{data: buf}
}

// NewString — удобный конструктор для строковых секретов.
func NewString(value string) *Bytes {
	return New([]byte(value))
}

// Reveal отдаёт копию данных. После Destroy возвращает nil.
func (b *Bytes) Reveal() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Equal сравнивает секрет с кандидатом за константное время.
// Уничтоженный секрет не равен ничему.
func (b *Bytes) Equal(candidate []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return false
	}
	return subtle.ConstantTimeCompare(b.data, candidate) == 1
}

// Len возвращает длину данных (0 после Destroy).
func (b *Bytes) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return 0
	}
	return len(b.data)
}

// Destroy затирает буфер нулями и помечает секрет мёртвым. Идемпотентен.
func (b *Bytes) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return
	}
	for i := range b.data {
		b.data[i] = 0
	}
	b.data = nil
	b.dead = true
}

// String реализует fmt.Stringer и никогда не раскрывает содержимое.
func (b *Bytes) String() string { return redacted }

// GoString закрывает утечку через %#v.
func (b *Bytes) GoString() string { return redacted }
