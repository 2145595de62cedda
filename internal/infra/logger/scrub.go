// Слой скраббинга учётных данных. Каждая запись лога (сообщение и поля)
// проходит через Scrubber, который вычищает значения, похожие на секреты:
// api hash, токены сессий, заголовки Authorization, bearer-токены, телефонные
// номера E.164, длинные base64-блобы и PEM-блоки. Помимо шаблонов Scrubber
// умеет редактировать «живые» секреты, зарегистрированные реестром аккаунтов:
// для них выполняется точное совпадение подстроки.

package logger

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// redactedPlaceholder подставляется на место любого вычищенного значения.
const redactedPlaceholder = "[REDACTED]"

// minSecretLen — минимальная длина литерального секрета. Более короткие строки
// не регистрируются: замена по ним искалечила бы обычный текст.
const minSecretLen = 6

// defaultPatterns — перечень шаблонов чувствительных значений из политики
// обработки ошибок. Порядок важен: сначала крупные структуры (PEM), затем
// заголовки, затем «голые» токены.
var defaultPatterns = []*regexp.Regexp{
	// PEM-блоки целиком.
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`),
	// Заголовок Authorization с любым содержимым до конца строки.
	regexp.MustCompile(`(?i)authorization:\s*\S+(\s+\S+)?`),
	// Bearer-токены.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	// 32-символьный hex — формат api_hash Telegram.
	regexp.MustCompile(`\b[0-9a-f]{32}\b`),
	// Телефон в E.164 (от 8 до 15 цифр с плюсом).
	regexp.MustCompile(`\+[1-9][0-9]{7,14}`),
	// Длинные base64-блобы (сессии, ключи). Порог 64 символа отсекает обычные слова.
	regexp.MustCompile(`[A-Za-z0-9+/]{64,}={0,2}`),
}

// Scrubber редактирует чувствительные значения в строках. Потокобезопасен:
// шаблоны неизменяемы после создания, список живых секретов защищён RWMutex.
type Scrubber struct {
	patterns []*regexp.Regexp

	mu      sync.RWMutex
	secrets []string // литеральные секреты, отсортированные по убыванию длины
}

// NewScrubber создаёт скраббер со встроенным набором шаблонов.
func NewScrubber() *Scrubber {
	return &Scrubber{patterns: defaultPatterns}
}

// AddSecret регистрирует литеральный секрет (api hash, токен сессии, телефон).
// Слишком короткие и пустые значения игнорируются. Список держится
// отсортированным по убыванию длины, чтобы длинные секреты вычищались первыми.
func (s *Scrubber) AddSecret(value string) {
	v := strings.TrimSpace(value)
	if len(v) < minSecretLen {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.secrets {
		if existing == v {
			return
		}
	}
	s.secrets = append(s.secrets, v)
	sort.Slice(s.secrets, func(i, j int) bool {
		return len(s.secrets[i]) > len(s.secrets[j])
	})
}

// Clean возвращает копию входной строки с вычищенными секретами.
func (s *Scrubber) Clean(in string) string {
	if in == "" {
		return in
	}

	out := in

	s.mu.RLock()
	for _, secret := range s.secrets {
		out = strings.ReplaceAll(out, secret, redactedPlaceholder)
	}
	s.mu.RUnlock()

	for _, pattern := range s.patterns {
		out = pattern.ReplaceAllString(out, redactedPlaceholder)
	}
	return out
}

// scrubCore — zapcore.Core, прогоняющий сообщение и поля через Scrubber перед
// передачей вложенному ядру. Редактируются строковые поля и ошибки; числовые
// поля остаются как есть (секреты в них не живут).
type scrubCore struct {
	zapcore.Core
	scrubber *Scrubber
}

// wrapScrub оборачивает core слоем скраббинга.
func wrapScrub(core zapcore.Core, s *Scrubber) zapcore.Core {
	return &scrubCore{Core: core, scrubber: s}
}

// With сохраняет обёртку при добавлении полей (поля чистятся сразу).
func (c *scrubCore) With(fields []zapcore.Field) zapcore.Core {
	return &scrubCore{Core: c.Core.With(c.cleanFields(fields)), scrubber: c.scrubber}
}

// Check регистрирует себя получателем записи, если уровень проходит фильтр.
func (c *scrubCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

// Write чистит сообщение и поля и делегирует запись вложенному ядру.
func (c *scrubCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = c.scrubber.Clean(entry.Message)
	return c.Core.Write(entry, c.cleanFields(fields))
}

// cleanFields возвращает копию полей с вычищенными строками и текстами ошибок.
func (c *scrubCore) cleanFields(fields []zapcore.Field) []zapcore.Field {
	if len(fields) == 0 {
		return fields
	}
	out := make([]zapcore.Field, len(fields))
	copy(out, fields)
	for i := range out {
		switch out[i].Type {
		case zapcore.StringType:
			out[i].String = c.scrubber.Clean(out[i].String)
		case zapcore.ErrorType:
			// Ошибку превращаем в строковое поле: текст проходит через Clean,
			// а исходная цепочка ошибок не утекает в лог в сыром виде.
			if err, ok := out[i].Interface.(error); ok && err != nil {
				out[i] = zapcore.Field{
					Key:    out[i].Key,
					Type:   zapcore.StringType,
					String: c.scrubber.Clean(err.Error()),
				}
			}
		default:
		}
	}
	return out
}
