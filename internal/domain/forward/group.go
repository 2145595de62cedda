// Группировка (shunt): связанные сообщения источника объединяются в одну
// единицу отпечатка и доставки. Стратегия filename собирает части одного
// файла по общей основе имени с порядковым суффиксом; стратегия time —
// сообщения одного отправителя внутри окна W секунд. Альбомы Telegram
// (общий GroupID) держатся вместе при любой стратегии.

package forward

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"spectra/internal/adapters/telegram"
)

// seqSuffixRe отделяет порядковый суффикс имени файла: "report_part_01" → "report_part".
var seqSuffixRe = regexp.MustCompile(`^(.*?)[ _.-]*\d+$`)

// msgGroup — единица отпечатка и доставки.
type msgGroup struct {
	msgs []telegram.Message
}

// lastID — id последнего сообщения группы (граница курсора).
func (g msgGroup) lastID() int64 { return g.msgs[len(g.msgs)-1].ID }

// live возвращает несервисные сообщения группы.
func (g msgGroup) live() []telegram.Message {
	var out []telegram.Message
	for _, m := range g.msgs {
		if !m.Service {
			out = append(out, m)
		}
	}
	return out
}

// groupBatch разбивает батч на группы согласно настроенной стратегии.
// Батч приходит по возрастанию id, группируются только соседние сообщения.
func (f *Forwarder) groupBatch(batch []telegram.Message) []msgGroup {
	var out []msgGroup
	for _, m := range batch {
		if len(out) > 0 && f.sameGroup(out[len(out)-1].msgs, m) {
			last := &out[len(out)-1]
			last.msgs = append(last.msgs, m)
			continue
		}
		out = append(out, msgGroup{msgs: []telegram.Message{m}})
	}
	return out
}

// sameGroup решает, принадлежит ли msg группе prev.
func (f *Forwarder) sameGroup(prev []telegram.Message, m telegram.Message) bool {
	tail := prev[len(prev)-1]
	if m.Service || tail.Service {
		return false
	}
	// Альбом: общий GroupID склеивает независимо от стратегии.
	if m.GroupID != 0 && m.GroupID == tail.GroupID {
		return true
	}
	switch f.cfg.Grouping.Strategy {
	case "filename":
		stem := mediaStem(m)
		return stem != "" && stem == mediaStem(tail)
	case "time":
		if m.SenderID == 0 || m.SenderID != tail.SenderID {
			return false
		}
		window := time.Duration(f.cfg.Grouping.WindowSeconds) * time.Second
		return m.Date.Sub(tail.Date) <= window
	default:
		return false
	}
}

// mediaStem — основа имени файла вложения без расширения и порядкового
// суффикса. Пустая строка — вложения нет или имя не задано.
func mediaStem(m telegram.Message) string {
	if m.Media == nil || m.Media.Filename == "" {
		return ""
	}
	name := strings.ToLower(m.Media.Filename)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if sub := seqSuffixRe.FindStringSubmatch(name); sub != nil && sub[1] != "" {
		return sub[1]
	}
	return name
}
