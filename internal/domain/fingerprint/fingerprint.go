// Package fingerprint — канонические отпечатки контента для дедупликации
// пересылки. Точный отпечаток — sha-256 канонической формы сообщения
// (NFC-нормализованный текст без краевых пробелов, sha-256 медиа, mime,
// отсортированные сущности подписи). Неточные: 64-битный перцептивный хеш
// изображений (дубликат при расстоянии Хэмминга ≤ порога) и fuzzy-хеш текста
// (дубликат при сходстве ≥ порога по шкале 0–100).

package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"math/bits"
	"sort"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/glaslos/ssdeep"
	"golang.org/x/text/unicode/norm"

	"spectra/internal/domain/errkind"
)

// CaptionEntity — одна сущность форматирования подписи (ссылка, упоминание).
type CaptionEntity struct {
	Type   string
	Offset int
	Length int
	Value  string // URL, имя пользователя и т.п.
}

// Content — каноникализуемое содержимое сообщения.
type Content struct {
	Text        string
	MediaSHA256 string // пустая строка — без медиа
	MediaMime   string
	Entities    []CaptionEntity
}

// Exact вычисляет точный отпечаток содержимого: hex(sha-256(каноническая форма)).
// Канонизация устраняет несущественные различия: порядок сущностей,
// Unicode-формы и краевые пробелы текста.
func Exact(c Content) string {
	var b strings.Builder
	b.WriteString(norm.NFC.String(strings.TrimSpace(c.Text)))
	b.WriteByte(0)
	b.WriteString(c.MediaSHA256)
	b.WriteByte(0)
	b.WriteString(c.MediaMime)

	entities := make([]CaptionEntity, len(c.Entities))
	copy(entities, c.Entities)
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Offset != entities[j].Offset {
			return entities[i].Offset < entities[j].Offset
		}
		return entities[i].Type < entities[j].Type
	})
	for _, e := range entities {
		fmt.Fprintf(&b, "\x00%s:%d:%d:%s", e.Type, e.Offset, e.Length, e.Value)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// BytesSHA256 — hex(sha-256(data)); отпечаток содержимого медиафайла.
func BytesSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Perceptual вычисляет 64-битный перцептивный хеш изображения.
func Perceptual(img image.Image) (uint64, error) {
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, errkind.Wrap(errkind.Protocol, err)
	}
	return h.GetHash(), nil
}

// HammingDistance — число различающихся битов двух перцептивных хешей.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Fuzzy вычисляет fuzzy-хеш текста. Для слишком коротких входов
// (библиотечное ограничение) возвращает пустую строку без ошибки.
func Fuzzy(text string) string {
	h, err := ssdeep.FuzzyBytes([]byte(text))
	if err != nil {
		return ""
	}
	return h
}

// FuzzySimilarity — сходство двух fuzzy-хешей по шкале 0–100.
// Несравнимые хеши дают 0.
func FuzzySimilarity(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	score, err := ssdeep.Distance(a, b)
	if err != nil {
		return 0
	}
	return score
}

// Matcher — пороговая проверка near-dup.
type Matcher struct {
	PHashMaxDistance   int // максимальное расстояние Хэмминга для дубликата
	FuzzyMinSimilarity int // минимальное сходство для дубликата
}

// PHashDuplicate сообщает, считаются ли два перцептивных хеша дубликатами.
func (m Matcher) PHashDuplicate(a, b uint64) bool {
	return HammingDistance(a, b) <= m.PHashMaxDistance
}

// FuzzyDuplicate сообщает, считаются ли два fuzzy-хеша дубликатами.
func (m Matcher) FuzzyDuplicate(a, b string) bool {
	return FuzzySimilarity(a, b) >= m.FuzzyMinSimilarity
}
