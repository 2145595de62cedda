// Package media — раскладка архива медиа на диске. Файлы лежат по схеме
// <root>/<entity-id>/<yyyy>/<mm>/<message-id><.ext>; рядом с каждым файлом —
// sidecar <имя>.json с контрольными данными. Запись потоковая (чанки по 1 МиБ),
// через temp + fsync + rename: частично записанный файл не виден под целевым
// именем. sha-256 считается в том же проходе, что и запись.

package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"spectra/internal/domain/errkind"
	"spectra/internal/infra/storage"
)

// chunkSize — размер буфера потокового копирования.
const chunkSize = 1 << 20

// Sidecar — контрольные метаданные одного медиафайла.
type Sidecar struct {
	ID        int64      `json:"id"`
	Mime      string     `json:"mime"`
	Size      int64      `json:"size"`
	SHA256    string     `json:"sha256"`
	PHash     *uint64    `json:"phash,omitempty"`
	Source    SourceRef  `json:"source"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// SourceRef — происхождение медиа: сущность и сообщение.
type SourceRef struct {
	Entity  int64 `json:"entity"`
	Message int64 `json:"message"`
}

// Layout — корень архива медиа.
type Layout struct {
	root string
}

// NewLayout создаёт раскладку с корнем root.
func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

// Root возвращает корневой каталог.
func (l *Layout) Root() string { return l.root }

// Path строит целевой путь файла: <root>/<entity>/<yyyy>/<mm>/<message><.ext>.
// Расширение выводится из mime; неизвестный mime оставляет файл без расширения.
func (l *Layout) Path(entityID, messageID int64, date time.Time, mimeType string) string {
	dir := filepath.Join(
		l.root,
		strconv.FormatInt(entityID, 10),
		fmt.Sprintf("%04d", date.Year()),
		fmt.Sprintf("%02d", int(date.Month())),
	)
	return filepath.Join(dir, strconv.FormatInt(messageID, 10)+extensionFor(mimeType))
}

// AvatarPath строит путь аватарки сущности: <root>/<entity>/avatar<.ext>.
func (l *Layout) AvatarPath(entityID int64, mimeType string) string {
	return filepath.Join(l.root, strconv.FormatInt(entityID, 10), "avatar"+extensionFor(mimeType))
}

// WriteResult — итог записи одного медиафайла.
type WriteResult struct {
	Path   string
	Size   int64
	SHA256 string
}

// Write потоково сохраняет содержимое r по целевому пути path. Возвращает
// размер и sha-256, посчитанные в один проход. Протокол записи тот же, что
// у файлов сессий: temp в целевом каталоге, fsync, rename.
func (l *Layout) Write(path string, r io.Reader) (WriteResult, error) {
	if err := storage.EnsureDir(path); err != nil {
		return WriteResult{}, errkind.Wrap(errkind.Storage, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "media-*.tmp")
	if err != nil {
		return WriteResult{}, errkind.Wrap(errkind.Storage, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	hasher := sha256.New()
	buf := make([]byte, chunkSize)
	size, err := io.CopyBuffer(io.MultiWriter(tmp, hasher), r, buf)
	if err != nil {
		_ = tmp.Close()
		return WriteResult{}, errkind.Wrap(errkind.Storage, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return WriteResult{}, errkind.Wrap(errkind.Storage, err)
	}
	if err := tmp.Close(); err != nil {
		return WriteResult{}, errkind.Wrap(errkind.Storage, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return WriteResult{}, errkind.Wrap(errkind.Storage, err)
	}

	return WriteResult{
		Path:   path,
		Size:   size,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// WriteSidecar атомарно записывает sidecar рядом с медиафайлом.
func (l *Layout) WriteSidecar(mediaPath string, sc Sidecar) error {
	if err := storage.AtomicWriteJSON(SidecarPath(mediaPath), sc); err != nil {
		return errkind.Wrap(errkind.Storage, err)
	}
	return nil
}

// SidecarPath возвращает путь sidecar-файла для mediaPath.
func SidecarPath(mediaPath string) string {
	return mediaPath + ".json"
}

// extensionFor выводит расширение файла из mime-типа. Для распространённых
// типов расширение фиксировано, чтобы не зависеть от системной mime-базы.
func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg":
		return ".ogg"
	case "application/pdf":
		return ".pdf"
	}
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
