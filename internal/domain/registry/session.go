// Файловое хранилище сессии MTProto. Содержимое живёт на диске с правами
// владельца (0600) и атомарной записью; главный инвариант — непустая сессия
// никогда не затирается пустой.

package registry

import (
	"context"
	"os"
	"sync"

	"github.com/gotd/td/session"

	"spectra/internal/domain/errkind"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/storage"
)

// SessionFile реализует session.Storage поверх одного файла.
type SessionFile struct {
	mu   sync.Mutex
	path string
}

// NewSessionFile создаёт хранилище для файла path. Сам файл может ещё
// не существовать: первый LoadSession вернёт session.ErrNotFound.
func NewSessionFile(path string) *SessionFile {
	return &SessionFile{path: path}
}

// Path возвращает путь файла сессии.
func (f *SessionFile) Path() string { return f.path }

// LoadSession читает байты сессии с диска.
func (f *SessionFile) LoadSession(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, err)
	}
	if len(data) == 0 {
		return nil, session.ErrNotFound
	}
	return data, nil
}

// StoreSession атомарно записывает байты сессии. Пустые данные поверх
// непустого файла отбрасываются: потеря авторизации из-за сбойной записи
// хуже устаревшей сессии.
func (f *SessionFile) StoreSession(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		if info, err := os.Stat(f.path); err == nil && info.Size() > 0 {
			logger.Warnf("session: refusing to overwrite %s with empty data", f.path)
			return nil
		}
	}
	if err := storage.AtomicWriteFile(f.path, data); err != nil {
		return errkind.Wrap(errkind.Storage, err)
	}
	return nil
}
