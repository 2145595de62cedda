// Файловая блокировка процесса. Два процесса, направленные на одну базу,
// не поддерживаются, поэтому на старте захватывается эксклюзивный lock-файл
// рядом с базой. Внутри файла хранится PID владельца: если владелец мёртв,
// блокировка считается протухшей и перехватывается.

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-faster/errors"

	"spectra/internal/infra/logger"
)

// ProcessLock — эксклюзивная файловая блокировка, живущая от старта до Release.
type ProcessLock struct {
	path string
}

// AcquireProcessLock пытается создать lock-файл path эксклюзивно. Если файл уже
// существует, проверяет живость процесса-владельца: протухший lock удаляется и
// захват повторяется один раз. Возвращает ошибку, если владелец жив.
func AcquireProcessLock(path string) (*ProcessLock, error) {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(clean, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(file, "%d\n", os.Getpid())
			cerr := file.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(clean)
				return nil, errors.Wrap(errCoalesce(werr, cerr), "write pid")
			}
			return &ProcessLock{path: clean}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrap(err, "create lock file")
		}

		owner, readErr := readLockOwner(clean)
		if readErr == nil && processAlive(owner) {
			return nil, errors.Errorf("database is locked by running process %d (%s)", owner, clean)
		}

		// Владелец мёртв или файл нечитаем: перехватываем.
		logger.Warnf("ProcessLock: stale lock %s (pid=%d), taking over", clean, owner)
		if rmErr := os.Remove(clean); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, errors.Wrap(rmErr, "remove stale lock")
		}
	}
	return nil, errors.Errorf("lock %s keeps reappearing", clean)
}

// Release снимает блокировку. Повторный вызов безопасен.
func (l *ProcessLock) Release() {
	if l == nil {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("ProcessLock: release error: %v", err)
	}
}

// readLockOwner читает PID владельца из lock-файла.
func readLockOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive проверяет существование процесса нулевым сигналом.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// errCoalesce возвращает первую ненулевую ошибку.
func errCoalesce(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
