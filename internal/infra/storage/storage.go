// Package storage — файловые операции для состояния бота на диске.
//
// Потребители:
//   - infra/telegram/session: файл MTProto-сессии на каждый чат
//     (SESSIONS_DIR/<chat_id>.session) пишется AtomicWriteFile и удаляется
//     RemoveFile при выходе из аккаунта;
//   - adapters/fsmstore: EnsureDir создаёт каталог под файл bbolt.
//
// Оборванная запись файла сессии стоила бы пользователю повторного входа по
// коду, поэтому файл заменяется только целиком.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"telegram-authbot/internal/infra/logger"
)

const (
	filePerm = 0o600 // сессия даёт полный доступ к аккаунту
	dirPerm  = 0o700
)

// EnsureDir создаёт каталог файла path, если путь его содержит.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile заменяет файл path содержимым data: временный файл в том же
// каталоге, fsync, rename, fsync каталога. Читатель видит либо старую версию,
// либо новую целиком. rename атомарен только в пределах одного тома.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmpName, err := writeTemp(dir, data)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpName) }()

	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	syncDir(dir)
	return nil
}

// writeTemp пишет data во временный файл с правами filePerm и возвращает его имя.
func writeTemp(dir string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	fail := func(step string, err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("%s temp file: %w", step, err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("fsync", err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		return fail("chmod", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return name, nil
}

// syncDir фиксирует запись имени файла. Некоторые ФС (и Windows) fsync
// каталога не поддерживают, ошибка только логируется.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		logger.Debug("storage: dir sync failed", zap.String("dir", dir), zap.Error(err))
	}
}

// RemoveFile удаляет файл path. Отсутствующий файл не считается ошибкой:
// выход из аккаунта может повторяться после сбоя.
func RemoveFile(path string) error {
	if err := os.Remove(filepath.Clean(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
