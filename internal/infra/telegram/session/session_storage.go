// Пакет session содержит файловое хранилище MTProto-сессий вторичных аккаунтов.
// Каждому чату бота соответствует свой файл: так вход одного пользователя не
// затрагивает сессию другого.
//   - запись выполняется атомарно (без частичных состояний);
//   - после удачной записи вызывается необязательный OnStore, например чтобы
//     залогировать, что провайдер выдал ключ авторизации;
//   - Remove удаляет файл при выходе из аккаунта.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"telegram-authbot/internal/infra/storage"

	"github.com/go-faster/errors"

	tdsession "github.com/gotd/td/session"
)

// FileStorage реализует tdsession.Storage поверх обычного файла.
// Потокобезопасен: операции Load/Store/Remove защищены мьютексом.
type FileStorage struct {
	Path    string
	OnStore func()
	mux     sync.Mutex
}

// Компиляторная проверка соответствия интерфейсу tdsession.Storage.
var _ tdsession.Storage = (*FileStorage)(nil)

// PathFor возвращает путь к файлу сессии чата chatID внутри dir.
func PathFor(dir string, chatID int64) string {
	return filepath.Join(dir, strconv.FormatInt(chatID, 10)+".session")
}

// LoadSession читает файл сессии с диска.
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии на диск.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}

	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return fmt.Errorf("atomic write session: %w", err)
	}
	if f.OnStore != nil {
		f.OnStore()
	}
	return nil
}

// Remove удаляет файл сессии. Повторный вызов безопасен.
func (f *FileStorage) Remove() error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	return storage.RemoveFile(f.Path)
}
