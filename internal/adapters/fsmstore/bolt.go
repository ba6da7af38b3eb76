// Package fsmstore — персистентное хранилище состояний диалогов авторизации на bbolt.
// Ключ — идентификатор чата в десятичном виде, значение — JSON authflow.Session.
// Благодаря этому перезапуск бота посреди входа не теряет хэш отправленного кода.
package fsmstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"telegram-authbot/internal/domain/authflow"
	"telegram-authbot/internal/infra/logger"
	"telegram-authbot/internal/infra/storage"
)

const (
	dbFileMode    = 0o600
	dbOpenTimeout = time.Second
)

var sessionsBucket = []byte("auth_sessions")

// BoltStore реализует authflow.Store. Потокобезопасность обеспечивает bbolt:
// одна пишущая транзакция за раз, читатели параллельны.
type BoltStore struct {
	db *bbolt.DB
}

var _ authflow.Store = (*BoltStore)(nil)

// Open открывает (или создаёт) файл базы и бакет сессий.
func Open(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("fsmstore: db path is empty")
	}
	if err := storage.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("fsmstore: %w", err)
	}

	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "fsmstore: open db")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "fsmstore: create bucket")
	}
	return &BoltStore{db: db}, nil
}

// Close закрывает файл базы данных.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func key(chatID int64) []byte {
	return []byte(strconv.FormatInt(chatID, 10))
}

// Get возвращает состояние чата или authflow.ErrNoSession. Нечитаемая запись
// удаляется и считается отсутствующей, чтобы /start мог начать вход заново.
func (s *BoltStore) Get(_ context.Context, chatID int64) (authflow.Session, error) {
	var (
		raw []byte
		k   = key(chatID)
	)
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(sessionsBucket).Get(k); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return authflow.Session{}, errors.Wrapf(err, "fsmstore: get %d", chatID)
	}
	if raw == nil {
		return authflow.Session{}, authflow.ErrNoSession
	}

	var sess authflow.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		logger.Warn("fsmstore: drop corrupted session", zap.Int64("chat_id", chatID), zap.Error(err))
		if err := s.drop([][]byte{k}); err != nil {
			return authflow.Session{}, err
		}
		return authflow.Session{}, authflow.ErrNoSession
	}
	return sess, nil
}

// Put сохраняет состояние чата целиком.
func (s *BoltStore) Put(_ context.Context, sess authflow.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "fsmstore: encode session")
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put(key(sess.ChatID), data)
	}); err != nil {
		return errors.Wrapf(err, "fsmstore: put %d", sess.ChatID)
	}
	return nil
}

// Delete удаляет состояние чата. Отсутствие записи не ошибка.
func (s *BoltStore) Delete(_ context.Context, chatID int64) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete(key(chatID))
	}); err != nil {
		return errors.Wrapf(err, "fsmstore: delete %d", chatID)
	}
	return nil
}

// List возвращает все сохранённые состояния, упорядоченные по ChatID.
// Битые записи удаляются с предупреждением: одна испорченная запись не должна
// останавливать janitor.
func (s *BoltStore) List(ctx context.Context) ([]authflow.Session, error) {
	var (
		out     []authflow.Session
		corrupt [][]byte
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sess authflow.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				logger.Warn("fsmstore: drop corrupted session", zap.ByteString("key", k), zap.Error(err))
				corrupt = append(corrupt, append([]byte(nil), k...))
				return nil
			}
			out = append(out, sess)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "fsmstore: list")
	}
	if len(corrupt) > 0 {
		if err := s.drop(corrupt); err != nil {
			return nil, err
		}
	}
	slices.SortFunc(out, func(a, b authflow.Session) int { return cmp.Compare(a.ChatID, b.ChatID) })
	return out, nil
}

func (s *BoltStore) drop(keys [][]byte) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return errors.Wrap(err, "fsmstore: drop corrupted sessions")
	}
	return nil
}
