package authflow

import "sync"

// chatLocks сериализует операции одного чата. Запись удаляется, когда её
// никто не держит, поэтому карта не растёт с числом чатов.
type chatLocks struct {
	mu sync.Mutex
	m  map[int64]*chatLock
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{m: make(map[int64]*chatLock)}
}

// lock захватывает блокировку чата и возвращает функцию освобождения.
func (l *chatLocks) lock(chatID int64) func() {
	l.mu.Lock()
	cl, ok := l.m[chatID]
	if !ok {
		cl = &chatLock{}
		l.m[chatID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.m, chatID)
		}
		l.mu.Unlock()
	}
}
