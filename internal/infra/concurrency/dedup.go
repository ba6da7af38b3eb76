// Package concurrency — вспомогательная инфраструктура конкурентного исполнения.
// Deduplicator — потокобезопасный кэш «недавно видели», подавляющий повторную
// обработку апдейтов Bot API в пределах окна времени. Повтор возможен при
// переподключении long polling или повторной доставке webhook'а; без подавления
// пользователь получил бы два запроса кода подряд.
package concurrency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"telegram-authbot/internal/infra/logger"
)

// Deduplicator хранит ключи недавно обработанных событий и сроки их годности.
type Deduplicator struct {
	mu     sync.Mutex
	seen   map[int64]time.Time // key -> expireAt
	window time.Duration
	now    func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeduplicator создаёт кэш подавления повторов с окном window.
// Нулевое окно отключает дедупликацию.
func NewDeduplicator(window time.Duration) *Deduplicator {
	return &Deduplicator{
		seen:   make(map[int64]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Start поднимает фоновую очистку устаревших ключей. Повторные вызовы игнорируются.
func (d *Deduplicator) Start(ctx context.Context) {
	if ctx == nil {
		return
	}

	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Go(func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.Cleanup()
			}
		}
	})
}

// Stop завершает фоновую очистку и дожидается её окончания.
func (d *Deduplicator) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	d.wg.Wait()
}

// Seen сообщает, встречался ли key в пределах окна. Новый ключ регистрируется
// с истечением через window, и возвращается false.
func (d *Deduplicator) Seen(key int64) bool {
	if d == nil || d.window <= 0 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		logger.Debug("dedup: duplicate update suppressed", zap.Int64("key", key))
		return true
	}
	d.seen[key] = now.Add(d.window)
	return false
}

// Cleanup удаляет записи с истёкшим сроком.
func (d *Deduplicator) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
}

// Len возвращает число отслеживаемых ключей.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
