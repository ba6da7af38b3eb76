package authflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"telegram-authbot/internal/infra/logger"
)

// ExpireStale переводит в idle незавершённые входы, простаивающие дольше
// SessionTTL, и удаляет idle-записи с истёкшим ограничением частоты.
// Возвращает число истёкших входов.
func (o *Orchestrator) ExpireStale(ctx context.Context) (int, error) {
	list, err := o.store.List(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, s := range list {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if o.expire(ctx, s.ChatID) {
			expired++
		}
	}
	return expired, nil
}

// expire повторно читает состояние под блокировкой чата: пользователь мог
// ответить, пока шёл обход.
func (o *Orchestrator) expire(ctx context.Context, chatID int64) bool {
	unlock := o.locks.lock(chatID)
	s, err := o.store.Get(ctx, chatID)
	if err != nil {
		unlock()
		return false
	}

	now := o.now()
	switch {
	case s.Stage == StageIdle && !s.Waiting(now):
		if err := o.store.Delete(ctx, chatID); err != nil {
			logger.Warn("authflow: purge idle session", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		unlock()
		return false
	case !s.Stage.InProgress() || now.Sub(s.UpdatedAt) <= o.opts.SessionTTL:
		unlock()
		return false
	}

	o.cancelCode(ctx, s)
	err = o.finish(ctx, s)
	unlock()
	if err != nil {
		logger.Warn("authflow: expire session", zap.Int64("chat_id", chatID), zap.Error(err))
		return false
	}

	logger.Info("authflow: session expired", zap.Int64("chat_id", chatID), zap.String("stage", string(s.Stage)))
	o.notify(ctx, chatID, reply(textExpired))
	return true
}

// Janitor периодически вызывает ExpireStale.
type Janitor struct {
	o        *Orchestrator
	interval time.Duration

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor создаёт обходчик. Интервал по умолчанию — половина SessionTTL,
// но не реже раза в минуту.
func NewJanitor(o *Orchestrator, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = min(o.opts.SessionTTL/2, time.Minute)
	}
	if interval < time.Second {
		interval = time.Second
	}
	return &Janitor{o: o, interval: interval}
}

// Start запускает фоновый обход. Повторные вызовы игнорируются.
func (j *Janitor) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	j.runMu.Lock()
	defer j.runMu.Unlock()
	if j.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.wg.Go(func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				n, err := j.o.ExpireStale(runCtx)
				if err != nil && runCtx.Err() == nil {
					logger.Warn("authflow: janitor sweep failed", zap.Error(err))
				}
				if n > 0 {
					logger.Debug("authflow: janitor expired sessions", zap.Int("count", n))
				}
			}
		}
	})
}

// Stop останавливает обход и дожидается его завершения.
func (j *Janitor) Stop() {
	j.runMu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	j.wg.Wait()
}
