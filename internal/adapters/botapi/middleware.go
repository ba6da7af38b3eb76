package botapi

import (
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"telegram-authbot/internal/infra/concurrency"
	"telegram-authbot/internal/infra/logger"
)

// recoverMiddleware не даёт панике обработчика уронить цикл бота.
func recoverMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("bot: panic recovered",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				err = nil
			}
		}()
		return next(c)
	}
}

// loggerMiddleware пишет одну строку на апдейт и длительность обработки.
// Текст сообщений не логируется: в нём коды и пароли.
func loggerMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		start := time.Now()
		upd := c.Update()
		fields := []zap.Field{zap.Int("update_id", upd.ID), zap.String("kind", updateKind(upd))}
		if chat := c.Chat(); chat != nil {
			fields = append(fields, zap.Int64("chat_id", chat.ID))
		}
		if user := c.Sender(); user != nil {
			fields = append(fields, zap.Int64("user_id", user.ID))
		}
		if upd.Message != nil && upd.Message.Text != "" && upd.Message.Text[0] == '/' {
			fields = append(fields, zap.String("command", commandOf(upd.Message.Text)))
		}

		err := next(c)

		fields = append(fields, zap.Duration("took", time.Since(start)))
		if err != nil {
			logger.Warn("bot: update handled with error", append(fields, zap.Error(err))...)
			return err
		}
		logger.Debug("bot: update handled", fields...)
		return nil
	}
}

// privateOnlyMiddleware молча игнорирует группы и каналы.
func privateOnlyMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil || chat.Type != tele.ChatPrivate || c.Sender() == nil {
			return nil
		}
		return next(c)
	}
}

// dedupMiddleware отбрасывает апдейты с уже виденным update_id
// (повторная доставка webhook, перезапуск поллера).
func dedupMiddleware(d *concurrency.Deduplicator) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		if d == nil {
			return next
		}
		return func(c tele.Context) error {
			if d.Seen(int64(c.Update().ID)) {
				logger.Debug("bot: duplicate update dropped", zap.Int("update_id", c.Update().ID))
				return nil
			}
			return next(c)
		}
	}
}

// accessMiddleware пропускает только разрешённых пользователей.
func accessMiddleware(allowed func(userID int64) bool) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		if allowed == nil {
			return next
		}
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil || !allowed(user.ID) {
				if user != nil {
					logger.Warn("bot: access denied", zap.Int64("user_id", user.ID))
				}
				return nil
			}
			return next(c)
		}
	}
}

// rateLimitMiddleware требует минимальный интервал между апдейтами одного
// пользователя. Лишние апдейты отбрасываются, на callback отвечается пустым
// ответом, чтобы у кнопки пропали «часики». Отброшенное сообщение передаётся
// в drop (может быть nil).
func rateLimitMiddleware(interval time.Duration, now func() time.Time, drop func(tele.Context)) tele.MiddlewareFunc {
	var (
		mu       sync.Mutex
		lastSeen = make(map[int64]time.Time)
	)
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		if interval <= 0 {
			return next
		}
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil {
				return next(c)
			}
			t := now()

			mu.Lock()
			if last, ok := lastSeen[user.ID]; ok && t.Sub(last) < interval {
				mu.Unlock()
				logger.Warn("bot: rate limit", zap.Int64("user_id", user.ID))
				if c.Callback() != nil {
					_ = c.Respond()
				}
				if drop != nil {
					drop(c)
				}
				return nil
			}
			lastSeen[user.ID] = t
			for id, ts := range lastSeen {
				if t.Sub(ts) > interval*10 { //nolint:mnd // хвост старых записей
					delete(lastSeen, id)
				}
			}
			mu.Unlock()
			return next(c)
		}
	}
}

func updateKind(u tele.Update) string {
	switch {
	case u.Callback != nil:
		return "callback"
	case u.Message != nil && u.Message.Contact != nil:
		return "contact"
	case u.Message != nil:
		return "message"
	default:
		return "other"
	}
}

func commandOf(text string) string {
	for i, r := range text {
		if r == ' ' || r == '\n' || r == '@' {
			return text[:i]
		}
	}
	return text
}
