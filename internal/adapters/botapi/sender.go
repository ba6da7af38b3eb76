package botapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"telegram-authbot/internal/domain/authflow"
	"telegram-authbot/internal/infra/logger"
	"telegram-authbot/internal/infra/throttle"
)

// messenger — часть tele.API, которой пользуется Sender.
type messenger interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
}

// Sender отправляет ответы через общий троттлер и реализует authflow.Notifier.
type Sender struct {
	api       messenger
	throttler *throttle.Throttler
}

var _ authflow.Notifier = (*Sender)(nil)

// NewSender создаёт Sender поверх api.
func NewSender(api messenger, t *throttle.Throttler) *Sender {
	return &Sender{api: api, throttler: t}
}

// Send отправляет ответ r в чат chatID.
func (s *Sender) Send(ctx context.Context, chatID int64, r authflow.Reply) error {
	markup := markupFor(r)
	err := s.throttler.Do(ctx, func() error {
		_, err := s.api.Send(tele.ChatID(chatID), r.Text, markup, tele.NoPreview)
		return classify(err)
	})
	if err != nil {
		return fmt.Errorf("send to chat %d: %w", chatID, err)
	}
	return nil
}

// Notify — authflow.Notifier.
func (s *Sender) Notify(ctx context.Context, chatID int64, r authflow.Reply) error {
	return s.Send(ctx, chatID, r)
}

// Delete удаляет сообщение пользователя. Ошибка только логируется:
// в приватном чате бот может не успеть или не иметь права удалить сообщение.
func (s *Sender) Delete(ctx context.Context, msg tele.Editable) {
	err := s.throttler.Do(ctx, func() error {
		return classify(s.api.Delete(msg))
	})
	if err != nil {
		id, chatID := msg.MessageSig()
		logger.Warn("bot: delete input failed", zap.String("message_id", id), zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// permanentError — ошибка, после которой повтор бессмыслен
// (бот заблокирован, чат не найден, некорректный запрос).
type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) StopRetry() bool { return true }

func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := RetryAfterExtractor()(err); ok {
		return err
	}
	var te *tele.Error
	if errors.As(err, &te) && (te.Code == http.StatusBadRequest || te.Code == http.StatusForbidden) {
		return &permanentError{err: err}
	}
	return err
}
