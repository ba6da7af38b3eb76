package botapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"telegram-authbot/internal/domain/authflow"
	"telegram-authbot/internal/infra/logger"
)

// actionUnique — unique inline-кнопок авторизации, payload — authflow.Action.
const actionUnique = "auth"

const (
	textHelp = "This bot connects a secondary Telegram account.\n\n" +
		"/start - begin login or check the connected account\n" +
		"/cancel - abort the login in progress\n" +
		"/status - show the login state\n" +
		"/logout - log out and remove the saved session\n" +
		"/help - show this message"
	textInternal      = "Internal error. Please try again later."
	textUnknownButton = "This button is no longer valid."
)

var actionBtn = tele.Btn{Unique: actionUnique}

func (b *Bot) use() {
	b.bot.Use(
		b.trackMiddleware,
		recoverMiddleware,
		loggerMiddleware,
		privateOnlyMiddleware,
		dedupMiddleware(b.opts.Dedup),
		accessMiddleware(b.opts.Allowed),
		rateLimitMiddleware(b.opts.RateLimit, time.Now, b.dropInput),
	)
}

func (b *Bot) register() {
	b.bot.Handle("/start", b.onStart)
	b.bot.Handle("/cancel", b.onCancel)
	b.bot.Handle("/status", b.onStatus)
	b.bot.Handle("/logout", b.onLogout)
	b.bot.Handle("/help", b.onHelp)
	b.bot.Handle(tele.OnText, b.onText)
	b.bot.Handle(tele.OnContact, b.onContact)
	b.bot.Handle(&actionBtn, b.onAction)
	b.bot.Handle(tele.OnCallback, b.onUnknownCallback)
}

func (b *Bot) onStart(c tele.Context) error {
	ctx := b.baseContext()
	r, err := b.flow.Start(ctx, c.Chat().ID)
	return b.answer(ctx, c, r, err)
}

func (b *Bot) onCancel(c tele.Context) error {
	ctx := b.baseContext()
	r, err := b.flow.Cancel(ctx, c.Chat().ID)
	return b.answer(ctx, c, r, err)
}

func (b *Bot) onLogout(c tele.Context) error {
	ctx := b.baseContext()
	r, err := b.flow.Logout(ctx, c.Chat().ID)
	return b.answer(ctx, c, r, err)
}

func (b *Bot) onStatus(c tele.Context) error {
	ctx := b.baseContext()
	s, err := b.flow.Status(ctx, c.Chat().ID)
	return b.answer(ctx, c, statusReply(s, time.Now()), err)
}

func (b *Bot) onHelp(c tele.Context) error {
	ctx := b.baseContext()
	return b.answer(ctx, c, authflow.Reply{Text: textHelp}, nil)
}

func (b *Bot) onText(c tele.Context) error {
	ctx := b.baseContext()
	r, err := b.flow.HandleText(ctx, c.Chat().ID, c.Text())
	if err != nil {
		// шаг диалога неизвестен: текст может оказаться кодом или паролем
		r.DeleteInput = true
	}
	return b.answer(ctx, c, r, err)
}

// onContact: собственный контакт пользователя идёт как HandleContact,
// чужой контакт считается вводом номера текстом.
func (b *Bot) onContact(c tele.Context) error {
	ctx := b.baseContext()
	contact := c.Message().Contact
	if contact == nil {
		return nil
	}
	var (
		r   authflow.Reply
		err error
	)
	if contact.UserID == c.Sender().ID {
		r, err = b.flow.HandleContact(ctx, c.Chat().ID, contact.PhoneNumber)
	} else {
		r, err = b.flow.HandleText(ctx, c.Chat().ID, contact.PhoneNumber)
	}
	return b.answer(ctx, c, r, err)
}

func (b *Bot) onAction(c tele.Context) error {
	ctx := b.baseContext()
	_ = c.Respond()

	action, ok := authflow.ParseAction(c.Data())
	if !ok {
		return b.answer(ctx, c, authflow.Reply{Text: textUnknownButton}, nil)
	}
	var (
		r   authflow.Reply
		err error
	)
	chatID := c.Chat().ID
	switch action {
	case authflow.ActionCancel:
		r, err = b.flow.Cancel(ctx, chatID)
	case authflow.ActionResend:
		r, err = b.flow.Resend(ctx, chatID)
	case authflow.ActionRestart:
		r, err = b.flow.Start(ctx, chatID)
	case authflow.ActionLogout:
		r, err = b.flow.Logout(ctx, chatID)
	}
	return b.answer(ctx, c, r, err)
}

func (b *Bot) onUnknownCallback(c tele.Context) error {
	return c.Respond(&tele.CallbackResponse{Text: textUnknownButton})
}

// answer отправляет ответ оркестратора. Внутренние ошибки логируются,
// пользователь получает общий текст; DeleteInput при этом сохраняется.
func (b *Bot) answer(ctx context.Context, c tele.Context, r authflow.Reply, err error) error {
	chatID := c.Chat().ID
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		logger.Error("bot: flow failed", zap.Int64("chat_id", chatID), zap.Error(err))
		r = authflow.Reply{Text: textInternal, DeleteInput: r.DeleteInput}
	}
	if r.DeleteInput && c.Callback() == nil {
		if msg := c.Message(); msg != nil {
			b.sender.Delete(ctx, msg)
		}
	}
	if r.Text == "" {
		return nil
	}
	return b.sender.Send(ctx, chatID, r)
}

// dropInput удаляет текстовое сообщение, отброшенное без обработки.
// Команды и callback'и не трогаются.
func (b *Bot) dropInput(c tele.Context) {
	if c.Callback() != nil {
		return
	}
	msg := c.Message()
	if msg == nil || msg.Text == "" || strings.HasPrefix(msg.Text, "/") {
		return
	}
	b.sender.Delete(b.baseContext(), msg)
}

func statusReply(s authflow.Session, now time.Time) authflow.Reply {
	r := authflow.Reply{Text: authflow.Describe(s, now)}
	switch {
	case s.Stage.InProgress():
		r.Actions = []authflow.Action{authflow.ActionCancel}
	case s.Stage == authflow.StageAuthenticated:
		r.Actions = []authflow.Action{authflow.ActionLogout}
	}
	return r
}
