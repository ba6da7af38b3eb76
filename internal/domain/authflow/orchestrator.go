package authflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"telegram-authbot/internal/infra/logger"
)

const (
	defaultSessionTTL  = 10 * time.Minute
	defaultMaxAttempts = 3
	defaultStepTimeout = 30 * time.Second
)

// Options — лимиты оркестратора. Нулевые значения заменяются значениями по умолчанию.
type Options struct {
	SessionTTL          time.Duration
	MaxPhoneAttempts    int
	MaxCodeAttempts     int
	MaxPasswordAttempts int
	// StepTimeout ограничивает один вызов провайдера.
	StepTimeout time.Duration
	Now         func() time.Time
}

func (o *Options) setDefaults() {
	if o.SessionTTL <= 0 {
		o.SessionTTL = defaultSessionTTL
	}
	if o.MaxPhoneAttempts <= 0 {
		o.MaxPhoneAttempts = defaultMaxAttempts
	}
	if o.MaxCodeAttempts <= 0 {
		o.MaxCodeAttempts = defaultMaxAttempts
	}
	if o.MaxPasswordAttempts <= 0 {
		o.MaxPasswordAttempts = defaultMaxAttempts
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = defaultStepTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Orchestrator ведёт диалоги авторизации. Операции одного чата сериализуются,
// разные чаты обрабатываются параллельно. У чата не больше одного Gateway.
type Orchestrator struct {
	store  Store
	dialer Dialer
	opts   Options
	locks  *chatLocks

	notifyMu sync.RWMutex
	notifier Notifier

	gwMu     sync.Mutex
	gateways map[int64]Gateway
}

// New создаёт оркестратор поверх хранилища и провайдера соединений.
func New(store Store, dialer Dialer, opts Options) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		store:    store,
		dialer:   dialer,
		opts:     opts,
		locks:    newChatLocks(),
		gateways: make(map[int64]Gateway),
	}
}

// SetNotifier подключает канал асинхронных сообщений. Бот создаётся позже
// оркестратора, поэтому подключение отделено от New.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	o.notifier = n
}

// Start начинает вход: сбрасывает незавершённую попытку и просит номер телефона.
// Для уже авторизованного чата возвращает информационный ответ.
func (o *Orchestrator) Start(ctx context.Context, chatID int64) (Reply, error) {
	unlock := o.locks.lock(chatID)
	defer unlock()

	s, err := o.load(ctx, chatID)
	if err != nil {
		return Reply{}, err
	}
	if s.Stage == StageAuthenticated {
		return reply(authorizedText(s.Account, true), ActionLogout), nil
	}
	o.cancelCode(ctx, s)

	now := o.now()
	next := Session{ChatID: chatID, Stage: StageAwaitingPhone, StartedAt: now}
	if s.Waiting(now) {
		next.RetryAt = s.RetryAt
		if err := o.save(ctx, &next); err != nil {
			return Reply{}, err
		}
		r := phonePrompt()
		r.Text += "\n\n" + waitText(s.RetryAt.Sub(now))
		return r, nil
	}

	// MTProto-сессия могла пережить потерю состояния диалога.
	if acc, ok := o.restore(ctx, chatID); ok {
		return o.authenticated(ctx, next, acc, true)
	}

	if err := o.save(ctx, &next); err != nil {
		return Reply{}, err
	}
	logger.Info("authflow: login started", zap.Int64("chat_id", chatID))
	return phonePrompt(), nil
}

// HandleText обрабатывает текстовый ввод в зависимости от шага.
func (o *Orchestrator) HandleText(ctx context.Context, chatID int64, text string) (Reply, error) {
	return o.input(ctx, chatID, text, false)
}

// HandleContact обрабатывает номер, которым пользователь поделился кнопкой.
func (o *Orchestrator) HandleContact(ctx context.Context, chatID int64, phone string) (Reply, error) {
	return o.input(ctx, chatID, phone, true)
}

func (o *Orchestrator) input(ctx context.Context, chatID int64, text string, contact bool) (Reply, error) {
	unlock := o.locks.lock(chatID)
	defer unlock()

	s, err := o.load(ctx, chatID)
	if err != nil {
		return Reply{}, err
	}

	switch s.Stage {
	case StageAwaitingPhone, StageAwaitingCode, StageAwaitingPassword:
	case StageAuthenticated:
		return reply(authorizedText(s.Account, true), ActionLogout), nil
	default:
		return reply(textIdle), nil
	}
	if contact && s.Stage != StageAwaitingPhone {
		return reply(textUnexpectedPhone, ActionCancel), nil
	}

	sensitive := s.Stage == StageAwaitingCode || s.Stage == StageAwaitingPassword
	if now := o.now(); s.Waiting(now) {
		r := reply(waitText(s.RetryAt.Sub(now)), ActionCancel)
		r.DeleteInput = sensitive
		return r, nil
	}

	var r Reply
	switch s.Stage {
	case StageAwaitingPhone:
		r, err = o.submitPhone(ctx, s, text)
	case StageAwaitingCode:
		r, err = o.submitCode(ctx, s, text)
	case StageAwaitingPassword:
		r, err = o.submitPassword(ctx, s, text)
	}
	r.DeleteInput = r.DeleteInput || sensitive
	return r, err
}

func (o *Orchestrator) submitPhone(ctx context.Context, s Session, text string) (Reply, error) {
	phone, ok := NormalizePhone(text)
	if !ok {
		return o.fail(ctx, s, ErrInvalidPhone)
	}
	gw, err := o.gateway(ctx, s.ChatID)
	if err != nil {
		return o.fail(ctx, s, err)
	}

	sctx, cancel := o.stepContext(ctx)
	defer cancel()
	sent, err := gw.SendCode(sctx, phone)
	if err != nil {
		return o.fail(ctx, s, err)
	}

	s.Phone = phone
	s.PhoneAttempts = 0
	s.RetryAt = time.Time{}
	if sent.Account != nil {
		return o.authenticated(ctx, s, *sent.Account, false)
	}
	s.Stage = StageAwaitingCode
	s.applySentCode(sent)
	if err := o.save(ctx, &s); err != nil {
		return Reply{}, err
	}
	logger.Info("authflow: code sent",
		zap.Int64("chat_id", s.ChatID),
		zap.String("phone", MaskPhone(phone)),
		zap.String("code_type", string(sent.Type)),
	)
	return reply(codePrompt(sent, false), ActionResend, ActionCancel), nil
}

func (o *Orchestrator) submitCode(ctx context.Context, s Session, text string) (Reply, error) {
	code, ok := NormalizeCode(text, s.CodeLength)
	if !ok {
		return o.fail(ctx, s, ErrInvalidCode)
	}
	gw, err := o.gateway(ctx, s.ChatID)
	if err != nil {
		return o.fail(ctx, s, err)
	}

	sctx, cancel := o.stepContext(ctx)
	defer cancel()
	acc, err := gw.SignIn(sctx, s.Phone, code, s.CodeHash)
	switch {
	case err == nil:
		return o.authenticated(ctx, s, acc, false)
	case errors.Is(err, ErrPasswordRequired):
		hint, hintErr := gw.PasswordHint(sctx)
		if hintErr != nil {
			logger.Warn("authflow: password hint unavailable", zap.Int64("chat_id", s.ChatID), zap.Error(hintErr))
		}
		s.Stage = StageAwaitingPassword
		s.PasswordHint = hint
		s.PasswordAttempts = 0
		s.clearCode()
		if err := o.save(ctx, &s); err != nil {
			return Reply{}, err
		}
		return Reply{Text: passwordPrompt(hint), Actions: []Action{ActionCancel}, DeleteInput: true}, nil
	default:
		return o.fail(ctx, s, err)
	}
}

func (o *Orchestrator) submitPassword(ctx context.Context, s Session, text string) (Reply, error) {
	if text == "" {
		return o.fail(ctx, s, ErrInvalidPassword)
	}
	gw, err := o.gateway(ctx, s.ChatID)
	if err != nil {
		return o.fail(ctx, s, err)
	}

	sctx, cancel := o.stepContext(ctx)
	defer cancel()
	acc, err := gw.CheckPassword(sctx, text)
	if err != nil {
		return o.fail(ctx, s, err)
	}
	return o.authenticated(ctx, s, acc, false)
}

// Resend запрашивает код повторно (следующим каналом доставки, если он есть).
func (o *Orchestrator) Resend(ctx context.Context, chatID int64) (Reply, error) {
	unlock := o.locks.lock(chatID)
	defer unlock()

	s, err := o.load(ctx, chatID)
	if err != nil {
		return Reply{}, err
	}
	if s.Stage != StageAwaitingCode {
		return reply(textNoCodeToResend), nil
	}
	if now := o.now(); s.Waiting(now) {
		return reply(waitText(s.RetryAt.Sub(now)), ActionCancel), nil
	}

	gw, err := o.gateway(ctx, chatID)
	if err != nil {
		return o.fail(ctx, s, err)
	}
	sctx, cancel := o.stepContext(ctx)
	defer cancel()

	sent, err := gw.ResendCode(sctx, s.Phone, s.CodeHash)
	if errors.Is(err, ErrCodeExpired) {
		// Хэш уже недействителен: запрашиваем код заново.
		sent, err = gw.SendCode(sctx, s.Phone)
	}
	if err != nil {
		return o.fail(ctx, s, err)
	}
	if sent.Account != nil {
		return o.authenticated(ctx, s, *sent.Account, false)
	}
	s.applySentCode(sent)
	if err := o.save(ctx, &s); err != nil {
		return Reply{}, err
	}
	logger.Info("authflow: code resent", zap.Int64("chat_id", chatID), zap.String("code_type", string(sent.Type)))
	return reply(codePrompt(sent, true), ActionResend, ActionCancel), nil
}

// Cancel прерывает незавершённый вход и возвращает чат в idle.
func (o *Orchestrator) Cancel(ctx context.Context, chatID int64) (Reply, error) {
	unlock := o.locks.lock(chatID)
	defer unlock()

	s, err := o.load(ctx, chatID)
	if err != nil {
		return Reply{}, err
	}
	if !s.Stage.InProgress() {
		if s.Stage == StageAuthenticated {
			return reply(textNothingToCancel, ActionLogout), nil
		}
		return reply(textNothingToCancel), nil
	}

	o.cancelCode(ctx, s)
	if err := o.finish(ctx, s); err != nil {
		return Reply{}, err
	}
	logger.Info("authflow: login cancelled", zap.Int64("chat_id", chatID), zap.String("stage", string(s.Stage)))
	return reply(textCancelled), nil
}

// Logout завершает авторизацию аккаунта у провайдера и удаляет сохранённую сессию.
func (o *Orchestrator) Logout(ctx context.Context, chatID int64) (Reply, error) {
	unlock := o.locks.lock(chatID)
	defer unlock()

	s, err := o.load(ctx, chatID)
	if err != nil {
		return Reply{}, err
	}
	if s.Stage != StageAuthenticated {
		return reply(textNotLoggedIn), nil
	}

	gw, err := o.gateway(ctx, chatID)
	if err != nil {
		logger.Error("authflow: logout failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return reply(textGeneric, ActionLogout), nil
	}
	sctx, cancel := o.stepContext(ctx)
	defer cancel()
	if err := gw.LogOut(sctx); err != nil && !errors.Is(err, ErrNotAuthorized) {
		o.closeGateway(chatID)
		logger.Error("authflow: logout failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return reply(textGeneric, ActionLogout), nil
	}

	o.closeGateway(chatID)
	if err := o.dialer.Forget(chatID); err != nil {
		return Reply{}, fmt.Errorf("forget session of chat %d: %w", chatID, err)
	}
	if err := o.store.Delete(ctx, chatID); err != nil {
		return Reply{}, fmt.Errorf("delete session of chat %d: %w", chatID, err)
	}
	logger.Info("authflow: logged out", zap.Int64("chat_id", chatID))
	return reply(textLoggedOut), nil
}

// Status возвращает снимок состояния чата (idle, если состояния нет).
func (o *Orchestrator) Status(ctx context.Context, chatID int64) (Session, error) {
	return o.load(ctx, chatID)
}

// Sessions возвращает все сохранённые состояния.
func (o *Orchestrator) Sessions(ctx context.Context) ([]Session, error) {
	return o.store.List(ctx)
}

// Reset принудительно удаляет состояние диалога чата и уведомляет пользователя.
// MTProto-сессия авторизованного аккаунта при этом не удаляется.
func (o *Orchestrator) Reset(ctx context.Context, chatID int64) error {
	unlock := o.locks.lock(chatID)
	s, err := o.store.Get(ctx, chatID)
	if err != nil {
		unlock()
		return err
	}
	o.cancelCode(ctx, s)
	o.closeGateway(chatID)
	err = o.store.Delete(ctx, chatID)
	unlock()
	if err != nil {
		return fmt.Errorf("delete session of chat %d: %w", chatID, err)
	}

	logger.Info("authflow: session reset", zap.Int64("chat_id", chatID), zap.String("stage", string(s.Stage)))
	if s.Stage.InProgress() {
		o.notify(ctx, chatID, reply(textResetByOperator))
	}
	return nil
}

// Close закрывает все открытые соединения.
func (o *Orchestrator) Close() {
	o.gwMu.Lock()
	gws := o.gateways
	o.gateways = make(map[int64]Gateway)
	o.gwMu.Unlock()

	for chatID, gw := range gws {
		if err := gw.Close(); err != nil {
			logger.Warn("authflow: close gateway", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
}

// OpenGateways возвращает число открытых соединений.
func (o *Orchestrator) OpenGateways() int {
	o.gwMu.Lock()
	defer o.gwMu.Unlock()
	return len(o.gateways)
}

// fail превращает ошибку провайдера в ответ и переход состояния.
func (o *Orchestrator) fail(ctx context.Context, s Session, cause error) (Reply, error) {
	if rl, ok := AsRateLimit(cause); ok {
		s.RetryAt = o.now().Add(rl.Wait)
		if err := o.save(ctx, &s); err != nil {
			return Reply{}, err
		}
		logger.Warn("authflow: rate limited",
			zap.Int64("chat_id", s.ChatID),
			zap.String("stage", string(s.Stage)),
			zap.Duration("wait", rl.Wait),
		)
		return reply(waitText(rl.Wait), ActionCancel), nil
	}

	switch {
	case errors.Is(cause, ErrInvalidPhone):
		s.PhoneAttempts++
		if s.PhoneAttempts >= o.opts.MaxPhoneAttempts {
			return o.terminate(ctx, s, textTooManyPhones)
		}
		if err := o.save(ctx, &s); err != nil {
			return Reply{}, err
		}
		r := phonePrompt()
		r.Text = attemptsLeft(textInvalidPhone, o.opts.MaxPhoneAttempts-s.PhoneAttempts)
		return r, nil

	case errors.Is(cause, ErrPhoneBanned):
		return o.terminate(ctx, s, textPhoneBanned)

	case errors.Is(cause, ErrInvalidCode):
		s.CodeAttempts++
		if s.CodeAttempts >= o.opts.MaxCodeAttempts {
			o.cancelCode(ctx, s)
			s.Stage = StageAwaitingPhone
			s.Phone = ""
			s.clearCode()
			if err := o.save(ctx, &s); err != nil {
				return Reply{}, err
			}
			r := phonePrompt()
			r.Text = textTooManyCodes
			return r, nil
		}
		if err := o.save(ctx, &s); err != nil {
			return Reply{}, err
		}
		return reply(attemptsLeft(textInvalidCode, o.opts.MaxCodeAttempts-s.CodeAttempts), ActionResend, ActionCancel), nil

	case errors.Is(cause, ErrCodeExpired):
		if err := o.save(ctx, &s); err != nil {
			return Reply{}, err
		}
		return reply(textCodeExpired, ActionResend, ActionRestart), nil

	case errors.Is(cause, ErrInvalidPassword):
		s.PasswordAttempts++
		if s.PasswordAttempts >= o.opts.MaxPasswordAttempts {
			return o.terminate(ctx, s, textTooManyPasswords)
		}
		if err := o.save(ctx, &s); err != nil {
			return Reply{}, err
		}
		text := textInvalidPassword
		if s.PasswordHint != "" {
			text += " Hint: " + s.PasswordHint + "."
		}
		return reply(attemptsLeft(text, o.opts.MaxPasswordAttempts-s.PasswordAttempts), ActionCancel), nil

	case errors.Is(cause, ErrSignUpRequired):
		return o.terminate(ctx, s, textSignUpRequired)
	}

	// Неизвестная ошибка: соединение могло оборваться, следующий шаг откроет новое.
	o.closeGateway(s.ChatID)
	logger.Error("authflow: provider call failed",
		zap.Int64("chat_id", s.ChatID),
		zap.String("stage", string(s.Stage)),
		zap.Error(cause),
	)
	return reply(textGeneric, ActionCancel), nil
}

// terminate завершает попытку входа с финальным сообщением.
func (o *Orchestrator) terminate(ctx context.Context, s Session, text string) (Reply, error) {
	o.cancelCode(ctx, s)
	if err := o.finish(ctx, s); err != nil {
		return Reply{}, err
	}
	logger.Info("authflow: login aborted", zap.Int64("chat_id", s.ChatID), zap.String("stage", string(s.Stage)))
	return reply(text), nil
}

func (o *Orchestrator) authenticated(ctx context.Context, s Session, acc Account, already bool) (Reply, error) {
	s.Stage = StageAuthenticated
	s.Account = &acc
	s.clearCode()
	s.PasswordHint = ""
	s.PhoneAttempts = 0
	s.PasswordAttempts = 0
	s.RetryAt = time.Time{}
	if err := o.save(ctx, &s); err != nil {
		return Reply{}, err
	}
	// Сессия сохранена в файле, соединение больше не нужно.
	o.closeGateway(s.ChatID)
	logger.Info("authflow: account authorized", zap.Int64("chat_id", s.ChatID), zap.Int64("account_id", acc.ID))
	return reply(authorizedText(&acc, already), ActionLogout), nil
}

// finish возвращает чат в idle и закрывает соединение. Ограничение частоты
// переживает сброс, иначе /start позволял бы его обойти.
func (o *Orchestrator) finish(ctx context.Context, s Session) error {
	o.closeGateway(s.ChatID)
	if now := o.now(); s.Waiting(now) {
		idle := Session{ChatID: s.ChatID, Stage: StageIdle, RetryAt: s.RetryAt}
		return o.save(ctx, &idle)
	}
	if err := o.store.Delete(ctx, s.ChatID); err != nil {
		return fmt.Errorf("delete session of chat %d: %w", s.ChatID, err)
	}
	return nil
}

// restore проверяет, не авторизована ли уже сохранённая MTProto-сессия чата.
func (o *Orchestrator) restore(ctx context.Context, chatID int64) (Account, bool) {
	gw, err := o.gateway(ctx, chatID)
	if err != nil {
		logger.Warn("authflow: open gateway", zap.Int64("chat_id", chatID), zap.Error(err))
		return Account{}, false
	}
	sctx, cancel := o.stepContext(ctx)
	defer cancel()
	acc, err := gw.Self(sctx)
	if err != nil {
		if !errors.Is(err, ErrNotAuthorized) {
			logger.Warn("authflow: check authorization", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		return Account{}, false
	}
	return acc, true
}

// cancelCode аннулирует отправленный код через уже открытое соединение. Best-effort.
func (o *Orchestrator) cancelCode(ctx context.Context, s Session) {
	if s.Stage != StageAwaitingCode || s.CodeHash == "" {
		return
	}
	o.gwMu.Lock()
	gw, ok := o.gateways[s.ChatID]
	o.gwMu.Unlock()
	if !ok {
		return
	}
	sctx, cancel := o.stepContext(ctx)
	defer cancel()
	if err := gw.CancelCode(sctx, s.Phone, s.CodeHash); err != nil {
		logger.Debug("authflow: cancel code", zap.Int64("chat_id", s.ChatID), zap.Error(err))
	}
}

func (o *Orchestrator) gateway(ctx context.Context, chatID int64) (Gateway, error) {
	o.gwMu.Lock()
	gw, ok := o.gateways[chatID]
	o.gwMu.Unlock()
	if ok {
		return gw, nil
	}

	sctx, cancel := o.stepContext(ctx)
	defer cancel()
	gw, err := o.dialer.Open(sctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("open gateway for chat %d: %w", chatID, err)
	}
	o.gwMu.Lock()
	o.gateways[chatID] = gw
	o.gwMu.Unlock()
	return gw, nil
}

func (o *Orchestrator) closeGateway(chatID int64) {
	o.gwMu.Lock()
	gw, ok := o.gateways[chatID]
	delete(o.gateways, chatID)
	o.gwMu.Unlock()
	if !ok {
		return
	}
	if err := gw.Close(); err != nil {
		logger.Warn("authflow: close gateway", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (o *Orchestrator) load(ctx context.Context, chatID int64) (Session, error) {
	s, err := o.store.Get(ctx, chatID)
	if errors.Is(err, ErrNoSession) {
		return Session{ChatID: chatID, Stage: StageIdle}, nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session of chat %d: %w", chatID, err)
	}
	return s, nil
}

func (o *Orchestrator) save(ctx context.Context, s *Session) error {
	s.UpdatedAt = o.now()
	if s.StartedAt.IsZero() {
		s.StartedAt = s.UpdatedAt
	}
	if err := o.store.Put(ctx, *s); err != nil {
		return fmt.Errorf("save session of chat %d: %w", s.ChatID, err)
	}
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, chatID int64, r Reply) {
	o.notifyMu.RLock()
	n := o.notifier
	o.notifyMu.RUnlock()
	if n == nil {
		return
	}
	if err := n.Notify(ctx, chatID, r); err != nil {
		logger.Warn("authflow: notify failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (o *Orchestrator) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.opts.StepTimeout)
}

func (o *Orchestrator) now() time.Time { return o.opts.Now() }

func phonePrompt() Reply {
	return Reply{Text: textPhonePrompt, Actions: []Action{ActionCancel}, RequestContact: true}
}
