// Package botapi — разговорная сторона: бот на telebot.v4 принимает команды,
// номер, код и пароль от пользователя и передаёт их оркестратору authflow.
// Все исходящие сообщения идут через Sender с общим троттлером.
package botapi

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"telegram-authbot/internal/domain/authflow"
	"telegram-authbot/internal/infra/concurrency"
	"telegram-authbot/internal/infra/logger"
	"telegram-authbot/internal/infra/throttle"
)

const (
	ModeLongpoll = "longpoll"
	ModeWebhook  = "webhook"

	defaultPollTimeout = 10 * time.Second
)

// Flow — операции оркестратора, которые нужны обработчикам.
type Flow interface {
	Start(ctx context.Context, chatID int64) (authflow.Reply, error)
	HandleText(ctx context.Context, chatID int64, text string) (authflow.Reply, error)
	HandleContact(ctx context.Context, chatID int64, phone string) (authflow.Reply, error)
	Resend(ctx context.Context, chatID int64) (authflow.Reply, error)
	Cancel(ctx context.Context, chatID int64) (authflow.Reply, error)
	Logout(ctx context.Context, chatID int64) (authflow.Reply, error)
	Status(ctx context.Context, chatID int64) (authflow.Session, error)
}

// Options — параметры бота.
type Options struct {
	Token         string
	Mode          string
	PollTimeout   time.Duration
	WebhookListen string
	WebhookURL    string

	// Allowed решает, может ли пользователь пользоваться ботом. nil — все.
	Allowed func(userID int64) bool
	// RateLimit — минимальный интервал между апдейтами одного пользователя.
	RateLimit time.Duration
	// Dedup отбрасывает повторно доставленные апдейты. Может быть nil.
	Dedup *concurrency.Deduplicator
	// Throttler ограничивает исходящие запросы к Bot API. Обязателен.
	Throttler *throttle.Throttler
}

// PollerOptions настраивает BuildPoller.
type PollerOptions struct {
	Mode          string
	PollTimeout   time.Duration
	WebhookListen string
	WebhookURL    string
}

// BuildPoller возвращает webhook- или long polling-поллер.
func BuildPoller(opts PollerOptions) tele.Poller {
	if strings.EqualFold(strings.TrimSpace(opts.Mode), ModeWebhook) {
		return &tele.Webhook{
			Listen:   opts.WebhookListen,
			Endpoint: &tele.WebhookEndpoint{PublicURL: opts.WebhookURL},
		}
	}
	timeout := opts.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	return &tele.LongPoller{Timeout: timeout}
}

// Bot связывает telebot с оркестратором.
type Bot struct {
	bot    *tele.Bot
	flow   Flow
	sender *Sender
	opts   Options

	mu      sync.Mutex
	ctx     context.Context
	running bool
	done    chan struct{}
	// inflight считает выполняющиеся обработчики; Stop ждёт их, чтобы после
	// остановки бота никто не обращался к оркестратору и хранилищу.
	inflight sync.WaitGroup
}

// New создаёт бота, регистрирует middleware и обработчики.
// Сеть не используется до Start, кроме проверки токена (getMe).
func New(opts Options, flow Flow) (*Bot, error) {
	if opts.Throttler == nil {
		return nil, fmt.Errorf("botapi: throttler is required")
	}
	log := logger.Named("bot")
	tb, err := tele.NewBot(tele.Settings{
		Token: opts.Token,
		Poller: BuildPoller(PollerOptions{
			Mode:          opts.Mode,
			PollTimeout:   opts.PollTimeout,
			WebhookListen: opts.WebhookListen,
			WebhookURL:    opts.WebhookURL,
		}),
		OnError: func(err error, c tele.Context) {
			fields := []zap.Field{zap.Error(err)}
			if c != nil && c.Chat() != nil {
				fields = append(fields, zap.Int64("chat_id", c.Chat().ID))
			}
			log.Error("handler error", fields...)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("botapi: bot initialization failed: %w", err)
	}

	b := &Bot{
		bot:    tb,
		flow:   flow,
		sender: NewSender(tb, opts.Throttler),
		opts:   opts,
		ctx:    context.Background(),
	}
	b.use()
	b.register()
	return b, nil
}

// Sender возвращает отправителя сообщений; он же authflow.Notifier.
func (b *Bot) Sender() *Sender { return b.sender }

// Username возвращает имя бота, полученное при инициализации.
func (b *Bot) Username() string {
	if b.bot.Me == nil {
		return ""
	}
	return b.bot.Me.Username
}

// Start запускает получение апдейтов в фоне. ctx используется как базовый
// контекст обработчиков.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	b.ctx = ctx
	b.running = true
	b.done = make(chan struct{})

	switch p := b.bot.Poller.(type) {
	case *tele.Webhook:
		logger.Info("bot: webhook mode", zap.String("listen", p.Listen), zap.String("public_url", p.Endpoint.PublicURL))
	case *tele.LongPoller:
		logger.Info("bot: polling mode", zap.Duration("timeout", p.Timeout))
	}

	done := b.done
	go func() {
		defer close(done)
		b.bot.Start()
	}()
	logger.Info("bot: started", zap.String("username", b.Username()))
	return nil
}

// Stop останавливает поллер и ждёт завершения цикла и начатых обработчиков.
func (b *Bot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	done := b.done
	b.mu.Unlock()

	b.bot.Stop()
	<-done
	b.inflight.Wait()
	logger.Info("bot: stopped")
}

// trackMiddleware регистрирует обработчик в inflight. После Stop новые
// апдейты отбрасываются.
func (b *Bot) trackMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		b.mu.Lock()
		if !b.running {
			b.mu.Unlock()
			return nil
		}
		b.inflight.Add(1)
		b.mu.Unlock()
		defer b.inflight.Done()
		return next(c)
	}
}

func (b *Bot) baseContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}
