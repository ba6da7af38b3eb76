// Package app — верхний уровень сборки бота авторизации. Здесь связываются
// конфигурация, хранилище диалогов, MTProto-провайдер, оркестратор, бот и
// консоль оператора; Runner запускает их узлами lifecycle и гасит в обратном порядке.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"telegram-authbot/internal/adapters/botapi"
	"telegram-authbot/internal/adapters/cli"
	"telegram-authbot/internal/adapters/fsmstore"
	"telegram-authbot/internal/adapters/telegram/userclient"
	"telegram-authbot/internal/domain/authflow"
	"telegram-authbot/internal/domain/commands"
	"telegram-authbot/internal/infra/concurrency"
	"telegram-authbot/internal/infra/config"
	"telegram-authbot/internal/infra/logger"
	"telegram-authbot/internal/infra/pr"
	"telegram-authbot/internal/infra/throttle"
)

// botSendRetries — сколько раз троттлер повторяет отправку сообщения бота.
const botSendRetries = 5

// App агрегирует зависимости бота и управляет их связью.
type App struct {
	cfg        config.EnvConfig
	mainCtx    context.Context    // отменяется по сигналу или команде exit
	mainCancel context.CancelFunc // инициирует общий shutdown

	store      authflow.Store
	closeStore func() error
	dialer     *userclient.Dialer
	orch       *authflow.Orchestrator
	janitor    *authflow.Janitor
	throttler  *throttle.Throttler
	dedup      *concurrency.Deduplicator
	bot        *botapi.Bot
	cli        *cli.Service
}

// NewApp создаёт пустой каркас приложения. Фактическая инициализация выполняется в Init().
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc, cfg config.EnvConfig) *App {
	return &App{cfg: cfg, mainCtx: mainCtx, mainCancel: mainCancel}
}

// Init собирает компоненты. Сетевой запрос здесь один: проверка токена бота.
func (a *App) Init() error {
	logger.Info("Auth bot initializing...")

	if err := a.initStore(); err != nil {
		return err
	}

	a.dialer = userclient.NewDialer(userclient.Options{
		AppID:         a.cfg.APIID,
		AppHash:       a.cfg.APIHash,
		SessionsDir:   a.cfg.SessionsDir,
		ThrottleRPS:   a.cfg.ThrottleRPS,
		FloodWaitMax:  time.Duration(a.cfg.FloodWaitMaxSec) * time.Second,
		DeviceModel:   a.cfg.DeviceModel,
		SystemVersion: a.cfg.SystemVersion,
		TestDC:        a.cfg.TestDC,
	})

	a.orch = authflow.New(a.store, a.dialer, authflow.Options{
		SessionTTL:          time.Duration(a.cfg.SessionTTLSec) * time.Second,
		MaxPhoneAttempts:    a.cfg.MaxPhoneAttempts,
		MaxCodeAttempts:     a.cfg.MaxCodeAttempts,
		MaxPasswordAttempts: a.cfg.MaxPasswordAttempts,
		StepTimeout:         time.Duration(a.cfg.AuthStepTimeoutSec) * time.Second,
	})
	a.janitor = authflow.NewJanitor(a.orch, 0)

	a.throttler = throttle.New(a.cfg.ThrottleRPS,
		throttle.WithMaxRetries(botSendRetries),
		throttle.WithWaitExtractors(botapi.RetryAfterExtractor()),
	)
	a.dedup = concurrency.NewDeduplicator(time.Duration(a.cfg.DedupWindowSec) * time.Second)

	bot, err := botapi.New(botapi.Options{
		Token:         a.cfg.BotToken,
		Mode:          a.cfg.BotMode,
		PollTimeout:   time.Duration(a.cfg.BotPollTimeoutSec) * time.Second,
		WebhookListen: a.cfg.WebhookListen,
		WebhookURL:    a.cfg.WebhookURL,
		Allowed:       a.allowed(),
		RateLimit:     time.Duration(a.cfg.BotRateLimitMS) * time.Millisecond,
		Dedup:         a.dedup,
		Throttler:     a.throttler,
	}, a.orch)
	if err != nil {
		return err
	}
	a.bot = bot
	a.orch.SetNotifier(bot.Sender())

	switch {
	case !a.cfg.CLIEnable:
		logger.Debug("CLI disabled by config")
	case !pr.IsTerminal():
		logger.Info("stdin is not a terminal, CLI disabled")
	default:
		a.cli = cli.NewService(commands.NewExecutor(a.orch), a.mainCancel)
	}
	return nil
}

func (a *App) initStore() error {
	switch a.cfg.FSMStore {
	case config.FSMStoreMemory:
		a.store = authflow.NewMemoryStore()
		a.closeStore = func() error { return nil }
		logger.Warn("FSM_STORE=memory: login dialogs are lost on restart")
	default:
		s, err := fsmstore.Open(a.cfg.FSMStateFile)
		if err != nil {
			return fmt.Errorf("init fsm store: %w", err)
		}
		a.store = s
		a.closeStore = s.Close
		logger.Info("FSM store opened", zap.String("path", a.cfg.FSMStateFile))
	}
	return nil
}

// allowed возвращает проверку доступа или nil, если список пуст.
func (a *App) allowed() func(int64) bool {
	if len(a.cfg.AllowedUsers) == 0 {
		return nil
	}
	return a.cfg.IsAllowed
}

// Run запускает узлы и блокируется до отмены mainCtx.
func (a *App) Run() error {
	return NewRunner(a).Run()
}
