// Package userclient — MTProto-сторона бота: на каждый чат открывается свой
// клиент gotd с собственным файлом сессии, через который идёт вход во
// вторичный аккаунт. Ошибки Telegram переводятся в таксономию authflow.
package userclient

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"telegram-authbot/internal/domain/authflow"
	"telegram-authbot/internal/infra/logger"
	"telegram-authbot/internal/infra/telegram/session"
	"telegram-authbot/internal/support/version"
)

// floodWaitRetries — сколько раз waiter повторяет запрос после FLOOD_WAIT,
// прежде чем вернуть ошибку наверх.
const floodWaitRetries = 3

// ErrNotStarted возвращает Open до вызова Start.
var ErrNotStarted = errors.New("userclient: dialer is not started")

// Options — параметры MTProto-клиентов.
type Options struct {
	AppID       int
	AppHash     string
	SessionsDir string
	// ThrottleRPS ограничивает частоту RPC одного клиента, burst = 2*rate.
	ThrottleRPS int
	// FloodWaitMax — предел ожидания FLOOD_WAIT внутри клиента. Более долгие
	// ожидания возвращаются оркестратору как authflow.RateLimitError.
	// Ноль выключает waiter.
	FloodWaitMax  time.Duration
	DeviceModel   string
	SystemVersion string
	TestDC        bool
}

// Dialer реализует authflow.Dialer. Клиенты живут на корневом контексте
// Start, а не на контексте запроса, который их открыл.
type Dialer struct {
	opts Options

	mu     sync.Mutex
	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ authflow.Dialer = (*Dialer)(nil)

// NewDialer создаёт Dialer. До Start открыть соединение нельзя.
func NewDialer(opts Options) *Dialer {
	if opts.ThrottleRPS <= 0 {
		opts.ThrottleRPS = 1
	}
	return &Dialer{opts: opts}
}

// Start привязывает будущие клиенты к ctx.
func (d *Dialer) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.root != nil {
		return
	}
	d.root, d.cancel = context.WithCancel(ctx)
}

// Stop гасит все открытые клиенты и ждёт их завершения.
func (d *Dialer) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.root, d.cancel = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// Open поднимает клиента для chatID и ждёт установления соединения.
// ctx ограничивает только подключение.
func (d *Dialer) Open(ctx context.Context, chatID int64) (authflow.Gateway, error) {
	d.mu.Lock()
	root := d.root
	d.mu.Unlock()
	if root == nil {
		return nil, ErrNotStarted
	}

	log := logger.Named("mtproto").With(zap.Int64("chat_id", chatID))
	client, waiter := d.newClient(chatID, log)

	runCtx, cancel := context.WithCancel(root)
	c := &conn{
		chatID: chatID,
		client: client,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ready := make(chan struct{})

	run := func(ctx context.Context) error {
		return client.Run(ctx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(c.done)
		var err error
		if waiter != nil {
			err = waiter.Run(runCtx, run)
		} else {
			err = run(runCtx)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("MTProto client stopped", zap.Error(err))
		}
		c.setErr(err)
	}()

	select {
	case <-ready:
		log.Debug("MTProto client connected")
		return c, nil
	case <-c.done:
		err := c.err()
		if err == nil {
			err = errConnClosed
		}
		return nil, errors.Wrap(mapError(err), "connect")
	case <-ctx.Done():
		cancel()
		<-c.done
		return nil, ctx.Err()
	}
}

// Forget удаляет файл сессии чата.
func (d *Dialer) Forget(chatID int64) error {
	fs := &session.FileStorage{Path: session.PathFor(d.opts.SessionsDir, chatID)}
	if err := fs.Remove(); err != nil {
		return errors.Wrapf(err, "forget session %d", chatID)
	}
	return nil
}

func (d *Dialer) newClient(chatID int64, log *zap.Logger) (*telegram.Client, *floodwait.Waiter) {
	var waiter *floodwait.Waiter
	middlewares := make([]telegram.Middleware, 0, 2)
	if d.opts.FloodWaitMax > 0 {
		waiter = floodwait.NewWaiter().
			WithMaxWait(d.opts.FloodWaitMax).
			WithMaxRetries(floodWaitRetries).
			WithCallback(func(_ context.Context, wait floodwait.FloodWait) {
				log.Info("FLOOD_WAIT, waiting", zap.Duration("wait", wait.Duration))
			})
		middlewares = append(middlewares, waiter)
	}
	middlewares = append(middlewares, ratelimit.New(
		rate.Limit(d.opts.ThrottleRPS),
		d.opts.ThrottleRPS*2, //nolint:mnd // burst = 2*rate
	))

	options := telegram.Options{
		SessionStorage: &session.FileStorage{
			Path: session.PathFor(d.opts.SessionsDir, chatID),
			OnStore: func() {
				log.Debug("session stored")
			},
		},
		Middlewares: middlewares,
		NoUpdates:   true,
		Device: telegram.DeviceConfig{
			DeviceModel:   d.opts.DeviceModel,
			SystemVersion: d.opts.SystemVersion,
			AppVersion:    version.Version,
		},
		Logger: log.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel)),
	}
	if d.opts.TestDC {
		options.DCList = dcs.Test()
	}
	return telegram.NewClient(d.opts.AppID, d.opts.AppHash, options), waiter
}
