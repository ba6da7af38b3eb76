package app

import (
	"context"

	"go.uber.org/zap"

	"telegram-authbot/internal/infra/lifecycle"
	"telegram-authbot/internal/infra/logger"
	"telegram-authbot/internal/infra/pr"
	"telegram-authbot/internal/support/version"
)

// Runner регистрирует компоненты App узлами lifecycle, запускает их и
// выполняет graceful shutdown. Узлы живут на контексте, не зависящем от
// сигнала: иначе отмена mainCtx погасила бы всё одновременно, а нужно по очереди
// (сначала бот перестаёт принимать апдейты, в конце закрывается хранилище).
type Runner struct {
	app *App
	mgr *lifecycle.Manager
}

// NewRunner подготавливает Runner для собранного App.
func NewRunner(a *App) *Runner {
	return &Runner{
		app: a,
		mgr: lifecycle.New(context.WithoutCancel(a.mainCtx)),
	}
}

func (r *Runner) nodes() []lifecycle.Node {
	a := r.app
	nodes := []lifecycle.Node{
		{
			Name: "fsm_store",
			Stop: func(context.Context) error { return a.closeStore() },
		},
		{
			Name: "mtproto_dialer",
			Start: func(ctx context.Context) error {
				a.dialer.Start(ctx)
				return nil
			},
			Stop: func(context.Context) error {
				a.dialer.Stop()
				return nil
			},
		},
		{
			Name: "bot_throttler",
			Start: func(ctx context.Context) error {
				a.throttler.Start(ctx)
				return nil
			},
			Stop: func(context.Context) error {
				a.throttler.Stop()
				return nil
			},
		},
		{
			Name: "deduplicator",
			Start: func(ctx context.Context) error {
				a.dedup.Start(ctx)
				return nil
			},
			Stop: func(context.Context) error {
				a.dedup.Stop()
				return nil
			},
		},
		{
			Name: "orchestrator",
			Deps: []string{"fsm_store", "mtproto_dialer"},
			Stop: func(context.Context) error {
				a.orch.Close()
				return nil
			},
		},
		{
			Name: "janitor",
			Deps: []string{"orchestrator", "bot_throttler"},
			Start: func(ctx context.Context) error {
				a.janitor.Start(ctx)
				return nil
			},
			Stop: func(context.Context) error {
				a.janitor.Stop()
				return nil
			},
		},
		{
			Name:  "bot",
			Deps:  []string{"orchestrator", "bot_throttler", "deduplicator"},
			Start: a.bot.Start,
			Stop: func(context.Context) error {
				a.bot.Stop()
				return nil
			},
		},
	}
	if a.cli != nil {
		nodes = append(nodes, lifecycle.Node{
			Name: "cli",
			Deps: []string{"orchestrator"},
			Start: func(ctx context.Context) error {
				if err := a.cli.Start(ctx); err != nil {
					return err
				}
				// логи идут через буферы readline, чтобы не ломать строку ввода
				logger.SetWriters(pr.Stdout(), pr.Stderr())
				return nil
			},
			Stop: func(context.Context) error {
				a.cli.Stop()
				logger.SetWriters(nil, nil)
				return nil
			},
		})
	}
	return nodes
}

// Run запускает узлы, ждёт отмены mainCtx и останавливает их в обратном порядке.
func (r *Runner) Run() error {
	for _, n := range r.nodes() {
		if err := r.mgr.Register(n); err != nil {
			return err
		}
	}
	if err := r.mgr.StartAll(); err != nil {
		if shutdownErr := r.mgr.Shutdown(); shutdownErr != nil {
			logger.Error("shutdown after failed start", zap.Error(shutdownErr))
		}
		return err
	}
	logger.Info("Auth bot running",
		zap.String("version", version.Version),
		zap.String("bot", r.app.bot.Username()),
		zap.Strings("nodes", r.mgr.StartOrder()),
	)

	<-r.app.mainCtx.Done()
	logger.Info("Shutdown signal received, stopping nodes...")
	return r.mgr.Shutdown()
}
