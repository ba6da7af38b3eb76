package commands

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"telegram-authbot/internal/domain/authflow"
	"telegram-authbot/internal/infra/logger"
	versioninfo "telegram-authbot/internal/support/version"
)

// Orchestrator - операции authflow.Orchestrator, нужные командам.
type Orchestrator interface {
	Sessions(ctx context.Context) ([]authflow.Session, error)
	Status(ctx context.Context, chatID int64) (authflow.Session, error)
	Reset(ctx context.Context, chatID int64) error
	ExpireStale(ctx context.Context) (int, error)
	OpenGateways() int
}

// CommandExecutor - реализация интерфейса Executor
type CommandExecutor struct {
	orch Orchestrator
	now  func() time.Time
}

var _ Executor = (*CommandExecutor)(nil)

// NewExecutor создает новый экземпляр CommandExecutor
func NewExecutor(orch Orchestrator) *CommandExecutor {
	return &CommandExecutor{orch: orch, now: time.Now}
}

// Sessions возвращает диалоги, отсортированные по времени последнего изменения (свежие сверху).
func (e *CommandExecutor) Sessions(ctx context.Context) (*SessionsResult, error) {
	list, err := e.orch.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	slices.SortFunc(list, func(a, b authflow.Session) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ChatID, b.ChatID)
	})

	res := &SessionsResult{
		Sessions:     make([]SessionInfo, 0, len(list)),
		OpenGateways: e.orch.OpenGateways(),
	}
	for _, s := range list {
		info := SessionInfo{
			ChatID:    s.ChatID,
			Stage:     s.Stage,
			Phone:     authflow.MaskPhone(s.Phone),
			UpdatedAt: s.UpdatedAt,
		}
		if s.Account != nil {
			info.Account = s.Account.DisplayName()
		}
		res.Sessions = append(res.Sessions, info)
	}
	return res, nil
}

// Show возвращает состояние диалога чата. Отсутствие записи — стадия idle.
func (e *CommandExecutor) Show(ctx context.Context, chatID int64) (*ShowResult, error) {
	s, err := e.orch.Status(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("show chat %d: %w", chatID, err)
	}
	text := authflow.Describe(s, e.now())
	s.Phone = authflow.MaskPhone(s.Phone)
	s.CodeHash = ""
	return &ShowResult{Session: s, Text: text}, nil
}

// Reset сбрасывает диалог чата.
func (e *CommandExecutor) Reset(ctx context.Context, chatID int64) error {
	if err := e.orch.Reset(ctx, chatID); err != nil {
		return fmt.Errorf("reset chat %d: %w", chatID, err)
	}
	logger.Info("commands: session reset by operator", zap.Int64("chat_id", chatID))
	return nil
}

// Expire запускает внеочередную очистку просроченных диалогов.
func (e *CommandExecutor) Expire(ctx context.Context) (int, error) {
	n, err := e.orch.ExpireStale(ctx)
	if err != nil {
		return n, fmt.Errorf("expire sessions: %w", err)
	}
	return n, nil
}

// Version возвращает информацию о версии приложения
func (e *CommandExecutor) Version(context.Context) (*VersionResult, error) {
	return &VersionResult{
		Name:    versioninfo.Name,
		Version: versioninfo.Version,
		Commit:  versioninfo.Commit,
	}, nil
}
