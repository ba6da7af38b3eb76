// Package commands предоставляет общий интерфейс операторских команд бота.
// Команды используются консолью; логика не зависит от способа ввода.
package commands

import (
	"context"
	"time"

	"telegram-authbot/internal/domain/authflow"
)

// Executor - интерфейс для выполнения команд оператора.
type Executor interface {
	// Sessions возвращает сводку по всем сохранённым диалогам авторизации
	Sessions(ctx context.Context) (*SessionsResult, error)

	// Show возвращает состояние диалога одного чата
	Show(ctx context.Context, chatID int64) (*ShowResult, error)

	// Reset принудительно сбрасывает диалог чата
	Reset(ctx context.Context, chatID int64) error

	// Expire немедленно закрывает просроченные диалоги
	Expire(ctx context.Context) (int, error)

	// Version возвращает информацию о версии приложения
	Version(ctx context.Context) (*VersionResult, error)
}

// SessionsResult - результат команды Sessions
type SessionsResult struct {
	Sessions     []SessionInfo
	OpenGateways int // число открытых MTProto-соединений
}

// SessionInfo - строка таблицы диалогов
type SessionInfo struct {
	ChatID    int64
	Stage     authflow.Stage
	Phone     string // маскированный номер
	Account   string // имя авторизованного аккаунта или пусто
	UpdatedAt time.Time
}

// ShowResult - результат команды Show
type ShowResult struct {
	Session authflow.Session // номер замаскирован
	Text    string           // человекочитаемое описание
}

// VersionResult - результат команды Version
type VersionResult struct {
	Name    string
	Version string
	Commit  string
}
