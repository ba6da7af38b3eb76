package authflow

import "context"

// Gateway — одно открытое MTProto-соединение одного владельца (чата бота).
// Все методы блокирующие и уважают ctx.
type Gateway interface {
	SendCode(ctx context.Context, phone string) (SentCode, error)
	ResendCode(ctx context.Context, phone, hash string) (SentCode, error)
	CancelCode(ctx context.Context, phone, hash string) error
	SignIn(ctx context.Context, phone, code, hash string) (Account, error)
	PasswordHint(ctx context.Context) (string, error)
	CheckPassword(ctx context.Context, password string) (Account, error)
	// Self возвращает текущий аккаунт или ErrNotAuthorized.
	Self(ctx context.Context) (Account, error)
	LogOut(ctx context.Context) error
	Close() error
}

// Dialer открывает соединения с провайдером. ctx в Open ограничивает только
// установку соединения: открытый Gateway живёт до Close.
type Dialer interface {
	Open(ctx context.Context, chatID int64) (Gateway, error)
	// Forget удаляет сохранённую MTProto-сессию владельца.
	Forget(chatID int64) error
}

// Store хранит состояние диалогов по идентификатору чата.
type Store interface {
	// Get возвращает ErrNoSession, если состояния нет.
	Get(ctx context.Context, chatID int64) (Session, error)
	Put(ctx context.Context, s Session) error
	Delete(ctx context.Context, chatID int64) error
	List(ctx context.Context) ([]Session, error)
}

// Notifier доставляет пользователю сообщения, не являющиеся ответом на его ввод
// (истечение сессии, сброс оператором).
type Notifier interface {
	Notify(ctx context.Context, chatID int64, r Reply) error
}
