package userclient

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"

	"telegram-authbot/internal/domain/authflow"
)

// floodFallbackWait — пауза для лимитов без явной длительности
// (PHONE_NUMBER_FLOOD, PHONE_PASSWORD_FLOOD).
const floodFallbackWait = time.Hour

// mapError оборачивает ошибку Telegram так, чтобы errors.Is/As находили
// значения из authflow. Исходная ошибка остаётся в цепочке.
// Незнакомые ошибки возвращаются без изменений.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &authflow.RateLimitError{Wait: d, Err: err}
	}

	switch {
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return wrap(authflow.ErrPasswordRequired, err)
	case errors.Is(err, auth.ErrPasswordInvalid):
		return wrap(authflow.ErrInvalidPassword, err)
	}
	var signUp *auth.SignUpRequired
	if errors.As(err, &signUp) {
		return wrap(authflow.ErrSignUpRequired, err)
	}

	switch {
	case tgerr.Is(err, "PHONE_NUMBER_INVALID", "PHONE_NUMBER_EMPTY"):
		return wrap(authflow.ErrInvalidPhone, err)
	case tgerr.Is(err, "PHONE_NUMBER_BANNED"):
		return wrap(authflow.ErrPhoneBanned, err)
	case tgerr.Is(err, "PHONE_NUMBER_UNOCCUPIED"):
		return wrap(authflow.ErrSignUpRequired, err)
	case tgerr.Is(err, "PHONE_NUMBER_FLOOD", "PHONE_PASSWORD_FLOOD"):
		return &authflow.RateLimitError{Wait: floodFallbackWait, Err: err}
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return wrap(authflow.ErrInvalidCode, err)
	case tgerr.Is(err, "PHONE_CODE_EXPIRED", "PHONE_CODE_HASH_EMPTY"):
		return wrap(authflow.ErrCodeExpired, err)
	case tgerr.Is(err, "SESSION_PASSWORD_NEEDED"):
		return wrap(authflow.ErrPasswordRequired, err)
	case tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return wrap(authflow.ErrInvalidPassword, err)
	case tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED"):
		return wrap(authflow.ErrNotAuthorized, err)
	}
	return err
}

func wrap(kind, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}
