package authflow

import (
	"errors"
	"fmt"
	"time"
)

// Ошибки, на которые ветвится оркестратор. Адаптер провайдера обязан
// оборачивать свои ошибки так, чтобы errors.Is находил эти значения.
var (
	ErrInvalidPhone     = errors.New("authflow: invalid phone number")
	ErrPhoneBanned      = errors.New("authflow: phone number banned")
	ErrPasswordRequired = errors.New("authflow: two-factor password required")
	ErrInvalidCode      = errors.New("authflow: invalid code")
	ErrCodeExpired      = errors.New("authflow: code expired")
	ErrInvalidPassword  = errors.New("authflow: invalid password")
	ErrSignUpRequired   = errors.New("authflow: phone number is not registered")
	ErrNotAuthorized    = errors.New("authflow: account is not authorized")

	// ErrNoSession возвращает Store, если для чата нет сохранённого состояния.
	ErrNoSession = errors.New("authflow: session not found")
)

// RateLimitError — провайдер попросил подождать Wait перед следующим запросом.
type RateLimitError struct {
	Wait time.Duration
	Err  error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authflow: rate limited, retry after %s", e.Wait)
	}
	return fmt.Sprintf("authflow: rate limited, retry after %s: %v", e.Wait, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// AsRateLimit извлекает RateLimitError из цепочки ошибок.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
