package botapi

import (
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"

	"telegram-authbot/internal/infra/throttle"
)

// RetryAfterExtractor извлекает retry_after из tele.FloodError. Интервал
// сервера соблюдается ровно, без джиттера.
func RetryAfterExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		var retryAfter int
		var fe tele.FloodError
		var pfe *tele.FloodError
		switch {
		case errors.As(err, &fe):
			retryAfter = fe.RetryAfter
		case errors.As(err, &pfe) && pfe != nil:
			retryAfter = pfe.RetryAfter
		default:
			return 0, false
		}
		if retryAfter <= 0 {
			return 0, false
		}
		return time.Duration(retryAfter) * time.Second, true
	}
}
