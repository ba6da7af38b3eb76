package authflow

import (
	"fmt"
	"strings"
	"time"
)

// Action — inline-кнопка под ответом.
type Action string

const (
	ActionCancel  Action = "cancel"
	ActionResend  Action = "resend"
	ActionRestart Action = "restart"
	ActionLogout  Action = "logout"
)

// ParseAction разбирает payload callback-кнопки.
func ParseAction(s string) (Action, bool) {
	switch a := Action(strings.TrimSpace(s)); a {
	case ActionCancel, ActionResend, ActionRestart, ActionLogout:
		return a, true
	default:
		return "", false
	}
}

// Reply — ответ пользователю.
type Reply struct {
	Text    string
	Actions []Action
	// RequestContact — показать reply-клавиатуру с кнопкой «поделиться номером».
	RequestContact bool
	// DeleteInput — удалить сообщение пользователя: в нём код или пароль.
	DeleteInput bool
}

func reply(text string, actions ...Action) Reply {
	return Reply{Text: text, Actions: actions}
}

const (
	textPhonePrompt = "Send the phone number of the account you want to connect, " +
		"in international format (e.g. +15551234567), or share it with the button below."
	textInvalidPhone     = "This doesn't look like a valid phone number. Use international format, e.g. +15551234567."
	textTooManyPhones    = "Too many invalid phone numbers. Send /start to begin again."
	textPhoneBanned      = "This phone number is banned by Telegram and cannot be connected."
	textInvalidCode      = "The code is incorrect or malformed. Type the digits separated by dashes, e.g. 1-2-3-4-5."
	textTooManyCodes     = "Too many incorrect codes. Send the phone number again."
	textCodeExpired      = "The code has expired. Request a new one or start over."
	textInvalidPassword  = "Wrong password."
	textTooManyPasswords = "Too many wrong passwords. Send /start to begin again."
	textSignUpRequired   = "This phone number is not registered in Telegram. Signing up is not supported."
	textGeneric          = "Something went wrong while talking to Telegram. Please try again later."
	textIdle             = "Send /start to connect an account."
	textCancelled        = "Login cancelled. Send /start to begin again."
	textNothingToCancel  = "There is no login in progress."
	textLoggedOut        = "Logged out. The saved session has been removed."
	textNotLoggedIn      = "No account is connected. Send /start to connect one."
	textExpired          = "The login session expired due to inactivity. Send /start to begin again."
	textResetByOperator  = "Your login session was reset. Send /start to begin again."
	textNoCodeToResend   = "There is no pending code to resend."
	textUnexpectedPhone  = "A phone number is not expected right now."
)

func attemptsLeft(text string, left int) string {
	return fmt.Sprintf("%s Attempts left: %d.", text, left)
}

func codePrompt(sent SentCode, resent bool) string {
	var b strings.Builder
	if resent {
		b.WriteString("A new login code was sent ")
	} else {
		b.WriteString("A login code was sent ")
	}
	b.WriteString(deliveryText(sent.Type))
	if sent.Length > 0 {
		fmt.Fprintf(&b, " (%d digits)", sent.Length)
	}
	b.WriteString(".\nSend it here with dashes or spaces between the digits, e.g. 1-2-3-4-5: " +
		"Telegram invalidates codes that are shared as-is.")
	if sent.NextType != "" && sent.NextType != CodeTypeUnknown {
		fmt.Fprintf(&b, "\nIf it doesn't arrive, press Resend to get it %s.", deliveryText(sent.NextType))
	}
	return b.String()
}

func deliveryText(t CodeType) string {
	switch t {
	case CodeTypeApp:
		return "to your other Telegram app"
	case CodeTypeSMS:
		return "by SMS"
	case CodeTypeCall:
		return "via a phone call"
	case CodeTypeFlashCall:
		return "via a flash call (the code is the last digits of the calling number)"
	case CodeTypeMissedCall:
		return "via a missed call (the code is the last digits of the calling number)"
	case CodeTypeEmail:
		return "to your login email"
	case CodeTypeFragment:
		return "via Fragment"
	default:
		return "to you"
	}
}

func passwordPrompt(hint string) string {
	text := "This account is protected with two-step verification. Send the password."
	if hint != "" {
		text += "\nHint: " + hint
	}
	return text
}

func authorizedText(acc *Account, already bool) string {
	name := "the account"
	if acc != nil {
		name = acc.DisplayName()
	}
	if already {
		return "Account " + name + " is already connected."
	}
	return "Logged in as " + name + "."
}

func waitText(d time.Duration) string {
	return "Telegram asked to wait " + FormatWait(d) + " before the next attempt."
}

// FormatWait округляет длительность вверх до секунды.
func FormatWait(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return ((d + time.Second - 1) / time.Second * time.Second).String()
}

// Describe формирует текст статуса сессии для пользователя и оператора.
func Describe(s Session, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s", s.Stage)
	if s.Phone != "" {
		fmt.Fprintf(&b, "\nPhone: %s", MaskPhone(s.Phone))
	}
	if s.Stage == StageAwaitingCode && s.CodeType != "" {
		fmt.Fprintf(&b, "\nCode sent %s", deliveryText(s.CodeType))
	}
	if s.Account != nil {
		fmt.Fprintf(&b, "\nAccount: %s", s.Account.DisplayName())
	}
	if s.Waiting(now) {
		fmt.Fprintf(&b, "\nRetry in: %s", FormatWait(s.RetryAt.Sub(now)))
	}
	if !s.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "\nUpdated: %s", s.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}
