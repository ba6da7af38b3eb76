// Package authflow — оркестратор входа во вторичный пользовательский аккаунт
// Telegram через диалог с ботом: телефон → код → (пароль 2FA) → авторизован.
//
// Оркестратор не знает ни о Bot API, ни о MTProto: провайдер скрыт за Gateway,
// состояние диалога — за Store, асинхронные сообщения — за Notifier.
// Ошибки провайдера приходят в виде таксономии из errors.go и превращаются
// в ответы с повторным запросом ввода.
package authflow

import (
	"strings"
	"time"
)

// Stage — шаг диалога авторизации.
type Stage string

const (
	StageIdle             Stage = "idle"
	StageAwaitingPhone    Stage = "awaiting_phone"
	StageAwaitingCode     Stage = "awaiting_code"
	StageAwaitingPassword Stage = "awaiting_password"
	StageAuthenticated    Stage = "authenticated"
)

// InProgress сообщает, что вход начат, но не завершён.
func (s Stage) InProgress() bool {
	switch s {
	case StageAwaitingPhone, StageAwaitingCode, StageAwaitingPassword:
		return true
	default:
		return false
	}
}

// CodeType — канал доставки кода подтверждения.
type CodeType string

const (
	CodeTypeApp        CodeType = "app"
	CodeTypeSMS        CodeType = "sms"
	CodeTypeCall       CodeType = "call"
	CodeTypeFlashCall  CodeType = "flash_call"
	CodeTypeMissedCall CodeType = "missed_call"
	CodeTypeEmail      CodeType = "email"
	CodeTypeFragment   CodeType = "fragment"
	CodeTypeUnknown    CodeType = "unknown"
)

// Account — краткое описание авторизованного аккаунта.
type Account struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// DisplayName возвращает человекочитаемое имя аккаунта для сообщений.
func (a Account) DisplayName() string {
	name := strings.TrimSpace(a.FirstName + " " + a.LastName)
	switch {
	case name != "" && a.Username != "":
		return name + " (@" + a.Username + ")"
	case name != "":
		return name
	case a.Username != "":
		return "@" + a.Username
	default:
		return "id" + formatInt(a.ID)
	}
}

// SentCode — результат запроса кода у провайдера.
// Account заполнен, если провайдер авторизовал сессию сразу, без кода.
type SentCode struct {
	Hash     string
	Type     CodeType
	Length   int
	Timeout  time.Duration
	NextType CodeType
	Account  *Account
}

// Session — состояние диалога авторизации одного чата.
// Коды и пароли сюда не попадают.
type Session struct {
	ChatID int64 `json:"chat_id"`
	Stage  Stage `json:"stage"`

	Phone        string   `json:"phone,omitempty"`
	CodeHash     string   `json:"code_hash,omitempty"`
	CodeType     CodeType `json:"code_type,omitempty"`
	CodeLength   int      `json:"code_length,omitempty"`
	NextCodeType CodeType `json:"next_code_type,omitempty"`
	PasswordHint string   `json:"password_hint,omitempty"`

	PhoneAttempts    int `json:"phone_attempts,omitempty"`
	CodeAttempts     int `json:"code_attempts,omitempty"`
	PasswordAttempts int `json:"password_attempts,omitempty"`

	// RetryAt — момент, раньше которого провайдер просил не повторять запросы.
	RetryAt time.Time `json:"retry_at,omitzero"`

	Account *Account `json:"account,omitempty"`

	StartedAt time.Time `json:"started_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Waiting сообщает, действует ли ещё ограничение частоты на момент now.
func (s Session) Waiting(now time.Time) bool {
	return !s.RetryAt.IsZero() && now.Before(s.RetryAt)
}

// clearCode сбрасывает данные отправленного кода.
func (s *Session) clearCode() {
	s.CodeHash = ""
	s.CodeType = ""
	s.CodeLength = 0
	s.NextCodeType = ""
	s.CodeAttempts = 0
}

// applySentCode переносит данные отправленного кода в сессию.
func (s *Session) applySentCode(sent SentCode) {
	s.CodeHash = sent.Hash
	s.CodeType = sent.Type
	s.CodeLength = sent.Length
	s.NextCodeType = sent.NextType
	s.CodeAttempts = 0
}
