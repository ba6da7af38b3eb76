// Package version хранит сведения о сборке. Значения подменяются через
// -ldflags "-X telegram-authbot/internal/support/version.Version=...".
package version

// Name — имя приложения для логов и консоли.
const Name = "telegram-authbot"

var (
	// Version — версия сборки, она же AppVersion в паспорте MTProto-устройства.
	Version = "dev"
	// Commit — короткий хэш коммита.
	Commit = "none"
)

// String возвращает строку вида "telegram-authbot dev (none)".
func String() string {
	return Name + " " + Version + " (" + Commit + ")"
}
