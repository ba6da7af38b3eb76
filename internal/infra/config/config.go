// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (бот, проводящий вход во вторичный пользовательский аккаунт Telegram). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. подставляет значения по умолчанию и копит предупреждения,
//  4. предоставляет результат через неизменяемый снимок EnvConfig.
//
// Бизнес-контекст: конфиг среды управляет подключением к Bot API и к MTProto,
// хранением сессий и состояния диалогов, лимитами попыток авторизации,
// ограничениями по скорости и логированием.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
type EnvConfig struct {
	BotToken     string
	APIID        int
	APIHash      string
	AllowedUsers []int64

	SessionsDir  string
	FSMStore     string
	FSMStateFile string

	SessionTTLSec       int
	MaxPhoneAttempts    int
	MaxCodeAttempts     int
	MaxPasswordAttempts int
	AuthStepTimeoutSec  int
	FloodWaitMaxSec     int

	ThrottleRPS       int
	BotRateLimitMS    int
	DedupWindowSec    int
	BotMode           string
	BotPollTimeoutSec int
	WebhookListen     string
	WebhookURL        string
	TestDC            bool
	DeviceModel       string
	SystemVersion     string

	LogLevel string
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool

	CLIEnable bool
}

// Config хранит конфигурацию среды и предупреждения, накопленные при загрузке.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultSessionsDir         = "data/sessions"
	defaultFSMStore            = FSMStoreBolt
	defaultFSMStateFile        = "data/fsm.bbolt"
	defaultSessionTTLSec       = 600
	defaultMaxPhoneAttempts    = 3
	defaultMaxCodeAttempts     = 3
	defaultMaxPasswordAttempts = 3
	defaultAuthStepTimeoutSec  = 30
	defaultFloodWaitMaxSec     = 10
	defaultThrottleRPS         = 20
	defaultBotRateLimitMS      = 500
	defaultDedupWindowSec      = 120
	defaultBotMode             = BotModeLongpoll
	defaultBotPollTimeoutSec   = 10
	defaultDeviceModel         = "telegram-authbot"
	defaultSystemVersion       = "linux"
	defaultLogLevel            = "info"
	// Файловое логирование (LOG_FILE не имеет дефолта - должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
	defaultCLIEnable         = true
)

// Допустимые значения перечислимых параметров.
const (
	FSMStoreBolt    = "bolt"
	FSMStoreMemory  = "memory"
	BotModeLongpoll = "longpoll"
	BotModeWebhook  = "webhook"
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации приложения.
// Повторный вызов запрещен (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Отсутствующий .env не ошибка: значения могут прийти из окружения процесса.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	if strings.TrimSpace(envPath) != "" {
		if err := godotenv.Load(envPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env: %w", err)
			}
			appendWarningf(&warnings, ".env file %q not found; using process environment", envPath)
		}
	}

	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	if botToken == "" {
		return nil, errors.New("env BOT_TOKEN must be set")
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	allowed, err := parseIDList("ALLOWED_USERS")
	if err != nil {
		return nil, err
	}
	if len(allowed) == 0 {
		appendWarningf(&warnings, "env ALLOWED_USERS is empty; bot is open to every user")
	}

	env := EnvConfig{
		BotToken:     botToken,
		APIID:        apiID,
		APIHash:      apiHash,
		AllowedUsers: allowed,

		SessionsDir:  sanitizeFile("SESSIONS_DIR", os.Getenv("SESSIONS_DIR"), defaultSessionsDir, &warnings),
		FSMStore:     sanitizeChoice("FSM_STORE", defaultFSMStore, &warnings, FSMStoreBolt, FSMStoreMemory),
		FSMStateFile: sanitizeFile("FSM_STATE_FILE", os.Getenv("FSM_STATE_FILE"), defaultFSMStateFile, &warnings),

		SessionTTLSec:       parseIntDefault("SESSION_TTL_SEC", defaultSessionTTLSec, greaterThanZero, &warnings),
		MaxPhoneAttempts:    parseIntDefault("MAX_PHONE_ATTEMPTS", defaultMaxPhoneAttempts, greaterThanZero, &warnings),
		MaxCodeAttempts:     parseIntDefault("MAX_CODE_ATTEMPTS", defaultMaxCodeAttempts, greaterThanZero, &warnings),
		MaxPasswordAttempts: parseIntDefault("MAX_PASSWORD_ATTEMPTS", defaultMaxPasswordAttempts, greaterThanZero, &warnings),
		AuthStepTimeoutSec:  parseIntDefault("AUTH_STEP_TIMEOUT_SEC", defaultAuthStepTimeoutSec, greaterThanZero, &warnings),
		FloodWaitMaxSec:     parseIntDefault("FLOOD_WAIT_MAX_SEC", defaultFloodWaitMaxSec, nonNegative, &warnings),

		ThrottleRPS:       parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings),
		BotRateLimitMS:    parseIntDefault("BOT_RATE_LIMIT_MS", defaultBotRateLimitMS, nonNegative, &warnings),
		DedupWindowSec:    parseIntDefault("DEDUP_WINDOW_SEC", defaultDedupWindowSec, nonNegative, &warnings),
		BotMode:           sanitizeChoice("BOT_MODE", defaultBotMode, &warnings, BotModeLongpoll, BotModeWebhook),
		BotPollTimeoutSec: parseIntDefault("BOT_POLL_TIMEOUT_SEC", defaultBotPollTimeoutSec, greaterThanZero, &warnings),
		WebhookListen:     strings.TrimSpace(os.Getenv("WEBHOOK_LISTEN")),
		WebhookURL:        strings.TrimSpace(os.Getenv("WEBHOOK_URL")),
		TestDC:            strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true"),
		DeviceModel:       sanitizeFile("DEVICE_MODEL", os.Getenv("DEVICE_MODEL"), defaultDeviceModel, &warnings),
		SystemVersion:     sanitizeFile("SYSTEM_VERSION", os.Getenv("SYSTEM_VERSION"), defaultSystemVersion, &warnings),

		LogLevel:          sanitizeLogLevel("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel("LOG_FILE_LEVEL", os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings),
		LogFileMaxSize:    parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups: parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings),
		LogFileMaxAge:     parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		LogFileCompress:   parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings),

		CLIEnable: parseBoolDefault("CLI_ENABLE", defaultCLIEnable, &warnings),
	}

	if env.BotMode == BotModeWebhook && (env.WebhookListen == "" || env.WebhookURL == "") {
		return nil, errors.New("env WEBHOOK_LISTEN and WEBHOOK_URL must be set when BOT_MODE=webhook")
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	if cfgInstance == nil {
		return nil
	}
	return cfgInstance.Warnings()
}

// Warnings возвращает копию предупреждений конкретного экземпляра.
func (c *Config) Warnings() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]string, len(c.warnings))
	copy(result, c.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки.
func Env() EnvConfig {
	return cfgInstance.Env
}

// Get возвращает глобальный экземпляр конфигурации (nil до Load).
func Get() *Config {
	return cfgInstance
}

// IsAllowed сообщает, разрешено ли пользователю общаться с ботом.
// Пустой список ALLOWED_USERS означает открытый доступ.
func (e EnvConfig) IsAllowed(userID int64) bool {
	if len(e.AllowedUsers) == 0 {
		return true
	}
	for _, id := range e.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIDList разбирает CSV из идентификаторов пользователей. Дубликаты убираются,
// некорректный элемент — ошибка: список доступа не должен молча сужаться.
func parseIDList(name string) ([]int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	seen := make(map[int64]struct{})
	result := make([]int64, 0)
	for _, part := range strings.Split(raw, ",") {
		token := strings.TrimSpace(part)
		if token == "" {
			continue
		}
		id, err := strconv.ParseInt(token, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("env %s entry %q is not a valid user id", name, token)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal и пишет предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel нормализует уровень логирования и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(name, level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, level, defaultVal)
		return defaultVal
	}
}

// sanitizeChoice приводит значение к одному из allowed (без учёта регистра).
func sanitizeChoice(name, defaultVal string, warnings *[]string, allowed ...string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	v := strings.ToLower(raw)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, raw, defaultVal)
	return defaultVal
}

// sanitizeFile возвращает непустое строковое значение. Если переменная не
// задана, подставляет fallback и пишет предупреждение.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}
