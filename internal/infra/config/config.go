// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (relay-воркера). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. предоставляет доступ к результату через глобальный singleton.
//
// Бизнес-контекст: relay принимает сообщения из Telegram (long-polling Bot API),
// сериализует их по топикам и транслирует агентной модели. Конфиг среды управляет
// токеном бота, таймаутом одного хода модели, лимитами сессий, темпом прогресс-
// уведомлений, параллелизмом топиков и прочими «ручками».
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это «операционные»
// настройки запуска: токен бота, ключ провайдера модели, лимиты и таймауты ядра,
// адреса админских поверхностей, параметры логирования.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	BotToken    string
	BotAPITest  bool
	BotAPIRPS   int
	PollTimeout time.Duration

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	RelayTimeout        time.Duration
	SessionIdleTimeout  time.Duration
	SessionMaxConc      int
	SessionRetries      int
	ProgressFirst       time.Duration
	ProgressEvery       time.Duration
	ProgressMaxCount    int
	MaxConcurrentTopics int
	SemaphoreQueueSize  int

	DefaultWorkspacePath  string
	StorePath             string
	StartupAnnounceChatID int64
	StartupAnnounceThread int64 // 0 — без треда

	LogLevel string
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
	// Админские поверхности
	WebServerEnable  bool
	WebServerAddress string
	CLIEnable        bool
	// Автостоп процесса (для supervised-прогонов); 0 — выключено
	RunTimeoutSec int

	ShutdownGrace time.Duration
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock; перезагрузка в рантайме
// не поддерживается (singleton фиксируется один раз на старте).
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения. Миллисекундные дефолты ядра
// совпадают с паспортными: relay 300000, idle 2700000, progress 10000/30000.
const (
	defaultBotAPIRPS          = 25
	defaultPollTimeoutSec     = 30
	defaultRelayTimeoutMS     = 300_000
	defaultSessionIdleMS      = 2_700_000
	defaultSessionMaxConc     = 5
	defaultSessionRetries     = 1
	defaultProgressFirstMS    = 10_000
	defaultProgressEveryMS    = 30_000
	defaultProgressMaxCount   = 3
	defaultMaxConcTopics      = 3
	defaultSemaphoreQueueSize = 100
	defaultStorePath          = "data/relay.bbolt"
	defaultWorkspacePath      = "."
	defaultLogLevel           = "info"
	defaultLogFileLevel       = "debug"
	defaultLogFileMaxSize     = 50
	defaultLogFileMaxBackups  = 3
	defaultLogFileMaxAge      = 7
	defaultLogFileCompress    = true
	defaultWebServerEnable    = false
	defaultWebServerAddress   = "127.0.0.1:8080"
	defaultCLIEnable          = false
	defaultShutdownGraceSec   = 30
	defaultOpenAIModel        = "gpt-4o-mini"
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// При первом вызове читает .env, формирует EnvConfig и фиксирует результат в
// singleton. Повторный вызов запрещён (возвращается ошибка), чтобы избежать
// гонок конфигурации на старте.
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
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	// .env опционален: в контейнерах окружение задаётся напрямую.
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	if botToken == "" {
		return nil, errors.New("env BOT_TOKEN must be set")
	}

	var warnings []string

	botAPITest := parseBoolDefault("BOT_API_TEST", false, &warnings)
	botAPIRPS := parseIntDefault("BOT_API_RPS", defaultBotAPIRPS, greaterThanZero, &warnings)
	pollTimeout := parseIntDefault("POLL_TIMEOUT_SEC", defaultPollTimeoutSec, greaterThanZero, &warnings)

	openAIKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	openAIBase := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	openAIModel := stringDefault("OPENAI_MODEL", defaultOpenAIModel, &warnings)

	relayTimeout := parseIntDefault("RELAY_TIMEOUT_MS", defaultRelayTimeoutMS, greaterThanZero, &warnings)
	sessionIdle := parseIntDefault("SESSION_IDLE_TIMEOUT_MS", defaultSessionIdleMS, greaterThanZero, &warnings)
	sessionMaxConc := parseIntDefault("SESSION_MAX_CONCURRENT", defaultSessionMaxConc, greaterThanZero, &warnings)
	sessionRetries := parseIntDefault("SESSION_RETRY_ATTEMPTS", defaultSessionRetries, nonNegative, &warnings)
	progressFirst := parseIntDefault("PROGRESS_FIRST_MS", defaultProgressFirstMS, greaterThanZero, &warnings)
	progressEvery := parseIntDefault("PROGRESS_EVERY_MS", defaultProgressEveryMS, greaterThanZero, &warnings)
	progressMax := parseIntDefault("PROGRESS_MAX_COUNT", defaultProgressMaxCount, nonNegative, &warnings)
	maxTopics := parseIntDefault("MAX_CONCURRENT_TOPICS", defaultMaxConcTopics, greaterThanZero, &warnings)
	semQueue := parseIntDefault("SEMAPHORE_QUEUE_SIZE", defaultSemaphoreQueueSize, greaterThanZero, &warnings)

	workspace := stringDefault("DEFAULT_WORKSPACE_PATH", defaultWorkspacePath, &warnings)
	storePath := stringDefault("STORE_PATH", defaultStorePath, &warnings)
	announceChat := parseInt64Default("STARTUP_ANNOUNCE_CHAT_ID", 0, &warnings)
	announceThread := parseInt64Default("STARTUP_ANNOUNCE_THREAD_ID", 0, &warnings)

	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)

	webEnable := parseBoolDefault("WEB_SERVER_ENABLE", defaultWebServerEnable, &warnings)
	webAddress := stringDefault("WEB_SERVER_ADDRESS", defaultWebServerAddress, &warnings)
	cliEnable := parseBoolDefault("CLI_ENABLE", defaultCLIEnable, &warnings)
	runTimeout := parseIntDefault("RUN_TIMEOUT_SEC", 0, nonNegative, &warnings)
	shutdownGrace := parseIntDefault("SHUTDOWN_GRACE_SEC", defaultShutdownGraceSec, greaterThanZero, &warnings)

	env := EnvConfig{
		BotToken:    botToken,
		BotAPITest:  botAPITest,
		BotAPIRPS:   botAPIRPS,
		PollTimeout: time.Duration(pollTimeout) * time.Second,

		OpenAIAPIKey:  openAIKey,
		OpenAIBaseURL: openAIBase,
		OpenAIModel:   openAIModel,

		RelayTimeout:        time.Duration(relayTimeout) * time.Millisecond,
		SessionIdleTimeout:  time.Duration(sessionIdle) * time.Millisecond,
		SessionMaxConc:      sessionMaxConc,
		SessionRetries:      sessionRetries,
		ProgressFirst:       time.Duration(progressFirst) * time.Millisecond,
		ProgressEvery:       time.Duration(progressEvery) * time.Millisecond,
		ProgressMaxCount:    progressMax,
		MaxConcurrentTopics: maxTopics,
		SemaphoreQueueSize:  semQueue,

		DefaultWorkspacePath:  workspace,
		StorePath:             storePath,
		StartupAnnounceChatID: announceChat,
		StartupAnnounceThread: announceThread,

		LogLevel:          logLevel,
		LogFile:           logFile,
		LogFileLevel:      logFileLevel,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		LogFileCompress:   logFileCompress,

		WebServerEnable:  webEnable,
		WebServerAddress: webAddress,
		CLIEnable:        cliEnable,
		RunTimeoutSec:    runTimeout,
		ShutdownGrace:    time.Duration(shutdownGrace) * time.Second,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки; для обновления надо перезапустить процесс.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
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

// parseInt64Default — как parseIntDefault, но для идентификаторов чатов (int64).
func parseInt64Default(name string, defaultVal int64, warnings *[]string) int64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает булеву переменную ("true"/"false", без учёта регистра).
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(strings.ToLower(value))
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid bool; using default %t", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// stringDefault возвращает значение переменной или defaultVal при пустом значении.
func stringDefault(name, defaultVal string, warnings *[]string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		_ = warnings // пустое значение штатно; предупреждение не требуется
		return defaultVal
	}
	return value
}

// sanitizeLogLevel нормализует уровень логирования; при неизвестном значении
// возвращает defaultVal и пишет предупреждение.
func sanitizeLogLevel(raw, defaultVal string, warnings *[]string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "":
		return defaultVal
	case "debug", "info", "warn", "error":
		return value
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is unknown; using default %q", raw, defaultVal)
		return defaultVal
	}
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative — простые валидаторы чисел. Используются в
// parseIntDefault, чтобы навязать смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }
