// Package logger — централизованная обёртка над zap для всего приложения.
// Инициализирует уровень логирования и форматирование, подключает файловый
// приёмник с ротацией (lumberjack) и пропускает каждую запись через слой
// скраббинга учётных данных (scrub.go). Использует zap.AtomicLevel для
// динамической смены уровня и mutex для потокобезопасности.

package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// mu защищает доступ к глобальному состоянию логгера от одновременных изменений.
	mu sync.Mutex
	// log хранит текущий экземпляр zap.Logger, используемый во всём приложении.
	log *zap.Logger
	// logLevel управляет динамическим уровнем консольного вывода без пересоздания ядра.
	logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	// fileLevel — отдельный уровень для файлового приёмника (обычно debug).
	fileLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	// encoderCfg содержит настройки форматирования сообщений.
	encoderCfg = defaultEncoderConfig()
	// stdoutWriter определяет поток для стандартного вывода логов.
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	// stderrWriter определяет поток для вывода ошибок логгера.
	stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	// fileWriter — опциональный файловый приёмник с ротацией; nil, если не настроен.
	fileWriter zapcore.WriteSyncer
	// scrubber — слой редактирования чувствительных значений; применяется ко всем ядрам.
	scrubber *Scrubber
)

// FileOptions описывает параметры файлового логирования с ротацией.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// defaultEncoderConfig формирует консольный encoder с цветами и коротким caller.
// Формат времени фиксирован (YYYY-MM-DD HH:MM:SS).
func defaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// fileEncoderConfig — encoder для файла: без цветов, JSON-формат для машинной обработки.
func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := defaultEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// rebuildLoggerLocked пересоздаёт глобальный логгер с текущими настройками потоков,
// уровнем и скраббером. Предполагается, что вызывающий уже удерживает mu.
// AddCallerSkip(1) скрывает обёртки logger.* в стеке вызовов. Перед заменой
// предыдущий логгер аккуратно Sync(), чтобы сбросить буферы.
func rebuildLoggerLocked() {
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), stdoutWriter, logLevel)
	cores := []zapcore.Core{consoleCore}
	if fileWriter != nil {
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig()), fileWriter, fileLevel)
		cores = append(cores, fileCore)
	}

	core := zapcore.NewTee(cores...)
	if scrubber != nil {
		core = wrapScrub(core, scrubber)
	}

	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(stderrWriter))
}

// Init инициализирует глобальный zap-логгер и настраивает уровень.
// Допустимые уровни: debug, info (по умолчанию), warn, error. Значение
// сравнивается без учёта регистра. Потокобезопасно.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(level) {
	case "debug":
		logLevel.SetLevel(zap.DebugLevel)
	case "warn":
		logLevel.SetLevel(zap.WarnLevel)
	case "error":
		logLevel.SetLevel(zap.ErrorLevel)
	default:
		logLevel.SetLevel(zap.InfoLevel)
	}

	encoderCfg = defaultEncoderConfig()
	rebuildLoggerLocked()
}

// EnableFile подключает файловый приёмник с ротацией. Пустой путь отключает файл.
// Можно вызывать в рантайме; ядро пересобирается атомарно.
func EnableFile(opts FileOptions) {
	mu.Lock()
	defer mu.Unlock()

	if strings.TrimSpace(opts.Path) == "" {
		fileWriter = nil
		rebuildLoggerLocked()
		return
	}

	fileWriter = zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	})
	rebuildLoggerLocked()
}

// SetScrubber устанавливает слой редактирования чувствительных значений.
// Все последующие записи (во все приёмники) проходят через него.
func SetScrubber(s *Scrubber) {
	mu.Lock()
	defer mu.Unlock()
	scrubber = s
	rebuildLoggerLocked()
}

// CurrentScrubber возвращает действующий скраббер (nil, если не установлен).
// Используется для регистрации секретов, появившихся после инициализации.
func CurrentScrubber() *Scrubber {
	mu.Lock()
	defer mu.Unlock()
	return scrubber
}

// SetWriters переназначает целевые потоки логгера и пересобирает core.
// Nil означает Stdout/Stderr по умолчанию. Потокобезопасно.
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if stdout == nil {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	} else {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(stdout))
	}
	if stderr == nil {
		stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		stderrWriter = zapcore.Lock(zapcore.AddSync(stderr))
	}

	rebuildLoggerLocked()
}

// Logger возвращает текущий zap.Logger, лениво создавая его при первом обращении.
// Возвращается "сырое" API (не Sugared); предпочтительнее передавать структурированные zap.Field.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if log == nil {
		rebuildLoggerLocked()
	}
	return log
}

// IsDebugEnabled проверяет, включен ли debug уровень логирования.
func IsDebugEnabled() bool {
	return Logger().Level() <= zap.DebugLevel
}

// Debug пишет структурированное сообщение уровня Debug.
func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }

// Info пишет структурированное сообщение уровня Info.
func Info(msg string, fields ...zap.Field) { Logger().Info(msg, fields...) }

// Warn пишет структурированное предупреждение уровня Warn.
func Warn(msg string, fields ...zap.Field) { Logger().Warn(msg, fields...) }

// Error пишет структурированное сообщение об ошибке уровня Error.
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Fatal пишет структурированное сообщение об ошибке уровня Fatal и завершает работу приложения.
func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
	_ = Logger().Sync() // Обязательно сбросить буферы перед os.Exit
	os.Exit(1)
}

// Debugf форматирует сообщение через fmt.Sprintf. Используйте экономно:
// форматирование аллоцирует; для горячих путей предпочтительны структурированные поля.
func Debugf(msg string, a ...any) { Logger().Debug(fmt.Sprintf(msg, a...)) }

// Infof форматирует сообщение через fmt.Sprintf. Для горячих путей лучше использовать Info с полями.
func Infof(msg string, a ...any) { Logger().Info(fmt.Sprintf(msg, a...)) }

// Warnf форматирует сообщение через fmt.Sprintf. Предпочтительнее передавать данные через zap.Field.
func Warnf(msg string, a ...any) { Logger().Warn(fmt.Sprintf(msg, a...)) }

// Errorf форматирует сообщение через fmt.Sprintf. В критичных участках используйте Error с полями.
func Errorf(msg string, a ...any) { Logger().Error(fmt.Sprintf(msg, a...)) }
